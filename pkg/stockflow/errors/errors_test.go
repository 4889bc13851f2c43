package errors_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
)

func TestCategorize(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want sferrors.Category
	}{
		{"plain error is transient", base, sferrors.CategoryTransient},
		{"explicit transient", sferrors.Transient(base, "db"), sferrors.CategoryTransient},
		{"timeout", sferrors.Timeout(base, "call"), sferrors.CategoryTimeout},
		{"rate limited", sferrors.RateLimited(base, "api"), sferrors.CategoryRateLimited},
		{"validation", sferrors.Validation(base, "input"), sferrors.CategoryBusiness},
		{"business rule", sferrors.BusinessRule(base, "stock"), sferrors.CategoryBusiness},
		{"authorization", sferrors.Unauthorized(base, "op"), sferrors.CategoryBusiness},
		{"not found", sferrors.NotFound(base, "lot"), sferrors.CategoryBusiness},
		{"system", sferrors.System(base, "ledger"), sferrors.CategorySystem},
		{"wrapped categorized", fmt.Errorf("outer: %w", sferrors.System(base, "")), sferrors.CategorySystem},
		{"validation struct", &sferrors.ValidationError{Field: "qty", Message: "negative"}, sferrors.CategoryBusiness},
		{"timeout struct", &sferrors.TimeoutError{Operation: "handle", Duration: "1s"}, sferrors.CategoryTimeout},
		{"deadline exceeded", fmt.Errorf("call: %w", context.DeadlineExceeded), sferrors.CategoryTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sferrors.Categorize(tt.err))
		})
	}
}

func TestCategory_Retryable(t *testing.T) {
	assert.True(t, sferrors.CategoryTransient.Retryable())
	assert.True(t, sferrors.CategoryTimeout.Retryable())
	assert.True(t, sferrors.CategoryRateLimited.Retryable())
	assert.False(t, sferrors.CategoryBusiness.Retryable())
	assert.False(t, sferrors.CategorySystem.Retryable())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, sferrors.KindNotFound, sferrors.KindOf(sferrors.NotFound(errors.New("x"), "")))
	assert.Equal(t, sferrors.KindValidation, sferrors.KindOf(&sferrors.ValidationError{Message: "m"}))
	assert.Equal(t, sferrors.Kind(""), sferrors.KindOf(errors.New("plain")))
}

func TestCategorizedError_Message(t *testing.T) {
	err := sferrors.BusinessRule(errors.New("not enough stock"), "allocate")
	assert.Equal(t, "allocate: not enough stock (category: business_rule, attempts: 0)", err.Error())

	err2 := sferrors.Transient(errors.New("reset"), "")
	assert.Equal(t, "reset (category: transient, attempts: 0)", err2.Error())
}

func TestPredicates(t *testing.T) {
	assert.True(t, sferrors.IsRetryable(errors.New("x")))
	assert.True(t, sferrors.IsBusiness(sferrors.NotFound(errors.New("x"), "")))
	assert.True(t, sferrors.NeedsManualIntervention(sferrors.System(errors.New("x"), "")))
	assert.False(t, sferrors.NeedsManualIntervention(errors.New("x")))
}
