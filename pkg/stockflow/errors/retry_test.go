package errors_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name   string
		policy sferrors.RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "fixed",
			policy: sferrors.RetryPolicy{Strategy: sferrors.StrategyFixed, InitialDelay: time.Second},
			want:   []time.Duration{time.Second, time.Second, time.Second},
		},
		{
			name:   "linear uses initial as step",
			policy: sferrors.RetryPolicy{Strategy: sferrors.StrategyLinear, InitialDelay: time.Second},
			want:   []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
		{
			name: "linear with explicit step",
			policy: sferrors.RetryPolicy{
				Strategy: sferrors.StrategyLinear, InitialDelay: time.Second, Step: 500 * time.Millisecond,
			},
			want: []time.Duration{time.Second, 1500 * time.Millisecond, 2 * time.Second},
		},
		{
			name: "exponential",
			policy: sferrors.RetryPolicy{
				Strategy: sferrors.StrategyExponential, InitialDelay: time.Second, BackoffMultiplier: 2,
			},
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name: "exponential capped",
			policy: sferrors.RetryPolicy{
				Strategy: sferrors.StrategyExponential, InitialDelay: time.Second, BackoffMultiplier: 3,
				MaxDelay: 5 * time.Second,
			},
			want: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
		},
		{
			name:   "none",
			policy: sferrors.RetryPolicy{Strategy: sferrors.StrategyNone, InitialDelay: time.Second},
			want:   []time.Duration{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for n, want := range tt.want {
				assert.Equal(t, want, tt.policy.Delay(n), "retry %d", n)
			}
		})
	}
}

func TestRetryPolicy_DelayDoesNotOverflow(t *testing.T) {
	tests := []struct {
		name   string
		policy sferrors.RetryPolicy
		want   time.Duration
	}{
		{
			name: "exponential past 2^63 stays capped",
			policy: sferrors.RetryPolicy{
				Strategy: sferrors.StrategyExponential, InitialDelay: time.Second, BackoffMultiplier: 2,
				MaxDelay: time.Minute,
			},
			want: time.Minute,
		},
		{
			name: "exponential without cap saturates",
			policy: sferrors.RetryPolicy{
				Strategy: sferrors.StrategyExponential, InitialDelay: time.Second, BackoffMultiplier: 2,
			},
			want: time.Duration(math.MaxInt64),
		},
		{
			name: "linear stays capped",
			policy: sferrors.RetryPolicy{
				Strategy: sferrors.StrategyLinear, InitialDelay: time.Hour, MaxDelay: 2 * time.Hour,
			},
			want: 2 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, n := range []int{34, 63, 64, 1000, math.MaxInt32} {
				assert.Equal(t, tt.want, tt.policy.Delay(n), "retry %d", n)
			}
		})
	}

	jittered := sferrors.RetryPolicy{
		Strategy: sferrors.StrategyExponential, InitialDelay: time.Second, BackoffMultiplier: 2, Jitter: true,
	}
	assert.Positive(t, jittered.Delay(100))
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := sferrors.RetryPolicy{Strategy: sferrors.StrategyFixed, InitialDelay: time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestRetryPolicy_BackoffByCategory(t *testing.T) {
	p := sferrors.RetryPolicy{
		Strategy:          sferrors.StrategyExponential,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	}

	assert.Equal(t, 4*time.Second, p.Backoff(sferrors.CategoryTransient, 2))
	assert.Equal(t, 3*time.Second, p.Backoff(sferrors.CategoryTimeout, 2), "timeouts back off linearly")
	assert.Equal(t, 10*time.Second, p.Backoff(sferrors.CategoryRateLimited, 0), "rate limits wait the long fixed delay")
}

func TestRetryPolicy_Attempts(t *testing.T) {
	assert.Equal(t, 1, sferrors.NoRetryPolicy.Attempts())
	assert.Equal(t, 3, sferrors.DefaultRetryPolicy.Attempts())
	assert.Equal(t, 1, sferrors.RetryPolicy{Strategy: sferrors.StrategyFixed}.Attempts())
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, sferrors.DefaultRetryPolicy.Validate())
	assert.Error(t, sferrors.RetryPolicy{}.Validate())
	assert.Error(t, sferrors.RetryPolicy{Strategy: "quadratic", MaxAttempts: 1}.Validate())
	assert.Error(t, sferrors.RetryPolicy{Strategy: sferrors.StrategyFixed}.Validate())
}

func TestWithRetryContext(t *testing.T) {
	fast := sferrors.RetryPolicy{Strategy: sferrors.StrategyFixed, MaxAttempts: 3, InitialDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		res := sferrors.WithRetryContext(context.Background(), fast, nil, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, 42, res.Value)
		assert.Equal(t, 3, res.Attempts)
	})

	t.Run("stops on business error", func(t *testing.T) {
		calls := 0
		res := sferrors.WithRetryContext(context.Background(), fast, nil, func(context.Context) (int, error) {
			calls++
			return 0, sferrors.Validation(errors.New("bad"), "")
		})
		require.Error(t, res.Err)
		assert.Equal(t, 1, calls)
		assert.True(t, sferrors.IsBusiness(res.Err))
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		res := sferrors.WithRetryContext(context.Background(), fast, nil, func(context.Context) (int, error) {
			return 0, errors.New("down")
		})
		require.Error(t, res.Err)
		assert.Equal(t, 3, res.Attempts)
		assert.Contains(t, res.Err.Error(), "max retries exceeded")
	})

	t.Run("custom retryable", func(t *testing.T) {
		sentinel := errors.New("conflict")
		calls := 0
		res := sferrors.WithRetryContext(context.Background(), fast,
			func(err error) bool { return errors.Is(err, sentinel) },
			func(context.Context) (int, error) {
				calls++
				return 0, errors.New("other")
			})
		require.Error(t, res.Err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := sferrors.WithRetryContext(ctx, fast, nil, func(context.Context) (int, error) {
			return 1, nil
		})
		require.Error(t, res.Err)
		assert.Equal(t, 0, res.Attempts)
	})
}
