// Package errors provides the error taxonomy used across stockflow:
// classification of handler failures, retry eligibility, and retry policy
// backoff math.
//
// The taxonomy drives what happens after a failure:
//   - Transient: retried with the handler's backoff policy
//   - Timeout: retried with linear backoff
//   - RateLimited: retried after a longer fixed delay
//   - Business (validation, business rule, authorization, not found):
//     never retried; triggers compensation or a caller-visible failure
//   - System (corruption, invariant violations): never retried; escalated
//     for manual intervention
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: network blips, lock contention, temporary DB failures.
	CategoryTransient Category = iota

	// CategoryTimeout indicates the operation exceeded its window.
	CategoryTimeout

	// CategoryRateLimited indicates a dependency asked us to slow down.
	CategoryRateLimited

	// CategoryBusiness indicates retry won't help and the caller must be told.
	// Examples: validation failures, insufficient stock, missing records.
	CategoryBusiness

	// CategorySystem indicates corruption or a broken invariant.
	CategorySystem
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryTimeout:
		return "timeout"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryBusiness:
		return "business"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this category are retried.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryTimeout || c == CategoryRateLimited
}

// Kind refines CategoryBusiness errors.
type Kind string

// Business error kinds.
const (
	KindValidation    Kind = "validation"
	KindBusinessRule  Kind = "business_rule"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
)

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Kind refines business errors. Empty for other categories.
	Kind Kind

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	label := e.Category.String()
	if e.Kind != "" {
		label = string(e.Kind)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, label, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)", e.Err, label, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

func business(err error, kind Kind, context string) *CategorizedError {
	e := NewCategorized(err, CategoryBusiness, context)
	e.Kind = kind
	return e
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Timeout creates a timeout error.
func Timeout(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTimeout, context)
}

// RateLimited creates a rate-limited error.
func RateLimited(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryRateLimited, context)
}

// Validation creates a business error for malformed input.
func Validation(err error, context string) *CategorizedError {
	return business(err, KindValidation, context)
}

// BusinessRule creates a business error for a violated domain rule.
func BusinessRule(err error, context string) *CategorizedError {
	return business(err, KindBusinessRule, context)
}

// Unauthorized creates a business error for a denied operation.
func Unauthorized(err error, context string) *CategorizedError {
	return business(err, KindAuthorization, context)
}

// NotFound creates a business error for a missing entity.
func NotFound(err error, context string) *CategorizedError {
	return business(err, KindNotFound, context)
}

// System creates a system error that requires manual intervention.
func System(err error, context string) *CategorizedError {
	return NewCategorized(err, CategorySystem, context)
}

// Categorize determines how an error should be handled.
// Unclassified errors are treated as transient so that they get the
// handler's retry budget before being dead-lettered.
func Categorize(err error) Category {
	if err == nil {
		return CategoryTransient
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryBusiness
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	// Cancellation comes from shutdown, not from the handler's dependency
	if errors.Is(err, context.Canceled) {
		return CategoryBusiness
	}

	return CategoryTransient
}

// KindOf returns the business kind of err, or "" if it has none.
func KindOf(err error) Kind {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Kind
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}
	return ""
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err).Retryable()
}

// IsBusiness reports whether the error is a business-level failure.
func IsBusiness(err error) bool {
	return Categorize(err) == CategoryBusiness
}

// NeedsManualIntervention reports whether an operator must look at the error.
func NeedsManualIntervention(err error) bool {
	return Categorize(err) == CategorySystem
}
