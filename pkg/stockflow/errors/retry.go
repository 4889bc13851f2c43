package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how retry delays grow.
type Strategy string

// Retry strategies.
const (
	StrategyNone        Strategy = "none"
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// jitterFactor bounds the random offset applied when Jitter is set.
const jitterFactor = 0.1

// maxDuration is the longest delay a policy produces.
const maxDuration = time.Duration(math.MaxInt64)

// RetryPolicy configures retry behavior for one handler registration.
type RetryPolicy struct {
	// Strategy selects the backoff curve.
	Strategy Strategy

	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay. Zero means uncapped.
	// Rate-limited errors wait exactly MaxDelay.
	MaxDelay time.Duration

	// Step is the linear increment. Defaults to InitialDelay.
	Step time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64

	// Jitter adds a random offset of up to +/-10% to each delay.
	Jitter bool
}

// DefaultRetryPolicy is the standard handler retry policy.
var DefaultRetryPolicy = RetryPolicy{
	Strategy:          StrategyExponential,
	MaxAttempts:       3,
	InitialDelay:      1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            true,
}

// NoRetryPolicy runs a handler exactly once.
var NoRetryPolicy = RetryPolicy{
	Strategy:    StrategyNone,
	MaxAttempts: 1,
}

// Attempts returns the effective attempt budget.
func (p RetryPolicy) Attempts() int {
	if p.Strategy == StrategyNone || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before retry number n (0 for the first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	return p.delay(p.Strategy, n)
}

// Backoff returns the wait before retry n after an error of the given category.
// Timeouts back off linearly and rate limits wait the longer fixed MaxDelay,
// regardless of the configured strategy.
func (p RetryPolicy) Backoff(category Category, n int) time.Duration {
	switch category {
	case CategoryTimeout:
		return p.delay(StrategyLinear, n)
	case CategoryRateLimited:
		if p.MaxDelay > 0 {
			return p.withJitter(p.MaxDelay)
		}
		return p.delay(StrategyFixed, n)
	default:
		return p.delay(p.Strategy, n)
	}
}

func (p RetryPolicy) delay(strategy Strategy, n int) time.Duration {
	if n < 0 {
		n = 0
	}

	var d time.Duration
	switch strategy {
	case StrategyFixed:
		d = p.InitialDelay
	case StrategyLinear:
		step := p.Step
		if step <= 0 {
			step = p.InitialDelay
		}
		if n > 0 && step > (maxDuration-p.InitialDelay)/time.Duration(n) {
			d = maxDuration
		} else {
			d = p.InitialDelay + time.Duration(n)*step
		}
	case StrategyExponential:
		mult := p.BackoffMultiplier
		if mult <= 0 {
			mult = 2.0
		}
		// Compare as float: converting values at or past 2^63 wraps negative
		f := float64(p.InitialDelay) * math.Pow(mult, float64(n))
		if f >= float64(maxDuration) {
			d = maxDuration
		} else {
			d = time.Duration(f)
		}
	default:
		return 0
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return p.withJitter(d)
}

func (p RetryPolicy) withJitter(d time.Duration) time.Duration {
	if !p.Jitter || d <= 0 {
		return d
	}
	offset := float64(d) * jitterFactor * (rand.Float64()*2 - 1)
	if j := float64(d) + offset; j < float64(maxDuration) {
		return time.Duration(j)
	}
	return maxDuration
}

// Validate checks the policy for obviously broken settings.
func (p RetryPolicy) Validate() error {
	switch p.Strategy {
	case StrategyNone, StrategyFixed, StrategyLinear, StrategyExponential:
	case "":
		return fmt.Errorf("retry strategy is required")
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	if p.Strategy != StrategyNone && p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// WithRetryContext runs fn until it succeeds, returns a non-retryable error,
// the policy is exhausted, or ctx is done.
// retryable overrides the default category-based check when non-nil.
func WithRetryContext[T any](
	ctx context.Context,
	policy RetryPolicy,
	retryable func(error) bool,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	if retryable == nil {
		retryable = IsRetryable
	}

	attempts := policy.Attempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: Categorize(err), Attempts: attempt, Context: "context done"},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}
		lastErr = err

		if !retryable(err) {
			return RetryResult[T]{
				Err:      err,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}

		// Don't sleep after the last attempt
		if attempt < attempts-1 {
			timer := time.NewTimer(policy.Backoff(Categorize(err), attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return RetryResult[T]{
					Err:      &CategorizedError{Err: ctx.Err(), Category: Categorize(ctx.Err()), Attempts: attempt + 1, Context: "context done during backoff"},
					Attempts: attempt + 1,
					Duration: time.Since(start),
				}
			case <-timer.C:
			}
		}
	}

	return RetryResult[T]{
		Err: &CategorizedError{
			Err:      lastErr,
			Category: Categorize(lastErr),
			Kind:     KindOf(lastErr),
			Attempts: attempts,
			Context:  "max retries exceeded",
		},
		Attempts: attempts,
		Duration: time.Since(start),
	}
}
