// Package retry runs an operation a bounded number of times with exponential
// backoff between attempts.
//
// Budgets are expressed as total tries, matching the MaxTries setting of the
// consumer: MaxTries 4 means the first attempt plus up to three retries.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy holds the retry budget and backoff shape.
type Policy struct {
	// MaxTries is the total number of attempts. Values below 1 mean a single attempt.
	MaxTries int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps exponential growth.
	MaxBackoff time.Duration

	// Multiplier is applied to the backoff after each retry (default: 2.0).
	Multiplier float64

	// Jitter spreads the wait over [backoff, 2*backoff).
	Jitter bool
}

// WithMaxTries returns a policy with the default backoff and the given budget.
func WithMaxTries(maxTries int) Policy {
	return Policy{
		MaxTries:       maxTries,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Retryable reports whether err should trigger another attempt.
type Retryable func(error) bool

// OnRetry is called before each retry. attempt is the 1-indexed attempt about to run.
type OnRetry func(attempt int, err error, wait time.Duration)

// Always retries every error.
func Always(error) bool { return true }

// Do calls fn until it succeeds, returns a non-retryable error, the budget is
// spent or ctx is done. The last error is returned wrapped with the attempt count.
func Do[T any](ctx context.Context, p Policy, retryable Retryable, onRetry OnRetry, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	p = p.withDefaults()
	if retryable == nil {
		retryable = Always
	}

	wait := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.MaxTries; attempt++ {
		if attempt > 1 {
			actual := wait
			if p.Jitter {
				actual += rand.N(wait)
			}
			if onRetry != nil {
				onRetry(attempt, lastErr, actual)
			}

			timer := time.NewTimer(actual)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, ctx.Err())
			case <-timer.C:
			}

			wait = min(time.Duration(float64(wait)*p.Multiplier), p.MaxBackoff)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("gave up after %d attempts: %w", p.MaxTries, lastErr)
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Policy, retryable Retryable, onRetry OnRetry, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, retryable, onRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (p Policy) withDefaults() Policy {
	if p.MaxTries < 1 {
		p.MaxTries = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}
