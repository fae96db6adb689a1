// Package retry provides a bounded retry loop with attempt-scaled, jittered waits.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleeper blocks for a duration or until the context ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Jitter scales durations by a uniform random factor in [Min, Max]. The zero
// value leaves durations unchanged.
type Jitter struct {
	Min  float64
	Max  float64
	Rand func() float64
}

// Apply returns d multiplied by a random factor from the jitter range.
func (j Jitter) Apply(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	lo, hi := j.Min, j.Max
	if lo <= 0 || hi < lo {
		return d
	}
	r := j.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := lo + r()*(hi-lo)
	return time.Duration(math.Round(float64(d) * factor))
}

// Policy configures Do.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      Jitter
	// Retryable classifies errors. Nil means every error except context
	// cancellation is retried.
	Retryable func(error) bool
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Backoff returns the wait after the given failed attempt (1-based): the base
// delay scaled by the attempt number, then jittered.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Jitter.Apply(p.BaseDelay * time.Duration(attempt))
}

func (p Policy) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do calls fn until it succeeds, returns a terminal error, or MaxAttempts is
// reached. It returns the value, the number of attempts made and the error.
// There is no wait after the final attempt.
func Do[T any](ctx context.Context, p Policy, sleeper Sleeper, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		val, err := fn(ctx, attempt)
		if err == nil {
			return val, attempt, nil
		}
		lastErr = err
		if !p.shouldRetry(err) {
			return zero, attempt, err
		}
		if attempt == maxAttempts {
			break
		}
		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if sleeper != nil {
			if serr := sleeper.Sleep(ctx, wait); serr != nil {
				return zero, attempt, fmt.Errorf("retry wait: %w", serr)
			}
		}
	}
	return zero, maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}
