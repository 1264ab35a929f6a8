// Package retry provides the bounded retry combinator used by every mutating
// ledger call, and per-operation attempt tracking for diagnostics.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
)

// DefaultMaxAttempts bounds retries of transient chain failures.
const DefaultMaxAttempts = 5

// Policy describes a linear backoff: delay(n) = Base + n*Step + rand[0, Jitter).
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Step        time.Duration
	Jitter      time.Duration

	// Retryable decides whether err is worth another attempt.
	// Defaults to errors.IsRetryable.
	Retryable func(error) bool
	// BeforeRetry runs before each retry, after the backoff. An error from it
	// ends the loop.
	BeforeRetry func(ctx context.Context, attempt int) error
}

// DefaultPolicy returns five attempts starting at 200ms and growing by 300ms
// with up to 100ms of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        200 * time.Millisecond,
		Step:        300 * time.Millisecond,
		Jitter:      100 * time.Millisecond,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base + time.Duration(attempt)*p.Step
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}

// Do calls op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. It returns the number of attempts made.
//
// When attempts run out the returned error matches both
// errors.ErrRetriesExhausted and the last failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Delay(attempt-1)); err != nil {
				return attempt - 1, fmt.Errorf("%w: %w", err, last)
			}
			if p.BeforeRetry != nil {
				if err := p.BeforeRetry(ctx, attempt); err != nil {
					return attempt - 1, err
				}
			}
		}

		last = op(ctx, attempt)
		if last == nil {
			return attempt, nil
		}
		if !retryable(last) {
			return attempt, last
		}
	}
	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", errors.ErrRetriesExhausted, maxAttempts, last)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
