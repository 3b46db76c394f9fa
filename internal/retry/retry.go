// Package retry holds the bounded retry policy shared by the generation and
// settlement paths.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy is a fixed-delay retry budget. MaxAttempts <= 0 means unbounded.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Jitter      time.Duration
}

func (p Policy) Unbounded() bool {
	return p.MaxAttempts <= 0
}

// Allows reports whether attempt (1-based) fits in the budget.
func (p Policy) Allows(attempt int) bool {
	return p.Unbounded() || attempt <= p.MaxAttempts
}

// Backoff returns the delay before the next attempt, including random jitter.
func (p Policy) Backoff() time.Duration {
	d := p.Delay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	if d < 0 {
		return 0
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do stops retrying and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the budget is
// spent, or ctx is done. It returns the number of attempts made and the last
// error. The delay is applied between attempts only.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	attempt := 0
	for p.Allows(attempt + 1) {
		attempt++
		if attempt > 1 {
			if err := Sleep(ctx, p.Backoff()); err != nil {
				if lastErr != nil {
					return attempt - 1, lastErr
				}
				return attempt - 1, err
			}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		lastErr = err
	}
	return attempt, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
