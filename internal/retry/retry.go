// Package retry provides the single retry policy shared by the outcome
// resolver and the notification dispatcher, so bounded-retry semantics are
// defined in one place instead of ad hoc loops per component.
package retry

import (
	"context"
	"time"
)

// BackoffFunc maps a 1-based attempt number onto a wait duration.
type BackoffFunc func(attempt int, base time.Duration) time.Duration

// Fixed waits the base interval regardless of attempt.
func Fixed() BackoffFunc {
	return func(_ int, base time.Duration) time.Duration {
		return base
	}
}

// Exponential doubles the base per attempt, capped.
func Exponential(cap time.Duration) BackoffFunc {
	return func(attempt int, base time.Duration) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cap {
				return cap
			}
		}
		if d > cap {
			return cap
		}
		return d
	}
}

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Backoff     BackoffFunc
}

// Delay returns the wait before the next attempt after the given one failed.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return p.Interval
	}
	return p.Backoff(attempt, p.Interval)
}

// Sleep waits out the delay for the given attempt, honouring cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Exhausted reports whether the given 1-based attempt was the last allowed.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
