package retry

import (
	"context"
	"time"
)

// Policy is a bounded retry policy passed explicitly into retrying
// operations. Backoff returns the wait before the given attempt
// (1-based); attempt 1 runs immediately.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Exponential builds a policy doubling from base up to max.
func Exponential(maxAttempts int, base, max time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			if attempt <= 1 {
				return 0
			}
			d := base << (attempt - 2)
			if d > max || d <= 0 {
				return max
			}
			return d
		},
	}
}

// Do runs fn until it succeeds, returns a permanent error, or the policy
// is exhausted. retryable decides whether an error is worth another
// attempt; a nil retryable retries everything.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if wait := p.wait(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (p Policy) wait(attempt int) time.Duration {
	if p.Backoff == nil || attempt <= 1 {
		return 0
	}
	return p.Backoff(attempt)
}
