package api

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy governs in-client retries of idempotent reads. Mutations are
// never retried here.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is 3 attempts starting at 500ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second}
}

// Do runs fn until it succeeds, the attempts are used up, or ctx ends. A
// non-temporary [*Error] (any 4xx other than 408/429) is returned at once.
// A Retry-After hint on the response replaces the computed delay, still
// capped at Max.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var apiErr *Error
		if errors.As(lastErr, &apiErr) && !apiErr.Temporary() {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.delay(attempt)
		if apiErr != nil && apiErr.RetryAfter > 0 {
			wait = min(apiErr.RetryAfter, p.Max)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// delay is Base*2^attempt capped at Max, jittered uniformly into [d/2, d).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if d <= 0 || d > p.Max {
		d = p.Max
	}
	if d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2)) //nolint:gosec // jitter only
}
