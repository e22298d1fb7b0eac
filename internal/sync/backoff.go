package sync

import "time"

// BackoffPolicy decides when a failed queue entry may be attempted again.
// Both the operation queue and the image queue use it.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultBackoff is 1s doubling per retry, capped at 60s, 5 attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: time.Minute, MaxRetries: 5}
}

// Delay returns min(Base * 2^retryCount, Max).
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	d := p.Base
	for range max(retryCount, 0) {
		if d >= p.Max {
			break
		}
		d *= 2
	}
	return min(d, p.Max)
}

// Ready reports whether an entry with the given history may be attempted at
// now. Entries that never failed are always ready.
func (p BackoffPolicy) Ready(retryCount int, lastAttempt, now time.Time) bool {
	if retryCount <= 0 || lastAttempt.IsZero() {
		return true
	}
	return now.Sub(lastAttempt) >= p.Delay(retryCount)
}
