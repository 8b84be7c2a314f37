package apidriver

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var _ backoff.BackOff = (*policyBackOff)(nil)

// policyBackOff walks a RetryPolicy schedule one retry at a time.
type policyBackOff struct {
	policy RetryPolicy

	// retries counts the delays handed out since the last Reset.
	retries int
}

// Reset restarts the schedule.
func (b *policyBackOff) Reset() {
	b.retries = 0
}

// NextBackOff returns the next delay, or backoff.Stop once the retry budget
// is spent.
func (b *policyBackOff) NextBackOff() time.Duration {
	if b.retries >= b.policy.MaximumRetries {
		return backoff.Stop
	}
	b.retries++
	return b.policy.Delay(b.retries)
}

// applyJitter applies randomization to an interval.
// JitterFactor of 0.5 means the result will be in range [interval*0.5, interval*1.5].
func applyJitter(interval time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return interval
	}
	if jitterFactor > 1 {
		jitterFactor = 1
	}

	delta := float64(interval) * jitterFactor
	minInterval := float64(interval) - delta
	maxInterval := float64(interval) + delta

	//nolint:gosec // intentional weak rand for jitter (not cryptographic)
	return time.Duration(
		minInterval + rand.Float64()*(maxInterval-minInterval),
	)
}
