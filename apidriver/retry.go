package apidriver

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default values for RetryPolicy.
const (
	// DefaultMaximumRetries is the default number of retries after the first attempt.
	DefaultMaximumRetries = 5

	// DefaultInitialRetryDelay is the delay before the first retry.
	DefaultInitialRetryDelay = 1 * time.Second

	// DefaultMaximumRetryDelay caps every computed delay.
	DefaultMaximumRetryDelay = 60 * time.Second
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. It is a pure value; the engine owns the attempt counter.
//
// Delays grow exponentially from InitialRetryDelay and are capped at
// MaximumRetryDelay:
//
//	Delay(n) = min(InitialRetryDelay * 2^(n-1), MaximumRetryDelay)
//
// With the defaults the schedule is 1s, 2s, 4s, 8s, 16s.
type RetryPolicy struct {
	// MaximumRetries is the number of retries allowed after the first
	// attempt. 0 means exactly one attempt.
	// Default: 5
	MaximumRetries int

	// InitialRetryDelay is the delay before the first retry.
	// Default: 1s
	InitialRetryDelay time.Duration

	// MaximumRetryDelay caps every delay, jitter included.
	// Default: 60s
	MaximumRetryDelay time.Duration

	// JitterFactor randomizes each delay by up to ±JitterFactor (0.0-1.0).
	// Default: 0 (deterministic schedule)
	JitterFactor float64
}

// DefaultRetryPolicy returns the policy used when no retry options are given.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaximumRetries:    DefaultMaximumRetries,
		InitialRetryDelay: DefaultInitialRetryDelay,
		MaximumRetryDelay: DefaultMaximumRetryDelay,
	}
}

// Decision is the result of consulting a RetryPolicy.
type Decision struct {
	// Retry reports whether another attempt should be made.
	Retry bool

	// Delay is how long to wait before that attempt.
	Delay time.Duration

	// Refresh reports whether the access token must be replaced first.
	Refresh bool
}

// Decide returns what to do after an attempt ended with outcome. attempt is
// the number of retries already spent, so it is 0 after the first failure.
func (p RetryPolicy) Decide(attempt int, outcome Outcome) Decision {
	if attempt >= p.MaximumRetries {
		return Decision{}
	}

	switch outcome {
	case OutcomeTransient:
		return Decision{Retry: true, Delay: p.Delay(attempt + 1)}
	case OutcomeAuthRejection:
		return Decision{Retry: true, Refresh: true}
	default:
		return Decision{}
	}
}

// Delay returns the wait before retry n, counting from 1. Values of n below 1
// are treated as 1. The computation saturates at MaximumRetryDelay instead
// of overflowing.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	d := p.InitialRetryDelay
	for i := 1; i < n && d < p.MaximumRetryDelay; i++ {
		if d > p.MaximumRetryDelay/2 {
			d = p.MaximumRetryDelay
			break
		}
		d *= 2
	}
	if d > p.MaximumRetryDelay {
		d = p.MaximumRetryDelay
	}

	if p.JitterFactor > 0 {
		d = applyJitter(d, p.JitterFactor)
		if d > p.MaximumRetryDelay {
			d = p.MaximumRetryDelay
		}
	}

	return d
}

// BackOff returns the policy's schedule as a backoff.BackOff. It yields
// Delay(1) through Delay(MaximumRetries) and then backoff.Stop.
//
// Example:
//
//	_, err := backoff.Retry(ctx, op,
//	    backoff.WithBackOff(policy.BackOff()),
//	    backoff.WithMaxTries(uint(policy.MaximumRetries+1)),
//	)
func (p RetryPolicy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}
