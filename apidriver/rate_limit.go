package apidriver

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-side rate limiting of API attempts.
// Retries consume tokens like first attempts do.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained attempt rate.
	RequestsPerSecond float64

	// Burst is the maximum number of attempts allowed in a burst.
	Burst int

	// WaitOnLimit determines behavior when the limit is hit.
	// If true, attempts wait for a token (respecting the context deadline).
	// If false, attempts fail immediately with ErrRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns 10 requests per second with a burst of 5.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             5,
		WaitOnLimit:       true,
	}
}

// ErrRateLimited is returned when an attempt is rejected by the client-side
// rate limiter. The engine treats it as transient.
var ErrRateLimited = errors.New("eniris: rate limit exceeded")

// rateLimitTransport delays or rejects attempts above the configured rate.
type rateLimitTransport struct {
	next    Transport
	limiter *rate.Limiter
	wait    bool
}

// newRateLimitTransport wraps next. A non-positive rate disables limiting.
func newRateLimitTransport(next Transport, cfg RateLimitConfig) Transport {
	if cfg.RequestsPerSecond <= 0 {
		return next
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &rateLimitTransport{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		wait:    cfg.WaitOnLimit,
	}
}

// Send implements Transport.
func (t *rateLimitTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if t.wait {
		if err := t.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, ErrRateLimited
		}
	} else if !t.limiter.Allow() {
		return nil, ErrRateLimited
	}

	return t.next.Send(ctx, req)
}

// CloseIdleConnections forwards to the wrapped transport.
func (t *rateLimitTransport) CloseIdleConnections() {
	if ic, ok := t.next.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}
