package apidriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// ErrCircuitOpen is returned when the circuit breaker rejects an attempt.
// The engine treats it as transient, so the rejection spends retry budget
// and backs off like a 503 would.
var ErrCircuitOpen = errors.New("eniris: circuit breaker open")

// NewRedisStore creates a SharedDataStore backed by Redis so several driver
// instances share one breaker state.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	driver, err := apidriver.New(user, pass,
//	    apidriver.WithBreaker(apidriver.DistributedBreakerConfig(apidriver.NewRedisStore(rdb))),
//	)
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker is the subset of gobreaker used by the driver. Both
// gobreaker.CircuitBreaker and gobreaker.DistributedCircuitBreaker satisfy it.
type CircuitBreaker interface {
	Execute(req func() (*Response, error)) (*Response, error)
}

// BreakerClassifier reports whether an attempt counts as a failure towards
// tripping the breaker.
type BreakerClassifier func(resp *Response, err error) bool

// BreakerConfig holds the configuration for the circuit breaker placed in
// front of the API host. The authentication host is never gated.
//
// Concepts:
//   - Closed: Normal state, requests allowed.
//   - Open: Failing state, requests rejected immediately.
//   - Half-Open: Probing state, limited requests allowed to test recovery.
type BreakerConfig struct {
	// Name identifies the breaker, and its key in a shared store.
	// Default: "eniris-api"
	Name string

	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. 0 never clears them.
	Interval time.Duration

	// Timeout is the period of the open state before probing.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests before the failure
	// ratio is considered.
	FailureThreshold uint32

	// FailureRatio trips the breaker once reached (0.0 - 1.0).
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after this many failures in a row.
	// 0 disables the rule.
	ConsecutiveFailures uint32

	// Store shares state across instances. Nil keeps the breaker in memory.
	Store gobreaker.SharedDataStore

	// Classifier decides which attempts count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is invoked on every state transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns an in-memory breaker configuration.
//
// Defaults:
//   - Interval: 10s
//   - Timeout: 10s
//   - FailureThreshold: 20
//   - FailureRatio: 0.5
//   - ConsecutiveFailures: 5
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "eniris-api",
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerClassifier counts network errors and 5xx responses as
// failures. 429 is left to the retry policy and token rejections to the
// refresh path.
func DefaultBreakerClassifier(resp *Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrRateLimited)
	}
	return resp != nil && resp.StatusCode >= 500
}

// errSyntheticFailure tells the breaker a response was a failure even though
// the transport returned no error. It never reaches callers.
var errSyntheticFailure = errors.New("synthetic failure")

// breakerTransport gates attempts through a circuit breaker.
type breakerTransport struct {
	breaker    CircuitBreaker
	next       Transport
	classifier BreakerClassifier
}

// Send implements Transport.
func (t *breakerTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.breaker.Execute(func() (*Response, error) {
		resp, err := t.next.Send(ctx, req)
		if t.classifier(resp, err) && err == nil {
			return resp, errSyntheticFailure
		}
		return resp, err
	})
	if err != nil {
		if errors.Is(err, errSyntheticFailure) {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport.
func (t *breakerTransport) CloseIdleConnections() {
	if ic, ok := t.next.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

// newBreakerTransport wraps next in the breaker described by bc. A shared
// store that cannot be used falls back to an in-memory breaker.
func newBreakerTransport(next Transport, bc BreakerConfig, onFallback func(error)) Transport {
	name := bc.Name
	if name == "" {
		name = "eniris-api"
	}
	classifier := bc.Classifier
	if classifier == nil {
		classifier = DefaultBreakerClassifier
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bc.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
				return true
			}
			if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
				return false
			}
			if bc.FailureRatio > 0 && counts.Requests > 0 {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= bc.FailureRatio
			}
			return false
		},
		OnStateChange: bc.OnStateChange,
	}

	var cb CircuitBreaker = gobreaker.NewCircuitBreaker[*Response](st)
	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[*Response](bc.Store, st)
		if err != nil {
			if onFallback != nil {
				onFallback(err)
			}
		} else {
			cb = dcb
		}
	}

	return &breakerTransport{
		breaker:    cb,
		next:       next,
		classifier: classifier,
	}
}
