package apidriver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
)

// Driver is an authenticated client for the Eniris API. It is safe for
// concurrent use; all goroutines share one token cache.
//
// Example:
//
//	driver, err := apidriver.New(user, pass)
//	if err != nil {
//	    return err
//	}
//	defer driver.Close(context.Background())
//
//	resp, err := driver.Get(ctx, "/v1/device", url.Values{"limit": {"10"}})
type Driver struct {
	cfg       *internalConfig
	tokens    *TokenManager
	transport Transport
	base      Transport
	retryable statusSet
	stats     counters
	closed    atomic.Bool
}

// New creates a driver logging in as username. No network call is made
// until the first request.
func New(username, password string, opts ...Option) (*Driver, error) {
	cfg := DefaultConfig()
	cfg.Username = username
	cfg.Password = password
	return NewFromConfig(cfg, opts...)
}

// NewFromConfig creates a driver from cfg, typically obtained with
// LoadConfig. Options override cfg.
func NewFromConfig(cfg Config, opts ...Option) (*Driver, error) {
	ic := newConfig(cfg, opts...)
	if err := ic.Config.Validate(); err != nil {
		return nil, err
	}
	if ic.JitterFactor < 0 || ic.JitterFactor > 1 {
		return nil, fmt.Errorf("%w: jitter factor %v outside [0, 1]", ErrInvalidArgument, ic.JitterFactor)
	}

	base := ic.baseTransport()

	// Rate limiting and the breaker apply to API attempts only; the
	// authentication host is reached through the base transport.
	api := base
	if ic.RateLimit != nil {
		api = newRateLimitTransport(api, *ic.RateLimit)
	}
	if ic.Breaker != nil {
		api = newBreakerTransport(api, *ic.Breaker, func(err error) {
			ic.Logger.Warn().Err(err).Msg("eniris: shared breaker store unavailable, using a local breaker")
		})
	}

	d := &Driver{
		cfg:       ic,
		transport: api,
		base:      base,
		retryable: newStatusSet(ic.RetryStatusCodes),
	}
	d.tokens = newTokenManager(
		Credentials{Username: ic.Username, Password: ic.Password},
		ic, base, &d.stats,
	)
	return d, nil
}

// Get issues a GET request.
func (d *Driver) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return d.Execute(ctx, http.MethodGet, path, params, nil, nil)
}

// Delete issues a DELETE request.
func (d *Driver) Delete(ctx context.Context, path string, params url.Values) (*Response, error) {
	return d.Execute(ctx, http.MethodDelete, path, params, nil, nil)
}

// Post issues a POST request. Exactly one of jsonBody and rawBody must be
// non-empty.
func (d *Driver) Post(
	ctx context.Context,
	path string,
	params url.Values,
	jsonBody any,
	rawBody []byte,
) (*Response, error) {
	if jsonBody == nil && len(rawBody) == 0 {
		return nil, fmt.Errorf("%w: POST requires a JSON body or a raw body", ErrInvalidArgument)
	}
	return d.Execute(ctx, http.MethodPost, path, params, jsonBody, rawBody)
}

// Put issues a PUT request. Exactly one of jsonBody and rawBody must be
// non-empty.
func (d *Driver) Put(
	ctx context.Context,
	path string,
	params url.Values,
	jsonBody any,
	rawBody []byte,
) (*Response, error) {
	if jsonBody == nil && len(rawBody) == 0 {
		return nil, fmt.Errorf("%w: PUT requires a JSON body or a raw body", ErrInvalidArgument)
	}
	return d.Execute(ctx, http.MethodPut, path, params, jsonBody, rawBody)
}

// Tokens returns the driver's token manager.
func (d *Driver) Tokens() *TokenManager {
	return d.tokens
}

// Stats returns a snapshot of the driver's counters.
func (d *Driver) Stats() Stats {
	return d.stats.snapshot()
}

// Close logs out, forgets the tokens and releases idle connections. Requests
// issued afterwards fail with ErrClientClosed. Logout is best effort: its
// error is returned, but the driver is closed regardless. Calling Close again
// is a no-op.
func (d *Driver) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := d.tokens.Logout(ctx)
	if err != nil {
		d.cfg.Logger.Warn().Err(err).Msg("eniris: logout failed")
	}

	if ic, ok := d.transport.(idleCloser); ok {
		ic.CloseIdleConnections()
	} else if ic, ok := d.base.(idleCloser); ok {
		ic.CloseIdleConnections()
	}

	if err != nil {
		return fmt.Errorf("eniris: close: %w", err)
	}
	return nil
}
