package apidriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Request is a single outbound round trip as handed to a Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Transport performs one HTTP round trip.
//
// A network failure or timeout is reported as an error; a round trip that
// produced any status code, including 4xx and 5xx, is reported as a Response.
// The per-attempt deadline is carried by ctx.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts an ordinary function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send calls f(ctx, req).
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// idleCloser is implemented by transports holding pooled connections.
type idleCloser interface {
	CloseIdleConnections()
}

// Compile-time interface checks.
var (
	_ Transport  = (*httpTransport)(nil)
	_ idleCloser = (*httpTransport)(nil)
)

// httpTransport is the default Transport backed by an *http.Client.
type httpTransport struct {
	client *http.Client
}

// newHTTPTransport wraps client. The client's own Timeout is left untouched;
// the engine bounds each attempt through the request context.
func newHTTPTransport(client *http.Client) *httpTransport {
	return &httpTransport{client: client}
}

// Send implements Transport.
func (t *httpTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// CloseIdleConnections releases pooled connections.
func (t *httpTransport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

// TransportConfig tunes the connection pool of the default transport.
// It has no effect when WithTransport or WithHTTPClient is used.
//
// Example:
//
//	cfg := apidriver.DefaultTransportConfig()
//	cfg.MaxIdleConnsPerHost = 50
//
//	driver, err := apidriver.New(user, pass,
//	    apidriver.WithTransportConfig(cfg),
//	)
type TransportConfig struct {
	// MaxIdleConns caps idle keep-alive connections across all hosts.
	// Default: 100
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per host. The driver talks
	// to two hosts (authentication and API), so this is the setting that
	// matters most.
	// Default: 20
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits idle plus active connections per host.
	// 0 means unlimited.
	// Default: 100
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	// Default: 90s
	IdleConnTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// DialTimeout bounds TCP connection establishment.
	// Default: 5s
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	// Default: 30s
	KeepAlive time.Duration

	// ForceHTTP2 forces an HTTP/2 attempt.
	// Default: false
	ForceHTTP2 bool
}

// DefaultTransportConfig returns balanced pool settings.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialTimeout:         5 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// buildHTTPClient creates the default *http.Client from the pool settings.
func (tc TransportConfig) buildHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   tc.DialTimeout,
		KeepAlive: tc.KeepAlive,
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        tc.MaxIdleConns,
			MaxIdleConnsPerHost: tc.MaxIdleConnsPerHost,
			MaxConnsPerHost:     tc.MaxConnsPerHost,
			IdleConnTimeout:     tc.IdleConnTimeout,
			TLSHandshakeTimeout: tc.TLSHandshakeTimeout,
			ForceAttemptHTTP2:   tc.ForceHTTP2,
		},
	}
}
