package apidriver

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/eniris-international/eniris-go/apidriver"

	// defaultServiceName identifies the driver in traces and metrics.
	defaultServiceName = "eniris-apidriver"
)

// internalConfig holds everything a Driver is built from.
type internalConfig struct {
	// Config carries the endpoint, timing and retry settings.
	Config

	// JitterFactor randomizes retry delays. 0 keeps the schedule exact.
	JitterFactor float64

	// === Transport ===

	// Transport overrides the HTTP transport entirely.
	Transport Transport

	// HTTPClient is wrapped by the default transport when Transport is nil.
	HTTPClient *http.Client

	// TransportConfig tunes the pool of the default *http.Client.
	TransportConfig TransportConfig

	// RateLimit enables client-side rate limiting of API attempts.
	RateLimit *RateLimitConfig

	// Breaker gates API attempts through a circuit breaker.
	Breaker *BreakerConfig

	// === Observability ===

	Logger         zerolog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *metrics
	Propagators    propagation.TextMapPropagator
	ServiceName    string

	// === Test hooks ===

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// newConfig creates an internal config from base and applies options.
func newConfig(base Config, opts ...Option) *internalConfig {
	cfg := &internalConfig{
		Config:          base,
		TransportConfig: DefaultTransportConfig(),
		Logger:          defaultLogger,
		TracerProvider:  otel.GetTracerProvider(),
		MeterProvider:   otel.GetMeterProvider(),
		Propagators: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		ServiceName: defaultServiceName,
		now:         time.Now,
		sleep:       sleepContext,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// A nil *metrics is safe to record on.
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// retryPolicy derives the RetryPolicy from the configuration.
func (cfg *internalConfig) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaximumRetries:    cfg.MaximumRetries,
		InitialRetryDelay: cfg.InitialRetryDelay,
		MaximumRetryDelay: cfg.MaximumRetryDelay,
		JitterFactor:      cfg.JitterFactor,
	}
}

// baseTransport returns the transport used for both hosts.
func (cfg *internalConfig) baseTransport() Transport {
	if cfg.Transport != nil {
		return cfg.Transport
	}
	if cfg.HTTPClient != nil {
		return newHTTPTransport(cfg.HTTPClient)
	}
	return newHTTPTransport(cfg.TransportConfig.buildHTTPClient())
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("eniris.client.name", cfg.ServiceName),
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures the driver.
type Option func(*internalConfig)

// WithAuthURL sets the base URL of the authentication endpoint.
// Default: https://authentication.eniris.be
func WithAuthURL(u string) Option {
	return func(cfg *internalConfig) {
		cfg.AuthURL = u
	}
}

// WithAPIURL sets the base URL relative request paths are joined to.
// Default: https://api.eniris.be
func WithAPIURL(u string) Option {
	return func(cfg *internalConfig) {
		cfg.APIURL = u
	}
}

// WithTimeout bounds each attempt, including authentication calls. The
// overall request may take up to roughly (MaximumRetries+1) * timeout plus
// backoff; bound it with the caller's context if needed.
// Default: 60s
func WithTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.Timeout = d
	}
}

// WithMaximumRetries sets how many retries follow the first attempt.
// 0 disables retrying.
// Default: 5
func WithMaximumRetries(n int) Option {
	return func(cfg *internalConfig) {
		cfg.MaximumRetries = n
	}
}

// WithInitialRetryDelay sets the delay before the first retry.
// Default: 1s
func WithInitialRetryDelay(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.InitialRetryDelay = d
	}
}

// WithMaximumRetryDelay caps every retry delay.
// Default: 60s
func WithMaximumRetryDelay(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.MaximumRetryDelay = d
	}
}

// WithRetryStatusCodes replaces the set of statuses treated as transient.
// 401 and 403 always trigger a token refresh and are ignored here.
//
// Example, matching servers that answer 500 for permanent bugs:
//
//	apidriver.WithRetryStatusCodes(429, 502, 503, 504)
func WithRetryStatusCodes(codes ...int) Option {
	return func(cfg *internalConfig) {
		cfg.RetryStatusCodes = append([]int(nil), codes...)
	}
}

// WithJitter randomizes each retry delay by up to ±factor (0.0-1.0). The
// result never exceeds the maximum retry delay.
// Default: 0
func WithJitter(factor float64) Option {
	return func(cfg *internalConfig) {
		cfg.JitterFactor = factor
	}
}

// WithAccessTokenLifetime sets how long an access token is cached when the
// token itself does not expire earlier.
// Default: 2m
func WithAccessTokenLifetime(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.AccessTokenLifetime = d
	}
}

// WithSeparateAuthRetryBudget gives authentication outages a budget of their
// own, so a flaky auth host does not use up the retries of the request.
func WithSeparateAuthRetryBudget() Option {
	return func(cfg *internalConfig) {
		cfg.SeparateAuthRetryBudget = true
	}
}

// WithTransport replaces the HTTP transport. It is used for both the
// authentication and the API host.
func WithTransport(t Transport) Option {
	return func(cfg *internalConfig) {
		cfg.Transport = t
	}
}

// WithHTTPClient makes the default transport use c. The client's Timeout
// should be zero or above the per-attempt timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *internalConfig) {
		cfg.HTTPClient = c
	}
}

// WithTransportConfig tunes the connection pool of the default transport.
func WithTransportConfig(tc TransportConfig) Option {
	return func(cfg *internalConfig) {
		cfg.TransportConfig = tc
	}
}

// WithRateLimit limits API attempts, retries included.
//
// Example:
//
//	apidriver.WithRateLimit(apidriver.DefaultRateLimitConfig())
func WithRateLimit(rl RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RateLimit = &rl
	}
}

// WithBreaker places a circuit breaker in front of the API host.
//
// Example:
//
//	apidriver.WithBreaker(apidriver.DefaultBreakerConfig())
func WithBreaker(bc BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.Breaker = &bc
	}
}

// WithLogger sets the zerolog logger. Credentials and tokens are never logged.
// Default: warn level to stderr
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = l
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		if tp != nil {
			cfg.TracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		if mp != nil {
			cfg.MeterProvider = mp
		}
	}
}

// WithPropagators sets the propagators used to inject trace context into
// API requests.
// Default: TraceContext + Baggage (W3C standard)
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		if p != nil {
			cfg.Propagators = p
		}
	}
}

// WithServiceName sets the "eniris.client.name" attribute on spans and
// metrics and the "client" label of the Prometheus collector.
// Default: "eniris-apidriver"
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.ServiceName = name
	}
}

// withClock replaces time.Now.
func withClock(now func() time.Time) Option {
	return func(cfg *internalConfig) {
		cfg.now = now
	}
}

// withSleep replaces the backoff sleep.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(cfg *internalConfig) {
		cfg.sleep = sleep
	}
}
