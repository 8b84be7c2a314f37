package apidriver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for driver operations.
type metrics struct {
	// requestDuration measures a logical request end to end, retries and
	// backoff sleeps included.
	requestDuration metric.Float64Histogram

	// attempts counts individual round trips to the API.
	attempts metric.Int64Counter

	// retryAttempts counts retries, token refresh retries included.
	retryAttempts metric.Int64Counter

	// retryExhausted counts requests that spent the whole retry budget.
	retryExhausted metric.Int64Counter

	// tokenExchanges counts calls to the authentication endpoint by step.
	tokenExchanges metric.Int64Counter
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.requestDuration, err = meter.Float64Histogram(
		"eniris.client.request.duration",
		metric.WithDescription("Duration of Eniris API requests including retries in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
		),
	)
	if err != nil {
		return nil, err
	}

	m.attempts, err = meter.Int64Counter(
		"eniris.client.attempts",
		metric.WithDescription("Number of round trips sent to the Eniris API"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryAttempts, err = meter.Int64Counter(
		"eniris.client.retry.attempts",
		metric.WithDescription("Number of retried Eniris API attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryExhausted, err = meter.Int64Counter(
		"eniris.client.retry.exhausted",
		metric.WithDescription("Number of Eniris API requests that exhausted all retries"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.tokenExchanges, err = meter.Int64Counter(
		"eniris.client.token.exchanges",
		metric.WithDescription("Number of calls to the Eniris authentication endpoint"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordRequestDuration records the duration of a logical request.
func (m *metrics) recordRequestDuration(
	ctx context.Context,
	d time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// recordAttempt records one round trip and its outcome.
func (m *metrics) recordAttempt(ctx context.Context, outcome Outcome, attrs []attribute.KeyValue) {
	if m == nil || m.attempts == nil {
		return
	}
	attrs = append(attrs, attribute.String("eniris.outcome", outcome.String()))
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordRetry records a retry and why it happened.
func (m *metrics) recordRetry(ctx context.Context, outcome Outcome, attrs []attribute.KeyValue) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	attrs = append(attrs, attribute.String("eniris.outcome", outcome.String()))
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordRetryExhausted records a request that ran out of retries.
func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordTokenExchange records a call to the authentication endpoint.
func (m *metrics) recordTokenExchange(ctx context.Context, op, result string, attrs []attribute.KeyValue) {
	if m == nil || m.tokenExchanges == nil {
		return
	}
	attrs = append(attrs,
		attribute.String("eniris.auth.op", op),
		attribute.String("eniris.auth.result", result),
	)
	m.tokenExchanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}
