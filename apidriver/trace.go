package apidriver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error type classifications for the error.type attribute.
const (
	ErrorTypeTimeout     = "timeout"
	ErrorTypeDNSError    = "dns_error"
	ErrorTypeTLSError    = "tls_error"
	ErrorTypeCancelled   = "cancelled"
	ErrorTypeAuthError   = "auth_error"
	ErrorTypeRejected    = "rejected"
	ErrorTypeExhausted   = "retry_exhausted"
	ErrorTypeInvalid     = "invalid_argument"
	ErrorTypeClosed      = "client_closed"
	ErrorTypeCircuitOpen = "circuit_open"
	ErrorTypeRateLimited = "rate_limited"
	ErrorTypeUnknown     = "unknown"
)

// errorType maps an error returned by Execute to an error.type value.
func errorType(err error) string {
	var authErr *AuthenticationError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return ErrorTypeInvalid
	case errors.Is(err, ErrClientClosed):
		return ErrorTypeClosed
	case errors.Is(err, ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimited
	case errors.Is(err, ErrRetryExhausted):
		return ErrorTypeExhausted
	case errors.As(err, &authErr):
		return ErrorTypeAuthError
	case errors.Is(err, ErrClientRejection):
		return ErrorTypeRejected
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeDNSError
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrorTypeTLSError
	}
	return ErrorTypeUnknown
}

// setSpanError marks a span as failed.
func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.type", errorType(err)))
}

// addRetryEvent records a scheduled retry on the span.
func addRetryEvent(span trace.Span, attempt int, outcome Outcome, delay time.Duration) {
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("eniris.retry.attempt", attempt),
		attribute.String("eniris.outcome", outcome.String()),
		attribute.String("eniris.retry.delay", delay.String()),
	))
}

// addRefreshEvent records a forced token refresh on the span.
func addRefreshEvent(span trace.Span, attempt int) {
	span.AddEvent("token.refresh", trace.WithAttributes(
		attribute.Int("eniris.retry.attempt", attempt),
	))
}

// requestAttributes returns span attributes for a logical request.
func requestAttributes(method, rawURL, requestID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("url.full", rawURL),
		attribute.String("eniris.request_id", requestID),
	}
}

// responseAttributes returns span attributes for the final response.
func responseAttributes(resp *Response, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.Int("eniris.attempts", attempts),
		attribute.String("http.response.status_class", strconv.Itoa(resp.StatusCode/100)+"xx"),
	}
}
