package apidriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// engineState is a step of the request state machine. Every transition
// happens in Execute's loop; only stateWaitingToRetry blocks on a timer.
type engineState int

const (
	stateAcquiringToken engineState = iota
	stateSending
	stateEvaluating
	stateWaitingToRetry
	stateExhausted
)

// call is the state of one logical request across its attempts.
type call struct {
	method      string
	url         string
	requestID   string
	header      http.Header
	body        []byte
	contentType string

	token AccessToken

	// refresh is set after a token rejection until a replacement is held.
	refresh bool

	// attempts counts tries that ended in an outcome, failed token
	// acquisitions included.
	attempts int

	// retries is the spent retry budget. authRetries is used instead for
	// authentication outages when the budgets are separate.
	retries     int
	authRetries int

	outcome     Outcome
	authFailure bool
	resp        *Response
	err         error
	last        error
	delay       time.Duration
}

// APIRequest describes one logical API request for Do.
type APIRequest struct {
	Method string

	// Path is joined to the API URL unless it is already absolute.
	Path   string
	Params url.Values

	// At most one of JSONBody and RawBody may be given. JSONBody is encoded
	// as JSON.
	JSONBody any
	RawBody  []byte

	// Header is added to every attempt. Authorization, X-Request-ID and
	// Content-Type for JSON bodies are set by the driver.
	Header http.Header
}

// Execute sends a request to the API and returns its response once it
// succeeds. Authentication, token refresh and retries happen transparently.
//
// path is joined to the API URL unless it is already absolute. At most one
// of jsonBody and rawBody may be given; jsonBody is encoded as JSON.
//
// Errors:
//   - ErrInvalidArgument for bad input, before any network call
//   - ErrClientClosed after Close
//   - *AuthenticationError when the credentials are refused
//   - *ClientRejectionError for statuses that retrying cannot fix
//   - *RetryExhaustedError once the retry budget is spent
//   - the context error, wrapped, when ctx ends first
func (d *Driver) Execute(
	ctx context.Context,
	method, path string,
	params url.Values,
	jsonBody any,
	rawBody []byte,
) (*Response, error) {
	return d.Do(ctx, APIRequest{
		Method:   method,
		Path:     path,
		Params:   params,
		JSONBody: jsonBody,
		RawBody:  rawBody,
	})
}

// Do is Execute for requests that also carry headers. It fails the same way.
func (d *Driver) Do(ctx context.Context, r APIRequest) (*Response, error) {
	if d.closed.Load() {
		return nil, ErrClientClosed
	}

	method := r.Method
	body, contentType, err := encodeBody(r.JSONBody, r.RawBody)
	if err != nil {
		return nil, err
	}
	target, err := resolveURL(d.cfg.APIURL, r.Path, r.Params)
	if err != nil {
		return nil, err
	}

	d.stats.requests.Add(1)
	c := &call{
		method:      method,
		url:         target,
		requestID:   uuid.NewString(),
		header:      r.Header,
		body:        body,
		contentType: contentType,
	}

	attrs := d.cfg.baseAttributes()
	ctx, span := d.cfg.Tracer.Start(ctx, "eniris "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, requestAttributes(method, target, c.requestID)...)...),
	)
	defer span.End()

	start := time.Now()
	resp, err := d.run(ctx, span, c)
	d.cfg.Metrics.recordRequestDuration(ctx, time.Since(start),
		append(attrs, attribute.String("http.request.method", method)))

	if err != nil {
		setSpanError(span, err)
		return nil, err
	}

	span.SetAttributes(responseAttributes(resp, c.attempts)...)
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	return resp, nil
}

// run drives the state machine until the call succeeds or fails for good.
func (d *Driver) run(ctx context.Context, span trace.Span, c *call) (*Response, error) {
	policy := d.cfg.retryPolicy()
	retryable := d.retryable
	attrs := d.cfg.baseAttributes()
	state := stateAcquiringToken

	for {
		switch state {
		case stateAcquiringToken:
			// Close logs out; a token acquired afterwards would never be
			// revoked.
			if d.closed.Load() {
				return nil, ErrClientClosed
			}
			tok, err := d.acquireToken(ctx, c)
			if err != nil {
				if ctx.Err() != nil {
					return nil, d.aborted(c, ctx.Err())
				}
				var authErr *AuthenticationError
				if !errors.As(err, &authErr) || !authErr.Temporary {
					return nil, err
				}
				c.attempts++
				c.outcome, c.authFailure, c.resp, c.err = OutcomeTransient, true, nil, err
				c.last = err
				state = stateEvaluating
				continue
			}
			c.token, c.refresh = tok, false
			state = stateSending

		case stateSending:
			c.resp, c.err = d.send(ctx, c)
			c.attempts++
			c.authFailure = false
			d.stats.attempts.Add(1)

			if c.err != nil {
				c.outcome = classifyError(ctx, c.err)
			} else {
				c.outcome = classifyStatus(c.resp.StatusCode, retryable)
			}
			d.cfg.Metrics.recordAttempt(ctx, c.outcome, attrs)
			state = stateEvaluating

		case stateEvaluating:
			switch c.outcome {
			case OutcomeSuccess:
				return c.resp, nil
			case OutcomeClientRejection:
				return nil, &ClientRejectionError{Method: c.method, URL: redactURL(c.url), Response: c.resp}
			case OutcomePermanent:
				return nil, d.aborted(c, c.err)
			}

			if !c.authFailure {
				c.last = &TransientError{Method: c.method, URL: redactURL(c.url), Response: c.resp, Err: c.err}
			}

			budget := &c.retries
			if c.authFailure && d.cfg.SeparateAuthRetryBudget {
				budget = &c.authRetries
			}

			decision := policy.Decide(*budget, c.outcome)
			if !decision.Retry {
				state = stateExhausted
				continue
			}
			*budget++

			d.stats.retries.Add(1)
			d.cfg.Metrics.recordRetry(ctx, c.outcome, attrs)
			addRetryEvent(span, c.attempts, c.outcome, decision.Delay)
			d.cfg.Logger.Warn().
				Str("method", c.method).
				Str("url", redactURL(c.url)).
				Str("request_id", c.requestID).
				Int("attempt", c.attempts).
				Str("outcome", c.outcome.String()).
				Dur("delay", decision.Delay).
				AnErr("cause", c.last).
				Msg("eniris: retrying request")

			if decision.Refresh {
				addRefreshEvent(span, c.attempts)
				c.refresh = true
				state = stateAcquiringToken
				continue
			}
			c.delay = decision.Delay
			state = stateWaitingToRetry

		case stateWaitingToRetry:
			if err := d.cfg.sleep(ctx, c.delay); err != nil {
				return nil, d.aborted(c, err)
			}
			state = stateAcquiringToken

		case stateExhausted:
			d.stats.exhausted.Add(1)
			d.cfg.Metrics.recordRetryExhausted(ctx, attrs)
			return nil, &RetryExhaustedError{Attempts: c.attempts, Last: c.last}
		}
	}
}

// acquireToken returns the cached token, or replaces the one the API just
// refused.
func (d *Driver) acquireToken(ctx context.Context, c *call) (AccessToken, error) {
	if c.refresh {
		return d.tokens.refreshRejected(ctx, c.token.Value)
	}
	return d.tokens.GetToken(ctx)
}

// send performs one attempt under the per-attempt timeout.
func (d *Driver) send(ctx context.Context, c *call) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	header := c.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	req := &Request{
		Method: c.method,
		URL:    c.url,
		Header: header,
		Body:   c.body,
	}
	req.Header.Set("Authorization", "Bearer "+c.token.Value)
	req.Header.Set("X-Request-ID", c.requestID)
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}
	d.cfg.Propagators.Inject(ctx, propagation.HeaderCarrier(req.Header))

	return d.transport.Send(actx, req)
}

// aborted wraps an error that ends the call without exhausting retries.
func (d *Driver) aborted(c *call, err error) error {
	return fmt.Errorf("eniris: %s %s: %w", c.method, redactURL(c.url), err)
}

// encodeBody validates and serializes the request body. An empty raw body
// counts as absent, and a JSON body encoding to null is refused.
func encodeBody(jsonBody any, rawBody []byte) ([]byte, string, error) {
	switch {
	case jsonBody != nil && len(rawBody) > 0:
		return nil, "", fmt.Errorf("%w: both a JSON body and a raw body were given", ErrInvalidArgument)
	case jsonBody != nil:
		data, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, "", fmt.Errorf("%w: encode JSON body: %w", ErrInvalidArgument, err)
		}
		if bytes.Equal(data, jsonNull) {
			return nil, "", fmt.Errorf("%w: JSON body is nil", ErrInvalidArgument)
		}
		return data, "application/json", nil
	case len(rawBody) > 0:
		return rawBody, "", nil
	default:
		return nil, "", nil
	}
}

var jsonNull = []byte("null")

// resolveURL joins path to base unless it is absolute, then adds params to
// the query string.
func resolveURL(base, path string, params url.Values) (string, error) {
	target := path
	if !isAbsoluteURL(path) {
		target = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: invalid URL %q: %w", ErrInvalidArgument, path, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isAbsoluteURL(path string) bool {
	u, err := url.Parse(path)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// redactURL drops user info and the query string, which may carry secrets,
// from URLs placed in errors and logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
