package apidriver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors that can be checked with errors.Is.
var (
	// ErrInvalidArgument is returned for caller misuse, such as supplying both
	// a JSON body and a raw body. It is never retried.
	ErrInvalidArgument = errors.New("eniris: invalid argument")

	// ErrClientClosed is returned by every request issued after Close.
	ErrClientClosed = errors.New("eniris: client closed")

	// ErrAuthentication matches every *AuthenticationError.
	ErrAuthentication = errors.New("eniris: authentication failed")

	// ErrClientRejection matches every *ClientRejectionError.
	ErrClientRejection = errors.New("eniris: request rejected")

	// ErrTransient matches every *TransientError.
	ErrTransient = errors.New("eniris: transient failure")

	// ErrRetryExhausted matches every *RetryExhaustedError.
	ErrRetryExhausted = errors.New("eniris: retries exhausted")
)

// maxErrorBody caps how much of a response body is quoted in error messages.
const maxErrorBody = 256

// AuthenticationError is returned when the authentication endpoint could not
// produce a token.
//
// Temporary distinguishes an unavailable endpoint (network failure, timeout,
// 429 or 5xx) from an endpoint that refused the credentials. Only temporary
// failures are retried by the request engine.
type AuthenticationError struct {
	// Op is the authentication step that failed: "login", "accesstoken",
	// "refreshtoken" or "logout".
	Op string

	// StatusCode is the status answered by the endpoint, or 0 when no
	// response was received.
	StatusCode int

	// Body is the raw response body, kept for diagnostics.
	Body []byte

	// Err is the underlying transport error, if any.
	Err error

	// Temporary reports whether retrying may succeed.
	Temporary bool
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder
	b.WriteString("eniris: authentication ")
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if len(e.Body) > 0 {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying transport error.
func (e *AuthenticationError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel matching.
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// ClientRejectionError is returned when the API answered with a status that
// retrying cannot fix: a 4xx other than a token rejection, or a server error
// that is not configured as retryable.
type ClientRejectionError struct {
	Method   string
	URL      string
	Response *Response
}

func (e *ClientRejectionError) Error() string {
	return "eniris: " + e.Method + " " + e.URL + ": " + describeResponse(e.Response)
}

// Is implements errors.Is for sentinel matching.
func (e *ClientRejectionError) Is(target error) bool {
	return target == ErrClientRejection
}

// StatusCode returns the rejected status code.
func (e *ClientRejectionError) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// TransientError describes a single failed attempt that may succeed when
// retried: a network error, a per-attempt timeout, a retryable status code or
// a rejected access token. It reaches callers wrapped in a RetryExhaustedError.
type TransientError struct {
	Method string
	URL    string

	// Response is the response of the failed attempt, nil for network errors.
	Response *Response

	// Err is the transport error, nil when a response was received.
	Err error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return "eniris: " + e.Method + " " + e.URL + ": " + e.Err.Error()
	}
	return "eniris: " + e.Method + " " + e.URL + ": " + describeResponse(e.Response)
}

// Unwrap returns the transport error.
func (e *TransientError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel matching.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// RetryExhaustedError is returned once the retry budget is spent. Last holds
// the most recent failure so callers can tell "always timed out" apart from
// "always got 503".
type RetryExhaustedError struct {
	// Attempts is the total number of attempts made, including the first.
	Attempts int

	// Last is the final observed failure.
	Last error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("eniris: giving up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last failure.
func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Is implements errors.Is for sentinel matching.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// Response returns the response of the last attempt, or nil if the last
// failure produced none.
func (e *RetryExhaustedError) Response() *Response {
	var te *TransientError
	if errors.As(e.Last, &te) {
		return te.Response
	}
	return nil
}

func describeResponse(resp *Response) string {
	if resp == nil {
		return "no response"
	}
	s := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if len(resp.Body) > 0 {
		s += ": " + truncate(resp.Body)
	}
	return s
}

func truncate(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	return string(body[:maxErrorBody]) + "..."
}
