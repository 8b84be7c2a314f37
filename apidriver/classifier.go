package apidriver

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// Outcome is the classification of a single attempt.
type Outcome int

const (
	// OutcomeSuccess is a 2xx response, or any status below 400 the
	// transport did not follow.
	OutcomeSuccess Outcome = iota

	// OutcomeClientRejection is a status that retrying cannot fix.
	OutcomeClientRejection

	// OutcomeAuthRejection is a 401 or 403: the access token was refused.
	OutcomeAuthRejection

	// OutcomeTransient is a network error, a per-attempt timeout or a
	// retryable status code.
	OutcomeTransient

	// OutcomePermanent is a transport error that will not succeed on retry,
	// such as a certificate failure, NXDOMAIN or caller cancellation.
	OutcomePermanent
)

// String returns the lowercase outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientRejection:
		return "client_rejection"
	case OutcomeAuthRejection:
		return "auth_rejection"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// DefaultRetryStatusCodes returns the statuses retried by default:
// 429 Too Many Requests and every 5xx.
func DefaultRetryStatusCodes() []int {
	codes := []int{http.StatusTooManyRequests}
	for code := 500; code <= 599; code++ {
		codes = append(codes, code)
	}
	return codes
}

// statusSet is a lookup table of retryable status codes.
type statusSet map[int]struct{}

func newStatusSet(codes []int) statusSet {
	set := make(statusSet, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}

func (s statusSet) contains(code int) bool {
	_, ok := s[code]
	return ok
}

// classifyStatus maps a received status code to an outcome.
func classifyStatus(code int, retryable statusSet) Outcome {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return OutcomeAuthRejection
	case retryable.contains(code):
		return OutcomeTransient
	case code >= 400:
		return OutcomeClientRejection
	default:
		return OutcomeSuccess
	}
}

// classifyError maps a transport error to an outcome. ctx is the caller's
// context, not the per-attempt one: a per-attempt deadline is transient while
// the caller giving up is permanent.
func classifyError(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return OutcomePermanent
	}
	if isPermanentError(err) {
		return OutcomePermanent
	}
	if isRetryableNetworkError(err) {
		return OutcomeTransient
	}
	// Unknown transport errors are treated like connection failures.
	return OutcomeTransient
}

// isRetryableNetworkError returns true for network errors that are
// typically transient.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return containsTransientPattern(err)
}

// containsTransientPattern is a fallback for wrapped errors where type checks fail.
func containsTransientPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"network is down",
		"network unreachable",
		"i/o timeout",
		"temporary failure",
		"server closed",
		"broken pipe",
		"eof",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// isPermanentError returns true for errors that will not succeed on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}

	return containsPermanentPattern(err)
}

// containsPermanentPattern is a fallback for wrapped errors where type checks fail.
func containsPermanentPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"x509:",
		"certificate",
		"tls:",
		"unsupported protocol scheme",
		"permission denied",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
