package telemessage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/eniris-international/eniris-go/apidriver"
	"github.com/rs/zerolog"
)

// DefaultURL is the Eniris telemetry ingress endpoint.
const DefaultURL = "https://neodata-ingress.eniris.be/v1/telemetry"

// Doer sends one logical API request. *apidriver.Driver implements it.
type Doer interface {
	Do(ctx context.Context, r apidriver.APIRequest) (*apidriver.Response, error)
}

// UnexpectedResponseError reports an ingress answer other than 204.
type UnexpectedResponseError struct {
	StatusCode int
	Body       []byte
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("telemessage: unexpected response [code: %d]: %s", e.StatusCode, e.Body)
}

// DirectWriter posts every telemessage to the ingress endpoint and blocks
// until it is accepted or the driver gives up.
type DirectWriter struct {
	doer   Doer
	url    string
	params url.Values
	logger zerolog.Logger
}

// DirectOption configures a DirectWriter.
type DirectOption func(*DirectWriter)

// WithURL sets the endpoint messages are posted to.
// Default: DefaultURL
func WithURL(u string) DirectOption {
	return func(w *DirectWriter) {
		w.url = u
	}
}

// WithParams sets query parameters added to every request. A message's own
// parameters take precedence.
func WithParams(params url.Values) DirectOption {
	return func(w *DirectWriter) {
		w.params = params
	}
}

// WithLogger sets the logger.
// Default: zerolog.Nop()
func WithLogger(l zerolog.Logger) DirectOption {
	return func(w *DirectWriter) {
		w.logger = l
	}
}

// NewDirectWriter returns a writer posting through doer.
func NewDirectWriter(doer Doer, opts ...DirectOption) *DirectWriter {
	w := &DirectWriter{
		doer:   doer,
		url:    DefaultURL,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteTelemessage posts m. A message without lines is not sent. Any status
// other than 204 fails with *UnexpectedResponseError; driver errors are
// returned wrapped.
func (w *DirectWriter) WriteTelemessage(ctx context.Context, m Telemessage) error {
	data := m.Data()
	if len(data) == 0 {
		return nil
	}

	resp, err := w.doer.Do(ctx, apidriver.APIRequest{
		Method:  http.MethodPost,
		Path:    w.url,
		Params:  mergeParams(w.params, m.Params),
		RawBody: data,
		Header:  m.Header,
	})
	if err != nil {
		return fmt.Errorf("telemessage: write: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return &UnexpectedResponseError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	w.logger.Debug().
		Int("lines", len(m.Lines)).
		Int("bytes", len(data)).
		Msg("telemessage: written")
	return nil
}

// mergeParams copies base and replaces its keys with those of override.
func mergeParams(base, override url.Values) url.Values {
	out := make(url.Values, len(base)+len(override))
	for k, vs := range base {
		out[k] = append([]string(nil), vs...)
	}
	for k, vs := range override {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
