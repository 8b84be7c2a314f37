package telemessage

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
)

// Telemessage is a block of line-protocol lines sent in a single request.
type Telemessage struct {
	// Params are added to the request's query string.
	Params url.Values

	// Lines are line-protocol encoded points, without trailing newlines.
	Lines [][]byte

	// Header is sent with the request, e.g. Content-Encoding.
	Header http.Header

	// payload replaces the joined lines once the message is encoded.
	payload []byte
}

// New returns a telemessage carrying lines.
func New(params url.Values, lines [][]byte) Telemessage {
	return Telemessage{Params: params, Lines: lines}
}

// Size returns the number of bytes in the lines, newlines excluded.
func (m Telemessage) Size() int {
	var n int
	for _, line := range m.Lines {
		n += len(line)
	}
	return n
}

// Data returns the request body: the encoded payload if there is one, else
// the lines joined by newlines.
func (m Telemessage) Data() []byte {
	if m.payload != nil {
		return m.payload
	}
	return bytes.Join(m.Lines, []byte("\n"))
}

// Writer consumes telemessages.
type Writer interface {
	WriteTelemessage(ctx context.Context, m Telemessage) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, m Telemessage) error

// WriteTelemessage calls f.
func (f WriterFunc) WriteTelemessage(ctx context.Context, m Telemessage) error {
	return f(ctx, m)
}
