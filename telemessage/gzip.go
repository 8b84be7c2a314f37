package telemessage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// gzipHeaderOverhead is the size of the Content-Encoding header a
// compressed message carries.
const gzipHeaderOverhead = 23

// GzipWriter compresses telemessages before passing them on. A message is
// only sent compressed when that saves more than the extra header costs.
type GzipWriter struct {
	output Writer
	level  int
}

// GzipOption configures a GzipWriter.
type GzipOption func(*GzipWriter)

// WithCompressionLevel sets the gzip level, from gzip.NoCompression to
// gzip.BestCompression.
// Default: gzip.BestCompression
func WithCompressionLevel(level int) GzipOption {
	return func(w *GzipWriter) {
		w.level = level
	}
}

// NewGzipWriter returns a writer compressing for output.
func NewGzipWriter(output Writer, opts ...GzipOption) *GzipWriter {
	w := &GzipWriter{output: output, level: gzip.BestCompression}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteTelemessage compresses m and writes the smaller form to the output.
func (w *GzipWriter) WriteTelemessage(ctx context.Context, m Telemessage) error {
	data := m.Data()
	compressed, err := w.compress(data)
	if err != nil {
		return fmt.Errorf("telemessage: gzip: %w", err)
	}

	if len(data) <= len(compressed)+gzipHeaderOverhead {
		return w.output.WriteTelemessage(ctx, m)
	}

	header := m.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Encoding", "gzip")

	return w.output.WriteTelemessage(ctx, Telemessage{
		Params:  m.Params,
		Lines:   m.Lines,
		Header:  header,
		payload: compressed,
	})
}

func (w *GzipWriter) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, w.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
