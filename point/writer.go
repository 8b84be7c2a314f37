package point

import (
	"context"
	"fmt"

	"github.com/eniris-international/eniris-go/telemessage"
)

// DefaultMaximumBatchSize bounds the combined size of the lines in one
// telemessage, newlines included.
const DefaultMaximumBatchSize = 10_000_000

// Writer consumes points.
type Writer interface {
	WritePoints(ctx context.Context, points []Point) error
}

// DirectWriter encodes points and writes them as telemessages: one or more
// per namespace, each within the maximum batch size.
type DirectWriter struct {
	output       telemessage.Writer
	maxBatchSize int
}

// DirectOption configures a DirectWriter.
type DirectOption func(*DirectWriter)

// WithMaximumBatchSize sets the byte budget of a telemessage. A single line
// larger than the budget is still sent, alone.
// Default: DefaultMaximumBatchSize
func WithMaximumBatchSize(n int) DirectOption {
	return func(w *DirectWriter) {
		w.maxBatchSize = n
	}
}

// NewDirectWriter returns a writer feeding output.
func NewDirectWriter(output telemessage.Writer, opts ...DirectOption) *DirectWriter {
	w := &DirectWriter{output: output, maxBatchSize: DefaultMaximumBatchSize}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// batch is the encoded points of one namespace.
type batch struct {
	namespace Namespace
	lines     [][]byte
}

// WritePoints encodes every point first, so an invalid point fails the call
// before anything is written. Namespaces are written in order of first
// appearance and points keep their order within a namespace.
func (w *DirectWriter) WritePoints(ctx context.Context, points []Point) error {
	var batches []*batch
	byKey := make(map[string]*batch)

	for i, p := range points {
		line, err := p.LineProtocol()
		if err != nil {
			return fmt.Errorf("encode point %d: %w", i, err)
		}

		key := p.Namespace.Params().Encode()
		b, ok := byKey[key]
		if !ok {
			b = &batch{namespace: p.Namespace}
			byKey[key] = b
			batches = append(batches, b)
		}
		b.lines = append(b.lines, line)
	}

	for _, b := range batches {
		if err := w.writeBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// writeBatch splits b into telemessages. Each line is counted with the
// newline that joins it to the next.
func (w *DirectWriter) writeBatch(ctx context.Context, b *batch) error {
	var current [][]byte
	var size int
	for _, line := range b.lines {
		if len(current) > 0 && size+len(line)+1 > w.maxBatchSize {
			if err := w.output.WriteTelemessage(ctx, telemessage.New(b.namespace.Params(), current)); err != nil {
				return err
			}
			current, size = nil, 0
		}
		current = append(current, line)
		size += len(line) + 1
	}
	return w.output.WriteTelemessage(ctx, telemessage.New(b.namespace.Params(), current))
}
