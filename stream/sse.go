package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SSESink frames envelopes as server-sent events: one data: line of JSON
// per envelope, flushed immediately. The stream carries no sentinel
// terminator; clients stop at the envelope with is_final set.
type SSESink struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSESink wraps a response writer. The writer should already carry the
// text/event-stream content type; flushing is a no-op when the writer does
// not support it (buffered test writers).
func NewSSESink(w io.Writer) *SSESink {
	flusher, _ := w.(http.Flusher)
	return &SSESink{writer: w, flusher: flusher}
}

// Send implements Sink.
func (s *SSESink) Send(ctx context.Context, e Envelope) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close implements Sink.
func (s *SSESink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
