package stream

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink delivers envelopes to a client or observability backend.
//
// Implementations should be resilient — a failing backend must not crash
// the emitting run — and preserve the order of envelopes within a stream.
type Sink interface {
	// Send delivers one envelope. An error means the sink can no longer
	// accept events (for SSE, the client went away); emitters treat it as
	// a signal to stop streaming, not as a run failure.
	Send(ctx context.Context, e Envelope) error

	// Close releases the sink. Safe to call more than once.
	Close(ctx context.Context) error
}

// NullSink discards everything. Used when a caller wants event recording
// without a live stream.
type NullSink struct{}

// Send implements Sink.
func (NullSink) Send(context.Context, Envelope) error { return nil }

// Close implements Sink.
func (NullSink) Close(context.Context) error { return nil }

// BufferedSink captures envelopes in memory for tests and post-hoc
// inspection. Thread-safe.
type BufferedSink struct {
	mu        sync.Mutex
	envelopes []Envelope
	closed    bool
}

// NewBufferedSink creates an empty buffered sink.
func NewBufferedSink() *BufferedSink { return &BufferedSink{} }

// Send implements Sink.
func (b *BufferedSink) Send(_ context.Context, e Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes = append(b.envelopes, e)
	return nil
}

// Close implements Sink.
func (b *BufferedSink) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Envelopes returns a copy of everything captured so far.
func (b *BufferedSink) Envelopes() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.envelopes))
	copy(out, b.envelopes)
	return out
}

// ByType returns captured envelopes of one type, in order.
func (b *BufferedSink) ByType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range b.Envelopes() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes every envelope as a structured log line.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (l *LogSink) Send(_ context.Context, e Envelope) error {
	l.logger.WithFields(logrus.Fields{
		"component": "stream",
		"channel":   e.Channel,
		"type":      e.Type,
		"sequence":  e.Sequence,
		"is_final":  e.IsFinal,
	}).Debug(e.Content)
	return nil
}

// Close implements Sink.
func (l *LogSink) Close(context.Context) error { return nil }

// MultiSink fans out to several sinks in order. The first Send error wins
// but the remaining sinks still receive the envelope.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink { return &MultiSink{sinks: sinks} }

// Send implements Sink.
func (m *MultiSink) Send(ctx context.Context, e Envelope) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close implements Sink.
func (m *MultiSink) Close(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
