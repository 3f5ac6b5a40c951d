package stream

import (
	"context"

	"github.com/planweave/planweave/runlog"
)

// Publisher is the single path domain events take out of the planner and
// executor: each event is enqueued on the best-effort recorder for durable
// storage and mapped into an envelope for the live sink. Stream emission
// never waits on storage.
type Publisher struct {
	mapper   *Mapper
	sink     Sink
	recorder *runlog.Recorder
}

// NewPublisher wires a mapper, a live sink, and an optional recorder.
func NewPublisher(mapper *Mapper, sink Sink, recorder *runlog.Recorder) *Publisher {
	if sink == nil {
		sink = NullSink{}
	}
	return &Publisher{mapper: mapper, sink: sink, recorder: recorder}
}

// Publish records and delivers one domain event. The returned error comes
// from the live sink only (a departed SSE client); recording is best-effort
// and storage failures never surface here.
func (p *Publisher) Publish(ctx context.Context, e runlog.Event) error {
	if p.recorder != nil {
		p.recorder.Enqueue(e)
	}
	return p.sink.Send(ctx, p.mapper.CreateFromEvent(e))
}

// Mapper exposes the underlying mapper for terminal envelopes built
// directly by callers.
func (p *Publisher) Mapper() *Mapper { return p.mapper }

// Sink exposes the live sink.
func (p *Publisher) Sink() Sink { return p.sink }
