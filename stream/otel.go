package stream

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelSink turns envelopes into OpenTelemetry spans.
//
// Each envelope becomes a zero-duration span named after its type, carrying
// channel, sequence, and flattened metadata as attributes. Error-typed
// envelopes mark the span status as error. Wire a real exporter through the
// global tracer provider; without one the sink is inert.
type OTelSink struct {
	tracer trace.Tracer
}

// NewOTelSink creates a sink over the given tracer, typically
// otel.Tracer("planweave").
func NewOTelSink(tracer trace.Tracer) *OTelSink {
	return &OTelSink{tracer: tracer}
}

// Send implements Sink.
func (o *OTelSink) Send(ctx context.Context, e Envelope) error {
	if o.tracer == nil {
		return nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("planweave.channel", string(e.Channel)),
		attribute.Int64("planweave.sequence", e.Sequence),
		attribute.Bool("planweave.is_final", e.IsFinal),
	}
	for key, value := range e.Metadata {
		attrs = append(attrs, metadataAttribute(key, value))
	}

	_, span := o.tracer.Start(ctx, e.Type, trace.WithAttributes(attrs...))
	if e.Type == TypeError || e.Type == TypeWorkflowError || e.Type == TypeNodeError {
		span.SetStatus(codes.Error, e.Content)
	}
	span.End()
	return nil
}

// Close implements Sink.
func (o *OTelSink) Close(context.Context) error { return nil }

// metadataAttribute flattens a metadata value into a span attribute.
func metadataAttribute(key string, value interface{}) attribute.KeyValue {
	attrKey := "planweave.meta." + key
	switch v := value.(type) {
	case string:
		return attribute.String(attrKey, v)
	case bool:
		return attribute.Bool(attrKey, v)
	case int:
		return attribute.Int(attrKey, v)
	case int64:
		return attribute.Int64(attrKey, v)
	case float64:
		return attribute.Float64(attrKey, v)
	default:
		return attribute.String(attrKey, fmt.Sprintf("%v", v))
	}
}
