package stream

import (
	"sync"
	"time"

	"github.com/planweave/planweave/runlog"
)

// Mapper builds envelopes for one logical stream: it allocates the
// monotonic sequence, stamps wall-clock time, tags the channel, and redacts
// metadata. Sequence allocation is private — the only way to obtain an
// envelope is through the constructors, so ordering cannot be forged by
// callers.
type Mapper struct {
	channel Channel

	mu  sync.Mutex
	seq int64
}

// NewPlanningMapper creates a mapper for a planning stream.
func NewPlanningMapper() *Mapper { return &Mapper{channel: ChannelPlanning} }

// NewExecutionMapper creates a mapper for an execution stream.
func NewExecutionMapper() *Mapper { return &Mapper{channel: ChannelExecution} }

// nextSeq is the private sequence allocator.
func (m *Mapper) nextSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

func (m *Mapper) envelope(eventType, content string, metadata map[string]interface{}, isFinal bool) Envelope {
	return Envelope{
		Type:      eventType,
		Channel:   m.channel,
		Sequence:  m.nextSeq(),
		Timestamp: time.Now().UTC(),
		Content:   content,
		Metadata:  Redact(metadata),
		IsFinal:   isFinal,
	}
}

// CreateInitial builds the stream's opening envelope. The metadata commonly
// carries workflow_id, which clients read to navigate as soon as it appears.
func (m *Mapper) CreateInitial(eventType string, metadata map[string]interface{}) Envelope {
	return m.envelope(eventType, "", metadata, false)
}

// CreateStep builds an intermediate envelope.
func (m *Mapper) CreateStep(eventType, content string, metadata map[string]interface{}) Envelope {
	return m.envelope(eventType, content, metadata, false)
}

// CreateError builds a terminal error envelope carrying a machine code.
func (m *Mapper) CreateError(code, message string, details map[string]interface{}) Envelope {
	metadata := map[string]interface{}{"code": code}
	for k, v := range details {
		metadata[k] = v
	}
	errType := TypeError
	if m.channel == ChannelExecution {
		errType = TypeWorkflowError
	}
	return m.envelope(errType, message, metadata, true)
}

// CreateFinal builds the terminal success envelope.
func (m *Mapper) CreateFinal(content string, metadata map[string]interface{}) Envelope {
	finalType := TypeFinal
	if m.channel == ChannelExecution {
		finalType = TypeWorkflowComplete
	}
	return m.envelope(finalType, content, metadata, true)
}

// CreateFromEvent maps a live domain event into an envelope, allocating the
// next sequence on this stream. The event's node id joins the metadata; its
// payload "content" field becomes the envelope content.
func (m *Mapper) CreateFromEvent(e runlog.Event) Envelope {
	content, _ := e.Payload["content"].(string)
	metadata := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		if k == "content" {
			continue
		}
		metadata[k] = v
	}
	if e.NodeID != "" {
		metadata["node_id"] = e.NodeID
	}
	return m.envelope(string(e.Kind), content, metadata, e.Kind.Terminal())
}

// FromRunEvent maps a stored run event into a replay envelope. Replay
// preserves the stored sequence and timestamp instead of allocating fresh
// ones, so a resumed client observes the original ordering.
func FromRunEvent(e runlog.Event) Envelope {
	content, _ := e.Payload["content"].(string)
	metadata := Redact(e.Payload)
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	delete(metadata, "content")
	if e.NodeID != "" {
		metadata["node_id"] = e.NodeID
	}
	return Envelope{
		Type:      string(e.Kind),
		Channel:   Channel(e.Channel),
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Content:   content,
		Metadata:  metadata,
		IsFinal:   e.Kind.Terminal(),
	}
}
