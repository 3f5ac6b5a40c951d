// Package stream translates domain run events into the SSE envelopes
// consumed by clients, and provides the sink abstractions envelopes are
// delivered through. Sequence allocation, timestamps, channel tagging, and
// sensitive-field redaction all happen here; emitters never construct
// envelopes directly.
package stream

import "time"

// Channel tags an envelope with its logical stream.
type Channel string

// Channels.
const (
	ChannelPlanning  Channel = "planning"
	ChannelExecution Channel = "execution"
)

// Planning envelope types.
const (
	TypeThinking = "thinking"
	TypeToolCall = "tool_call"
	TypePatch    = "patch"
	TypeFinal    = "final"
	TypeError    = "error"
)

// Execution envelope types.
const (
	TypeWorkflowStart     = "workflow_start"
	TypeNodeStart         = "node_start"
	TypeNodeProgress      = "node_progress"
	TypeNodeComplete      = "node_complete"
	TypeNodeError         = "node_error"
	TypeSideEffectRequest = "side_effect_request"
	TypeWorkflowComplete  = "workflow_complete"
	TypeWorkflowError     = "workflow_error"
)

// Envelope is one SSE event: a single data: line of JSON on the wire.
//
// Streams terminate with an envelope whose IsFinal is true (type final,
// error, workflow_complete, or workflow_error); there is no sentinel
// terminator beyond that.
type Envelope struct {
	Type      string                 `json:"type"`
	Channel   Channel                `json:"channel"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Content   string                 `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	IsFinal   bool                   `json:"is_final,omitempty"`
}
