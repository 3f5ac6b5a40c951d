// Package runlog provides the append-only run event log: the run status
// machine, the event model, repository ports, and the best-effort recorder
// that decouples stream emission from storage latency.
package runlog

import (
	"fmt"
	"time"
)

// Channel separates planning traffic from execution traffic within one run's
// event stream.
type Channel string

// Event channels.
const (
	ChannelPlanning  Channel = "planning"
	ChannelExecution Channel = "execution"
)

// Kind classifies a run event. The set is closed; payload shapes are
// validated per kind at append time.
type Kind string

// Event kinds.
const (
	KindThinking          Kind = "thinking"
	KindToolCall          Kind = "tool_call"
	KindPatch             Kind = "patch"
	KindWorkflowStart     Kind = "workflow_start"
	KindNodeStart         Kind = "node_start"
	KindNodeProgress      Kind = "node_progress"
	KindNodeComplete      Kind = "node_complete"
	KindNodeError         Kind = "node_error"
	KindSideEffectRequest Kind = "side_effect_request"
	KindWorkflowComplete  Kind = "workflow_complete"
	KindWorkflowError     Kind = "workflow_error"
	KindFinal             Kind = "final"
	KindError             Kind = "error"
)

// Terminal reports whether the kind ends its stream. Terminal events are
// never dropped by the recorder's overflow policy.
func (k Kind) Terminal() bool {
	switch k {
	case KindFinal, KindError, KindWorkflowComplete, KindWorkflowError:
		return true
	}
	return false
}

// Event is one append-only record attached to a run.
//
// Sequence numbers are assigned at the point of serialized append and are
// strictly increasing without gaps within a run.
type Event struct {
	RunID     string                 `json:"run_id"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Channel   Channel                `json:"channel"`
	Kind      Kind                   `json:"kind"`
	NodeID    string                 `json:"node_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// requiredPayloadKeys lists the payload fields each kind must carry.
var requiredPayloadKeys = map[Kind][]string{
	KindThinking:          {"content"},
	KindToolCall:          {"tool"},
	KindPatch:             {"summary"},
	KindNodeError:         {"code", "message"},
	KindSideEffectRequest: {"confirm_id", "summary"},
	KindWorkflowError:     {"code", "message"},
	KindError:             {"code", "message"},
}

// ValidatePayload checks an event's payload against its kind's schema.
// Node-scoped kinds additionally require a node id.
func ValidatePayload(e Event) error {
	switch e.Kind {
	case KindNodeStart, KindNodeProgress, KindNodeComplete, KindNodeError, KindSideEffectRequest:
		if e.NodeID == "" {
			return fmt.Errorf("event kind %s requires a node id", e.Kind)
		}
	}
	for _, key := range requiredPayloadKeys[e.Kind] {
		if _, ok := e.Payload[key]; !ok {
			return fmt.Errorf("event kind %s requires payload field %q", e.Kind, key)
		}
	}
	return nil
}
