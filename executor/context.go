package executor

import (
	"context"
	"sort"

	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/stream"
	"github.com/planweave/planweave/workflow"
)

// Handler executes one node type. The registry of handlers is closed and
// populated at executor construction; execution never looks up behavior
// dynamically beyond this table.
type Handler interface {
	// Execute runs the node. Inputs arrive via the HandlerContext; the
	// returned map must conform to the type's output schema. Failures are
	// returned as *NodeError where classification matters.
	Execute(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	return f(ctx, node, hc)
}

// HandlerContext is the transient per-dispatch view of a run: the workflow
// snapshot, the accumulated upstream outputs, and the event publisher. It is
// built by the scheduler for each dispatch and never shared across nodes.
type HandlerContext struct {
	// Run is the run this dispatch belongs to.
	Run runlog.Run

	// Workflow is the immutable snapshot taken at run creation.
	Workflow *workflow.Workflow

	// Inputs maps upstream node id → that node's output record, for every
	// satisfied predecessor. A parallel join reads its fan-in here, keyed
	// by child ids.
	Inputs map[string]map[string]interface{}

	// Initial is the run's initial input, available to start nodes.
	Initial map[string]interface{}

	// Publisher delivers domain events for this run.
	Publisher *stream.Publisher

	// Meta is merged into every event payload this dispatch emits (loop
	// iterations tag events here).
	Meta map[string]interface{}

	// Depth counts nested executions (loop bodies, subflows).
	Depth int

	exec *Executor
}

// Progress publishes a node_progress event carrying one streamed token.
func (hc *HandlerContext) Progress(ctx context.Context, nodeID, token string) {
	payload := map[string]interface{}{"content": token}
	for k, v := range hc.Meta {
		payload[k] = v
	}
	_ = hc.Publisher.Publish(ctx, runlog.Event{
		RunID:   hc.Run.ID,
		Channel: runlog.ChannelExecution,
		Kind:    runlog.KindNodeProgress,
		NodeID:  nodeID,
		Payload: payload,
	})
}

// MergedInputs flattens all upstream outputs into one record; later
// (lexicographically greater) node ids win on key collisions, keeping the
// merge deterministic regardless of completion order.
func (hc *HandlerContext) MergedInputs() map[string]interface{} {
	ids := make([]string, 0, len(hc.Inputs))
	for id := range hc.Inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := map[string]interface{}{}
	for _, id := range ids {
		for k, v := range hc.Inputs[id] {
			out[k] = v
		}
	}
	return out
}
