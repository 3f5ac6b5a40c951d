package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/planweave/planweave/confirm"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/workflow"
)

// runHuman pauses the run for a human decision. The prompt goes out as a
// side_effect_request event (the same confirmation protocol the gate uses,
// so one client surface serves both); allow maps to "approved" and deny to
// "rejected". A rejection is a normal output, not a failure — downstream
// routing decides what it means.
func (e *Executor) runHuman(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	prompt := renderTemplate(configString(node, "prompt", ""), hc)
	confirmID := uuid.NewString()
	e.deps.Broker.Request(hc.Run.ID, confirmID)
	e.deps.Metrics.confirmStarted()
	defer e.deps.Metrics.confirmFinished()

	payload := map[string]interface{}{
		"confirm_id": confirmID,
		"summary":    prompt,
	}
	if choices, ok := node.Config["choices"].([]interface{}); ok && len(choices) > 0 {
		payload["choices"] = choices
	}
	for k, v := range hc.Meta {
		payload[k] = v
	}
	_ = hc.Publisher.Publish(ctx, runlog.Event{
		RunID:   hc.Run.ID,
		Channel: runlog.ChannelExecution,
		Kind:    runlog.KindSideEffectRequest,
		NodeID:  node.ID,
		Payload: payload,
	})

	decision, err := e.deps.Broker.Await(ctx, confirmID, e.opts.ConfirmTimeout)
	switch {
	case err == confirm.ErrTimeout:
		return nil, nodeErr(CodeConfirmationTimeout, node.ID, "human response timed out", err)
	case err != nil:
		return nil, nodeErr(CodeCancelled, node.ID, "run cancelled while awaiting human response", err)
	}

	response := "approved"
	if decision == confirm.Deny {
		response = "rejected"
	}
	return map[string]interface{}{"response": response}, nil
}
