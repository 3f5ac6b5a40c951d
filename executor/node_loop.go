package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/planweave/planweave/workflow"
)

// runLoop executes the node's body sub-graph repeatedly, up to
// max_iterations or until the "until" guard over the body's outputs holds.
// Iterations fold into the parent run's event stream, each tagged with an
// iteration number in its metadata; there are no sub-runs.
func (e *Executor) runLoop(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	body, err := loopBody(node)
	if err != nil {
		return nil, err
	}

	maxIterations := configInt(node, "max_iterations", 10)
	until := configString(node, "until", "")

	carry := hc.MergedInputs()
	var lastOutputs map[string]map[string]interface{}
	iterations := 0

	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			return nil, nodeErr(CodeCancelled, node.ID, "run cancelled", ctx.Err())
		}

		meta := map[string]interface{}{"loop_node": node.ID, "iteration": i + 1}
		for k, v := range hc.Meta {
			meta[k] = v
		}

		outputs, err := e.executeGraph(ctx, body, hc.Run, carry, hc.Publisher, hc.Depth+1, meta)
		if err != nil {
			return nil, err
		}
		lastOutputs = outputs
		iterations++

		// The next iteration starts from this one's terminal payload.
		carry = map[string]interface{}{"payload": lastResult(body, outputs)}

		if until != "" {
			done, err := EvalGuard(until, outputs)
			if err != nil {
				return nil, nodeErr(CodeNodeExecutionError, node.ID, "until expression failed: "+err.Error(), err)
			}
			if done {
				break
			}
		}
	}

	return map[string]interface{}{
		"iterations": iterations,
		"last":       lastResult(body, lastOutputs),
	}, nil
}

// runSubflow executes another workflow in place, scoped to the run's
// project, and surfaces its terminal result.
func (e *Executor) runSubflow(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	if e.deps.Workflows == nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "no workflow repository configured", nil)
	}

	workflowID := configString(node, "workflow_id", "")
	sub, err := e.deps.Workflows.FindWorkflow(ctx, workflowID, hc.Run.ProjectID)
	if err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, fmt.Sprintf("subflow %q not found", workflowID), err)
	}
	if err := workflow.Validate(sub); err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "subflow failed validation: "+err.Error(), err)
	}

	initial := map[string]interface{}{}
	if in, ok := node.Config["input"].(map[string]interface{}); ok {
		initial = in
	}

	meta := map[string]interface{}{"subflow": workflowID}
	for k, v := range hc.Meta {
		meta[k] = v
	}

	outputs, err := e.executeGraph(ctx, sub, hc.Run, initial, hc.Publisher, hc.Depth+1, meta)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"result": lastResult(sub, outputs)}, nil
}

// loopBody parses and validates the embedded body document. The body is a
// self-contained sub-graph with its own start and end; back-edges never
// exist at the top level, recursion here is the only looping construct.
func loopBody(node workflow.Node) (*workflow.Workflow, error) {
	bodyRaw, ok := node.Config["body"].(map[string]interface{})
	if !ok {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "loop body must be an embedded workflow document", nil)
	}
	raw, err := json.Marshal(bodyRaw)
	if err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "loop body is not serializable", err)
	}
	doc, err := workflow.ParseDocument(raw)
	if err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "loop body parse failed: "+err.Error(), err)
	}
	body, _, err := workflow.FromDocument(node.ID+":body", node.ID+" body", "", doc)
	if err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "loop body invalid: "+err.Error(), err)
	}
	if err := workflow.Validate(body); err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "loop body failed validation: "+err.Error(), err)
	}
	return body, nil
}

// lastResult extracts a sub-graph's terminal value: the end node's result
// when present, otherwise the full outputs map.
func lastResult(w *workflow.Workflow, outputs map[string]map[string]interface{}) interface{} {
	if outputs == nil {
		return nil
	}
	for _, n := range w.Nodes {
		if n.Type == workflow.TypeEnd {
			if out, ok := outputs[n.ID]; ok {
				if r, present := out["result"]; present {
					return r
				}
			}
		}
	}
	converted := map[string]interface{}{}
	for id, out := range outputs {
		converted[id] = out
	}
	return converted
}
