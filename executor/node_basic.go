package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/planweave/planweave/workflow"
)

// runStart surfaces the run's initial input as the graph's entry payload.
func (e *Executor) runStart(_ context.Context, _ workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	var payload interface{} = hc.Initial
	if hc.Initial == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{"payload": payload}, nil
}

// runEnd folds upstream outputs into the run's terminal result. A "result"
// or "text" field from upstream passes through; anything else is rendered
// as JSON.
func (e *Executor) runEnd(_ context.Context, _ workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	merged := hc.MergedInputs()
	if s, ok := merged["result"].(string); ok && s != "" {
		return map[string]interface{}{"result": s}, nil
	}
	if s, ok := merged["text"].(string); ok && s != "" {
		return map[string]interface{}{"result": s}, nil
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return map[string]interface{}{"result": ""}, nil
	}
	return map[string]interface{}{"result": string(raw)}, nil
}

// runConditional evaluates the node's guard expression. The node's own
// tentative result is visible to its outgoing edge guards under
// outputs.<id>.result; the first passing edge (document order) is reported
// as selected_edge.
func (e *Executor) runConditional(_ context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	expression := configString(node, "expression", "")

	evalOutputs := map[string]map[string]interface{}{}
	for id, out := range hc.Inputs {
		evalOutputs[id] = out
	}

	result, err := EvalGuard(expression, evalOutputs)
	if err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "conditional expression failed: "+err.Error(), err)
	}

	evalOutputs[node.ID] = map[string]interface{}{"result": result}
	selected := ""
	for _, edge := range hc.Workflow.Edges {
		if edge.Source != node.ID {
			continue
		}
		pass, err := EvalGuard(edge.Guard, evalOutputs)
		if err != nil {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "edge guard failed: "+err.Error(), err)
		}
		if pass {
			selected = edge.Target
			break
		}
	}

	return map[string]interface{}{"result": result, "selected_edge": selected}, nil
}

// runParallel validates the declared children against the node's outgoing
// edges and passes its input payload through. The scheduler fans the
// children out concurrently; their outputs join at the next common
// dependent, keyed by child id.
func (e *Executor) runParallel(_ context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	children, _ := node.Config["children"].([]interface{})
	successors := map[string]bool{}
	for _, succ := range hc.Workflow.Successors(node.ID) {
		successors[succ] = true
	}
	for _, child := range children {
		id, ok := child.(string)
		if !ok || !successors[id] {
			return nil, nodeErr(CodeNodeExecutionError, node.ID,
				fmt.Sprintf("declared child %v is not a successor of the parallel node", child), nil)
		}
	}

	merged := hc.MergedInputs()
	var payload interface{} = merged
	if p, ok := merged["payload"]; ok {
		payload = p
	}
	return map[string]interface{}{"payload": payload}, nil
}

// runTransform applies a restricted mapping over upstream outputs. No code
// execution: pick, rename, template, and join only.
func (e *Executor) runTransform(_ context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	merged := hc.MergedInputs()
	operation := configString(node, "operation", "pick")

	switch operation {
	case "pick":
		fields, _ := node.Config["fields"].([]interface{})
		out := map[string]interface{}{}
		for _, f := range fields {
			if name, ok := f.(string); ok {
				if v, present := merged[name]; present {
					out[name] = v
				}
			}
		}
		return map[string]interface{}{"result": out}, nil

	case "rename":
		mapping, _ := node.Config["mapping"].(map[string]interface{})
		out := map[string]interface{}{}
		for from, to := range mapping {
			name, ok := to.(string)
			if !ok {
				continue
			}
			if v, present := merged[from]; present {
				out[name] = v
			}
		}
		return map[string]interface{}{"result": out}, nil

	case "template":
		tpl := configString(node, "template", "")
		return map[string]interface{}{"result": renderTemplate(tpl, hc)}, nil

	case "join":
		separator := configString(node, "separator", "\n")
		ids := make([]string, 0, len(hc.Inputs))
		for id := range hc.Inputs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			for _, key := range []string{"text", "result", "body", "content"} {
				if s, ok := hc.Inputs[id][key].(string); ok && s != "" {
					parts = append(parts, s)
					break
				}
			}
		}
		return map[string]interface{}{"result": strings.Join(parts, separator)}, nil

	default:
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "unknown transform operation "+operation, nil)
	}
}

// runFile reads or writes a local file. Writes pass the side-effect gate
// before this handler runs.
func (e *Executor) runFile(_ context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	path := configString(node, "path", "")
	mode := strings.ToLower(configString(node, "mode", "read"))

	switch mode {
	case "read":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "read failed: "+err.Error(), err)
		}
		return map[string]interface{}{"content": string(content), "bytes_written": 0}, nil
	case "write":
		content := renderTemplate(configString(node, "content", ""), hc)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "write failed: "+err.Error(), err)
		}
		return map[string]interface{}{"content": "", "bytes_written": len(content)}, nil
	default:
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "unknown file mode "+mode, nil)
	}
}

// runNotification delivers a message. Channel "log" writes a structured log
// line; "webhook" POSTs to the target through the HTTP port. Notification
// nodes always pass the side-effect gate first.
func (e *Executor) runNotification(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	channel := strings.ToLower(configString(node, "channel", "log"))
	message := renderTemplate(configString(node, "message", ""), hc)

	switch channel {
	case "log":
		e.deps.Logger.WithFields(logrus.Fields{
			"component": "notification",
			"run_id":    hc.Run.ID,
			"node_id":   node.ID,
		}).Info(message)
		return map[string]interface{}{"delivered": true}, nil
	case "webhook":
		target := configString(node, "target", "")
		if target == "" {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "webhook notification requires a target", nil)
		}
		out, err := e.deps.HTTP.Call(ctx, map[string]interface{}{
			"method": "POST",
			"url":    target,
			"body":   message,
			"headers": map[string]interface{}{
				"Content-Type": "text/plain",
			},
		})
		if err != nil {
			return nil, nodeErr(CodeHTTPUnavailable, node.ID, "webhook delivery failed: "+err.Error(), err)
		}
		code, _ := out["status_code"].(int)
		return map[string]interface{}{"delivered": code >= 200 && code < 300}, nil
	default:
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "unknown notification channel "+channel, nil)
	}
}

// runAudio is a stub pending a transcription backend: the type is part of
// the closed registry, but execution requires an external service that is
// not bundled.
func (e *Executor) runAudio(_ context.Context, node workflow.Node, _ *HandlerContext) (map[string]interface{}, error) {
	return nil, nodeErr(CodeNodeExecutionError, node.ID, "audio backend not configured", nil)
}
