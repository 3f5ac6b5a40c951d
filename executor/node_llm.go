package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/planweave/planweave/model"
	"github.com/planweave/planweave/workflow"
)

// runLLM invokes the LLM port. With stream enabled (the default) each token
// becomes a node_progress event; the node's output is the concatenated text
// plus a structured extraction when the response is a single JSON object.
func (e *Executor) runLLM(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	if e.deps.Model == nil {
		return nil, nodeErr(CodeLLMUnavailable, node.ID, "no LLM configured", nil)
	}

	prompt := renderTemplate(configString(node, "prompt", ""), hc)
	messages := []model.Message{}
	if system := configString(node, "system", ""); system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	var text string
	if configBool(node, "stream", true) {
		chunks, err := model.StreamOrChat(ctx, e.deps.Model, messages)
		if err != nil {
			return nil, nodeErr(CodeLLMUnavailable, node.ID, "LLM call failed: "+err.Error(), err)
		}
		var sb strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				return nil, nodeErr(CodeLLMUnavailable, node.ID, "LLM stream failed: "+chunk.Err.Error(), chunk.Err)
			}
			sb.WriteString(chunk.Text)
			hc.Progress(ctx, node.ID, chunk.Text)
		}
		text = sb.String()
	} else {
		out, err := e.deps.Model.Chat(ctx, messages)
		if err != nil {
			return nil, nodeErr(CodeLLMUnavailable, node.ID, "LLM call failed: "+err.Error(), err)
		}
		text = out.Text
	}

	output := map[string]interface{}{"text": text}
	if structured := extractJSONObject(text); structured != nil {
		output["structured"] = structured
	}
	return output, nil
}

// runKnowledge dispatches to the retrieval port.
func (e *Executor) runKnowledge(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	if e.deps.Retriever == nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "no knowledge store configured", nil)
	}

	query := renderTemplate(configString(node, "query", ""), hc)
	scope := configString(node, "scope", "")
	topK := configInt(node, "top_k", 5)

	results, err := e.deps.Retriever.Retrieve(ctx, query, scope, topK)
	if err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "retrieval failed: "+err.Error(), err)
	}

	items := make([]interface{}, 0, len(results))
	for _, r := range results {
		items = append(items, map[string]interface{}{
			"text":   r.Text,
			"source": r.Source,
			"score":  r.Score,
		})
	}
	return map[string]interface{}{"results": items}, nil
}

// runHTTP dispatches to the HTTP port. URL and body support templating over
// upstream outputs. Write methods reach this handler only after the
// side-effect gate allowed them.
func (e *Executor) runHTTP(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	if e.deps.HTTP == nil {
		return nil, nodeErr(CodeHTTPUnavailable, node.ID, "no HTTP client configured", nil)
	}

	input := map[string]interface{}{
		"url":    renderTemplate(configString(node, "url", ""), hc),
		"method": configString(node, "method", "GET"),
	}
	if body := configString(node, "body", ""); body != "" {
		input["body"] = renderTemplate(body, hc)
	}
	if headers, ok := node.Config["headers"].(map[string]interface{}); ok {
		input["headers"] = headers
	}
	if timeout, ok := intConfig(node.Config["timeout_seconds"]); ok {
		input["timeout_seconds"] = timeout
	}

	out, err := e.deps.HTTP.Call(ctx, input)
	if err != nil {
		return nil, nodeErr(CodeHTTPUnavailable, node.ID, "http request failed: "+err.Error(), err)
	}
	return out, nil
}

// extractJSONObject attempts to parse the full text as one JSON object.
// Used for structured LLM outputs; non-JSON text yields nil.
func extractJSONObject(text string) map[string]interface{} {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil
	}
	return out
}
