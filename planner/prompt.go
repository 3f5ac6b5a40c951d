package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planweave/planweave/tool"
	"github.com/planweave/planweave/workflow"
)

// systemPrompt composes the planner's system message: the canonical
// node-type catalog with per-type schemas, the project rules, the current
// workflow serialization, and the action protocol.
func systemPrompt(w *workflow.Workflow, rules string) string {
	var sb strings.Builder

	sb.WriteString("You are a workflow planner for a deep-research agent platform. ")
	sb.WriteString("You edit a directed acyclic workflow graph by emitting JSON actions, one per turn.\n\n")

	sb.WriteString("## Node type catalog\n\n")
	sb.WriteString("Only these canonical types exist. Node configs must match the schema exactly; unknown types and unknown config fields are rejected.\n\n")
	for _, t := range workflow.Types() {
		spec, _ := workflow.Spec(t)
		sb.WriteString("- " + string(t) + ": fields ")
		fields := make([]string, 0, len(spec.Input))
		for name, fs := range spec.Input {
			tag := string(fs.Type)
			if fs.Required {
				tag += ", required"
			}
			fields = append(fields, fmt.Sprintf("%s (%s)", name, tag))
		}
		if len(fields) == 0 {
			sb.WriteString("none")
		} else {
			sb.WriteString(strings.Join(fields, "; "))
		}
		sb.WriteString("\n")
	}

	if rules != "" {
		sb.WriteString("\n## Project rules\n\n" + rules + "\n")
	}

	sb.WriteString("\n## Current workflow\n\n```json\n")
	doc, err := json.MarshalIndent(w.Document(), "", "  ")
	if err == nil {
		sb.Write(doc)
	}
	sb.WriteString("\n```\n")

	sb.WriteString(`
## Protocol

Respond with exactly one JSON object per turn, nothing else:

- {"action": "query_knowledge", "thought": "...", "query": "...", "scope": "..."} to consult the knowledge base.
- {"action": "preview_patch", "thought": "...", "patch": {"ops": [...]}, "continue": true|false} to propose graph edits. Patch operations: add_node {op, node}, remove_node {op, node_id}, update_node {op, node_id, config}, add_edge {op, edge: {source, target, guard?}}, remove_edge {op, source, target}.
- {"action": "finalize", "thought": "...", "summary": "..."} to commit the accumulated edits.

Edit only nodes connected to the start node unless the user names an isolated node explicitly. Keep the graph acyclic.
`)
	return sb.String()
}

// retryPrompt tells the model exactly what was wrong with its last output
// and demands the same action schema again.
func retryPrompt(offending string, cause error) string {
	return fmt.Sprintf(
		"Your previous output could not be applied.\n\nOutput:\n%s\n\nError:\n%s\n\nRespond again with a single JSON object conforming to the action schema. Fix the error; do not change anything else.",
		truncate(offending, 2000), cause.Error())
}

// knowledgeObservation renders retrieval results for the conversation.
func knowledgeObservation(results []tool.KnowledgeResult) string {
	if len(results) == 0 {
		return "Knowledge base returned no results."
	}
	var sb strings.Builder
	sb.WriteString("Knowledge base results:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [%s, score %.2f] %s\n", i+1, r.Source, r.Score, truncate(r.Text, 500))
	}
	return sb.String()
}

// patchObservation confirms a successful dry-run to the model.
func patchObservation(p workflow.Patch) string {
	return fmt.Sprintf("Patch applied successfully (%s). Preview another patch or finalize.", p.Summary())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
