package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/planweave/planweave/workflow"
)

// buildRegistry wires the closed handler table. Every canonical and
// extended type has an entry; validation upstream guarantees execution only
// ever sees these types.
func (e *Executor) buildRegistry() map[workflow.NodeType]Handler {
	return map[workflow.NodeType]Handler{
		workflow.TypeStart:        HandlerFunc(e.runStart),
		workflow.TypeEnd:          HandlerFunc(e.runEnd),
		workflow.TypeLLM:          HandlerFunc(e.runLLM),
		workflow.TypeKnowledge:    HandlerFunc(e.runKnowledge),
		workflow.TypeHTTP:         HandlerFunc(e.runHTTP),
		workflow.TypeFile:         HandlerFunc(e.runFile),
		workflow.TypeHuman:        HandlerFunc(e.runHuman),
		workflow.TypeConditional:  HandlerFunc(e.runConditional),
		workflow.TypeLoop:         HandlerFunc(e.runLoop),
		workflow.TypeParallel:     HandlerFunc(e.runParallel),
		workflow.TypeTransform:    HandlerFunc(e.runTransform),
		workflow.TypeCode:         HandlerFunc(e.runCode),
		workflow.TypeContainer:    HandlerFunc(e.runContainer),
		workflow.TypeDatabase:     HandlerFunc(e.runDatabase),
		workflow.TypeNotification: HandlerFunc(e.runNotification),
		workflow.TypeAudio:        HandlerFunc(e.runAudio),
		workflow.TypeSubflow:      HandlerFunc(e.runSubflow),
	}
}

// configString reads a string config field with a default.
func configString(node workflow.Node, key, fallback string) string {
	if v, ok := node.Config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// configInt reads a numeric config field with a default.
func configInt(node workflow.Node, key string, fallback int) int {
	if v, ok := intConfig(node.Config[key]); ok {
		return v
	}
	return fallback
}

// configBool reads a boolean config field with a default.
func configBool(node workflow.Node, key string, fallback bool) bool {
	if v, ok := node.Config[key].(bool); ok {
		return v
	}
	return fallback
}

// templatePattern matches {{node_id.field}} and {{initial.field}}
// placeholders inside prompt, url, body, and template strings.
var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// renderTemplate substitutes upstream outputs into a template. A
// placeholder path is node_id.field[.field...]; the initial namespace reads
// the run's initial input. Unresolvable placeholders render empty.
func renderTemplate(tpl string, hc *HandlerContext) string {
	return templatePattern.ReplaceAllStringFunc(tpl, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		parts := strings.Split(path, ".")

		var current interface{}
		if parts[0] == "initial" {
			current = hc.Initial
			parts = parts[1:]
		} else {
			out, ok := hc.Inputs[parts[0]]
			if !ok {
				return ""
			}
			current = out
			parts = parts[1:]
		}
		for _, key := range parts {
			m, ok := current.(map[string]interface{})
			if !ok {
				return ""
			}
			current = m[key]
		}
		return stringify(current)
	})
}

// stringify renders an output value for template substitution.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
