package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/planweave/planweave/workflow"
)

// Action is the structured step the model must emit each turn. Exactly one
// of the three action kinds is valid per turn.
type Action struct {
	// Action is one of query_knowledge, preview_patch, finalize.
	Action string `json:"action"`

	// Thought is the model's reasoning for this step, echoed into events.
	Thought string `json:"thought,omitempty"`

	// Query and Scope drive query_knowledge.
	Query string `json:"query,omitempty"`
	Scope string `json:"scope,omitempty"`

	// Patch carries preview_patch's operations.
	Patch *workflow.Patch `json:"patch,omitempty"`

	// Continue signals that more edits follow the previewed patch.
	Continue bool `json:"continue,omitempty"`

	// Summary describes the finalized workflow.
	Summary string `json:"summary,omitempty"`
}

// Action kinds.
const (
	ActionQueryKnowledge = "query_knowledge"
	ActionPreviewPatch   = "preview_patch"
	ActionFinalize       = "finalize"
)

// actionSchemaJSON is the strict schema the model's output must satisfy.
// Unknown top-level fields are rejected so drifting outputs fail loudly at
// the parse boundary instead of deep inside patch application.
const actionSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"required": ["action"],
	"properties": {
		"action": {"enum": ["query_knowledge", "preview_patch", "finalize"]},
		"thought": {"type": "string"},
		"query": {"type": "string"},
		"scope": {"type": "string"},
		"patch": {
			"type": "object",
			"additionalProperties": false,
			"required": ["ops"],
			"properties": {
				"ops": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["op"],
						"properties": {
							"op": {"enum": ["add_node", "remove_node", "update_node", "add_edge", "remove_edge"]},
							"node": {"type": "object"},
							"node_id": {"type": "string"},
							"config": {"type": "object"},
							"edge": {"type": "object"},
							"source": {"type": "string"},
							"target": {"type": "string"}
						}
					}
				}
			}
		},
		"continue": {"type": "boolean"},
		"summary": {"type": "string"}
	},
	"allOf": [
		{
			"if": {"properties": {"action": {"const": "query_knowledge"}}},
			"then": {"required": ["query"]}
		},
		{
			"if": {"properties": {"action": {"const": "preview_patch"}}},
			"then": {"required": ["patch"]}
		}
	]
}`

// actionSchema is compiled once at package init; the schema is part of the
// compiled catalog, not a runtime artifact.
var actionSchema = mustCompileActionSchema()

func mustCompileActionSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(actionSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("planner: invalid action schema JSON: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("planner-action.json", doc); err != nil {
		panic(fmt.Sprintf("planner: failed to add action schema: %v", err))
	}
	schema, err := compiler.Compile("planner-action.json")
	if err != nil {
		panic(fmt.Sprintf("planner: failed to compile action schema: %v", err))
	}
	return schema
}

// ParseAction extracts and validates the structured action from raw model
// output. The model is instructed to answer with a single JSON object;
// surrounding prose is tolerated by slicing from the first '{' to the last
// '}'. Failures return PlanningError(ParseFailure | SchemaViolation) whose
// message feeds the retry prompt verbatim.
func ParseAction(raw string) (*Action, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, planErr(CodeParseFailure, "no JSON object found in model output", nil)
	}
	blob := raw[start : end+1]

	var value interface{}
	if err := json.Unmarshal([]byte(blob), &value); err != nil {
		return nil, planErr(CodeParseFailure, "model output is not valid JSON: "+err.Error(), err)
	}

	if err := actionSchema.Validate(value); err != nil {
		return nil, planErr(CodeSchemaViolation, "action schema violation: "+err.Error(), err)
	}

	var action Action
	if err := json.Unmarshal([]byte(blob), &action); err != nil {
		return nil, planErr(CodeParseFailure, "failed to decode action: "+err.Error(), err)
	}
	return &action, nil
}
