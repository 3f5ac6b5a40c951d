// Package tool provides the executor's external-action ports: generic tools,
// an HTTP client tool, and the knowledge-retrieval port used by knowledge
// nodes and the planner's query_knowledge action.
package tool

import "context"

// Tool is an external capability invoked with a map input and returning a
// map output. Node handlers dispatch to tools through this interface;
// concrete adapters are wired at application start.
type Tool interface {
	// Name returns the tool identifier.
	Name() string

	// Call executes the tool. Implementations must respect context
	// cancellation and return typed errors for caller classification.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}
