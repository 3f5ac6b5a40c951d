package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow document.
type Status string

// Workflow statuses.
const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Workflow is a named, versioned graph owned by a project.
//
// Invariants enforced by Validate:
//   - node ids are unique within the workflow
//   - every edge references existing nodes
//   - the edge set is acyclic
//   - every node type is canonical or a registered alias
//
// A workflow is immutable during a run: the executor holds a snapshot taken
// at run creation and mutations happen only through Apply at update time.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"project_id,omitempty"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is a single processing step in the graph.
//
// Nodes are pure data: execution behavior lives in the executor's handler
// registry, keyed by the canonical type tag.
type Node struct {
	// ID is stable and unique within the workflow.
	ID string `json:"id"`

	// Type is the canonical type tag. Deserialization resolves aliases
	// before the node is stored, so Type is always canonical in memory.
	Type NodeType `json:"type"`

	// Name is an optional display name.
	Name string `json:"name,omitempty"`

	// Position is a canvas hint, opaque to execution.
	Position Position `json:"position,omitempty"`

	// Config is the type-specific configuration record. It must conform
	// to the type's input schema.
	Config map[string]interface{} `json:"config,omitempty"`
}

// Position is an opaque canvas position hint.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed source→target pair, with an optional guard expression
// used by conditional routing. Guards reference only upstream node outputs.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Guard  string `json:"guard,omitempty"`
}

// Document is the persisted JSON form of a workflow graph: the value stored
// in the workflows.document_json column.
type Document struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// DecodeReport carries observability facts gathered while constructing a
// workflow from an external document.
type DecodeReport struct {
	// DeprecatedTypes lists node ids whose type tag was a deprecated alias
	// resolved by the registry. The stored nodes bear canonical tags.
	DeprecatedTypes map[string]string
}

// WasDeprecated reports whether any node's type required alias resolution.
func (r *DecodeReport) WasDeprecated() bool {
	return r != nil && len(r.DeprecatedTypes) > 0
}

// FromDocument constructs a Workflow from a parsed document, canonicalizing
// every node type via the alias table. Unknown types fail with a
// ValidationError carrying UnknownNodeType; the error lists every offending
// node, not just the first.
//
// FromDocument applies schema defaults but does not run full validation;
// callers decide when to invoke Validate.
func FromDocument(id, name, projectID string, doc Document) (*Workflow, *DecodeReport, error) {
	w := &Workflow{
		ID:        id,
		Name:      name,
		ProjectID: projectID,
		Nodes:     make([]Node, 0, len(doc.Nodes)),
		Edges:     append([]Edge(nil), doc.Edges...),
		Status:    StatusDraft,
	}
	report := &DecodeReport{DeprecatedTypes: map[string]string{}}

	var violations []Violation
	for _, n := range doc.Nodes {
		canonical, deprecated, err := Canonicalize(string(n.Type))
		if err != nil {
			violations = append(violations, Violation{
				Code:    CodeUnknownNodeType,
				Message: fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type),
				NodeID:  n.ID,
			})
			continue
		}
		if deprecated {
			report.DeprecatedTypes[n.ID] = string(n.Type)
		}
		n.Type = canonical
		n.Config = applyDefaults(canonical, n.Config)
		w.Nodes = append(w.Nodes, n)
	}

	if len(violations) > 0 {
		return nil, nil, &ValidationError{Violations: violations}
	}
	return w, report, nil
}

// ParseDocument decodes raw JSON into a Document.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to parse workflow document: %w", err)
	}
	return doc, nil
}

// Document returns the persisted form of the graph. The result shares no
// mutable state with the workflow.
func (w *Workflow) Document() Document {
	clone := w.Clone()
	return Document{Nodes: clone.Nodes, Edges: clone.Edges}
}

// Clone returns a deep copy of the workflow. Config maps are copied through
// JSON, which is safe because configs are plain decoded JSON values.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		out.Nodes[i] = n
		out.Nodes[i].Config = deepCopyConfig(n.Config)
	}
	out.Edges = append([]Edge(nil), w.Edges...)
	return &out
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNodes returns all nodes of type start, in document order.
func (w *Workflow) StartNodes() []Node {
	var out []Node
	for _, n := range w.Nodes {
		if n.Type == TypeStart {
			out = append(out, n)
		}
	}
	return out
}

// Predecessors returns the source ids of all edges targeting the node.
func (w *Workflow) Predecessors(id string) []string {
	var out []string
	for _, e := range w.Edges {
		if e.Target == id {
			out = append(out, e.Source)
		}
	}
	return out
}

// Successors returns the target ids of all edges leaving the node.
func (w *Workflow) Successors(id string) []string {
	var out []string
	for _, e := range w.Edges {
		if e.Source == id {
			out = append(out, e.Target)
		}
	}
	return out
}

// ReachableFromStart returns the set of node ids reachable from any start
// node by following edges forward. Used by the planner's isolation check and
// by the executor to skip disconnected islands.
func (w *Workflow) ReachableFromStart() map[string]bool {
	adjacency := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	reachable := make(map[string]bool)
	var stack []string
	for _, n := range w.StartNodes() {
		stack = append(stack, n.ID)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		stack = append(stack, adjacency[id]...)
	}
	return reachable
}

// applyDefaults fills absent non-required fields from the type's schema.
func applyDefaults(t NodeType, config map[string]interface{}) map[string]interface{} {
	spec, ok := registry[t]
	if !ok {
		return config
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	for field, fs := range spec.Input {
		if fs.Default == nil {
			continue
		}
		if _, present := config[field]; !present {
			config[field] = fs.Default
		}
	}
	return config
}

// deepCopyConfig copies a config map through JSON round-tripping.
func deepCopyConfig(config map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		// Configs are decoded JSON; marshal cannot fail for them. Fall
		// back to a shallow copy rather than panic.
		out := make(map[string]interface{}, len(config))
		for k, v := range config {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
