package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpKind identifies one patch operation.
type OpKind string

// Patch operation kinds.
const (
	OpAddNode    OpKind = "add_node"
	OpRemoveNode OpKind = "remove_node"
	OpUpdateNode OpKind = "update_node"
	OpAddEdge    OpKind = "add_edge"
	OpRemoveEdge OpKind = "remove_edge"
)

// Op is a single patch operation. Which fields are meaningful depends on
// Kind:
//
//	add_node:    Node
//	remove_node: NodeID
//	update_node: NodeID + Config (partial, merged key-by-key)
//	add_edge:    Edge
//	remove_edge: Source + Target
type Op struct {
	Kind   OpKind                 `json:"op"`
	Node   *Node                  `json:"node,omitempty"`
	NodeID string                 `json:"node_id,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
	Edge   *Edge                  `json:"edge,omitempty"`
	Source string                 `json:"source,omitempty"`
	Target string                 `json:"target,omitempty"`
}

// Patch is an ordered list of operations applied atomically to a workflow.
type Patch struct {
	Ops []Op `json:"ops"`
}

// ParsePatch decodes a patch from raw JSON.
func ParsePatch(raw []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return Patch{}, fmt.Errorf("failed to parse patch: %w", err)
	}
	return p, nil
}

// IsNoop reports whether the patch carries no operations.
func (p Patch) IsNoop() bool { return len(p.Ops) == 0 }

// MutatedNodeIDs returns the set of node ids the patch touches, including
// edge endpoints. The planner's isolation check compares this set against
// the reachable component.
func (p Patch) MutatedNodeIDs() []string {
	set := map[string]bool{}
	for _, op := range p.Ops {
		switch op.Kind {
		case OpAddNode:
			if op.Node != nil {
				set[op.Node.ID] = true
			}
		case OpRemoveNode, OpUpdateNode:
			set[op.NodeID] = true
		case OpAddEdge:
			if op.Edge != nil {
				set[op.Edge.Source] = true
				set[op.Edge.Target] = true
			}
		case OpRemoveEdge:
			set[op.Source] = true
			set[op.Target] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Apply applies the patch to a copy of the workflow and validates the
// result. On success the new workflow is returned and the receiver is
// untouched. On failure a ValidationError lists every violation — both
// structural problems with individual operations and invariant breaches of
// the resulting document — and no state changes.
func (w *Workflow) Apply(p Patch) (*Workflow, error) {
	next := w.Clone()
	var violations []Violation

	for i, op := range p.Ops {
		switch op.Kind {
		case OpAddNode:
			violations = append(violations, next.applyAddNode(i, op)...)
		case OpRemoveNode:
			violations = append(violations, next.applyRemoveNode(i, op)...)
		case OpUpdateNode:
			violations = append(violations, next.applyUpdateNode(i, op)...)
		case OpAddEdge:
			violations = append(violations, next.applyAddEdge(i, op)...)
		case OpRemoveEdge:
			violations = append(violations, next.applyRemoveEdge(i, op)...)
		default:
			violations = append(violations, Violation{
				Code:    CodeInvalidPatch,
				Message: fmt.Sprintf("op %d: unknown kind %q", i, op.Kind),
			})
		}
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	if err := Validate(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (w *Workflow) applyAddNode(i int, op Op) []Violation {
	if op.Node == nil || op.Node.ID == "" {
		return []Violation{{
			Code:    CodeInvalidPatch,
			Message: fmt.Sprintf("op %d: add_node requires a node with an id", i),
		}}
	}
	if _, exists := w.NodeByID(op.Node.ID); exists {
		return []Violation{{
			Code:    CodeDuplicateNode,
			Message: fmt.Sprintf("op %d: node %q already exists", i, op.Node.ID),
			NodeID:  op.Node.ID,
		}}
	}

	node := *op.Node
	canonical, _, err := Canonicalize(string(node.Type))
	if err != nil {
		return []Violation{{
			Code:    CodeUnknownNodeType,
			Message: fmt.Sprintf("op %d: node %q has unknown type %q", i, node.ID, node.Type),
			NodeID:  node.ID,
		}}
	}
	node.Type = canonical
	node.Config = applyDefaults(canonical, deepCopyConfig(node.Config))
	w.Nodes = append(w.Nodes, node)
	return nil
}

func (w *Workflow) applyRemoveNode(i int, op Op) []Violation {
	if op.NodeID == "" {
		return []Violation{{
			Code:    CodeInvalidPatch,
			Message: fmt.Sprintf("op %d: remove_node requires node_id", i),
		}}
	}
	idx := -1
	for j, n := range w.Nodes {
		if n.ID == op.NodeID {
			idx = j
			break
		}
	}
	if idx < 0 {
		return []Violation{{
			Code:    CodeUnknownNode,
			Message: fmt.Sprintf("op %d: node %q does not exist", i, op.NodeID),
			NodeID:  op.NodeID,
		}}
	}
	w.Nodes = append(w.Nodes[:idx], w.Nodes[idx+1:]...)

	// Removing a node removes its incident edges; dangling references are
	// never left behind for the validator to trip on.
	kept := w.Edges[:0]
	for _, e := range w.Edges {
		if e.Source != op.NodeID && e.Target != op.NodeID {
			kept = append(kept, e)
		}
	}
	w.Edges = kept
	return nil
}

func (w *Workflow) applyUpdateNode(i int, op Op) []Violation {
	if op.NodeID == "" {
		return []Violation{{
			Code:    CodeInvalidPatch,
			Message: fmt.Sprintf("op %d: update_node requires node_id", i),
		}}
	}
	for j, n := range w.Nodes {
		if n.ID != op.NodeID {
			continue
		}
		if n.Config == nil {
			w.Nodes[j].Config = map[string]interface{}{}
		}
		for k, v := range op.Config {
			if v == nil {
				delete(w.Nodes[j].Config, k)
				continue
			}
			w.Nodes[j].Config[k] = v
		}
		return nil
	}
	return []Violation{{
		Code:    CodeUnknownNode,
		Message: fmt.Sprintf("op %d: node %q does not exist", i, op.NodeID),
		NodeID:  op.NodeID,
	}}
}

func (w *Workflow) applyAddEdge(i int, op Op) []Violation {
	if op.Edge == nil || op.Edge.Source == "" || op.Edge.Target == "" {
		return []Violation{{
			Code:    CodeInvalidPatch,
			Message: fmt.Sprintf("op %d: add_edge requires an edge with source and target", i),
		}}
	}
	for _, e := range w.Edges {
		if e.Source == op.Edge.Source && e.Target == op.Edge.Target {
			return []Violation{{
				Code:    CodeDuplicateEdge,
				Message: fmt.Sprintf("op %d: edge %s->%s already exists", i, e.Source, e.Target),
			}}
		}
	}
	w.Edges = append(w.Edges, *op.Edge)
	return nil
}

func (w *Workflow) applyRemoveEdge(i int, op Op) []Violation {
	if op.Source == "" || op.Target == "" {
		return []Violation{{
			Code:    CodeInvalidPatch,
			Message: fmt.Sprintf("op %d: remove_edge requires source and target", i),
		}}
	}
	for j, e := range w.Edges {
		if e.Source == op.Source && e.Target == op.Target {
			w.Edges = append(w.Edges[:j], w.Edges[j+1:]...)
			return nil
		}
	}
	return []Violation{{
		Code:    CodeUnknownNode,
		Message: fmt.Sprintf("op %d: edge %s->%s does not exist", i, op.Source, op.Target),
	}}
}

// Summary renders a compact human-readable description of the patch, used
// by planning events to describe a generated diff.
func (p Patch) Summary() string {
	counts := map[OpKind]int{}
	for _, op := range p.Ops {
		counts[op.Kind]++
	}
	parts := make([]string, 0, len(counts))
	for _, kind := range []OpKind{OpAddNode, OpRemoveNode, OpUpdateNode, OpAddEdge, OpRemoveEdge} {
		if counts[kind] > 0 {
			parts = append(parts, fmt.Sprintf("%s x%d", kind, counts[kind]))
		}
	}
	if len(parts) == 0 {
		return "no-op"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
