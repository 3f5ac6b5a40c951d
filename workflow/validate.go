package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks the whole workflow against the model invariants:
// unique node ids, no dangling edge endpoints, acyclicity, and canonical
// node types with schema-conformant configs.
//
// Type tags are canonicalized at this boundary as well, so a document whose
// nodes carry aliases validates (the caller's copy is not mutated); unknown
// types fail with UnknownNodeType.
//
// All violations are collected into a single ValidationError; a nil return
// means the workflow satisfies every invariant.
func Validate(w *Workflow) error {
	var violations []Violation

	// Node id uniqueness.
	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			violations = append(violations, Violation{
				Code:    CodeSchemaViolation,
				Message: "node id cannot be empty",
			})
			continue
		}
		if seen[n.ID] {
			violations = append(violations, Violation{
				Code:    CodeDuplicateNode,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
				NodeID:  n.ID,
			})
		}
		seen[n.ID] = true
	}

	// Per-node type canonicality and config schema.
	for _, n := range w.Nodes {
		violations = append(violations, ValidateNode(n)...)
	}

	// Edge endpoints must exist.
	for _, e := range w.Edges {
		if !seen[e.Source] {
			violations = append(violations, Violation{
				Code:    CodeEdgeDangling,
				Message: fmt.Sprintf("edge %s->%s references unknown source %q", e.Source, e.Target, e.Source),
			})
		}
		if !seen[e.Target] {
			violations = append(violations, Violation{
				Code:    CodeEdgeDangling,
				Message: fmt.Sprintf("edge %s->%s references unknown target %q", e.Source, e.Target, e.Target),
			})
		}
	}

	// Acyclicity, with one cycle reported as evidence. Skipped when edges
	// dangle: the cycle check requires a well-formed edge set.
	if !hasViolation(violations, CodeEdgeDangling) {
		if cycle := findCycle(w); len(cycle) > 0 {
			violations = append(violations, Violation{
				Code:    CodeAcyclicityViolation,
				Message: "cycle detected: " + strings.Join(cycle, " -> "),
			})
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// ValidateNode checks a single node against its type's input schema.
// The node's type tag may be a canonical or an alias; unknown tags yield
// UnknownNodeType.
func ValidateNode(n Node) []Violation {
	canonical, _, err := Canonicalize(string(n.Type))
	if err != nil {
		return []Violation{{
			Code:    CodeUnknownNodeType,
			Message: fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type),
			NodeID:  n.ID,
		}}
	}

	spec := registry[canonical]
	var violations []Violation

	// Required fields.
	for field, fs := range spec.Input {
		value, present := n.Config[field]
		if !present {
			if fs.Required {
				violations = append(violations, Violation{
					Code:    CodeSchemaViolation,
					Message: fmt.Sprintf("node %q missing required field %q", n.ID, field),
					NodeID:  n.ID,
					Field:   field,
				})
			}
			continue
		}
		if !matchesFieldType(value, fs.Type) {
			violations = append(violations, Violation{
				Code:    CodeSchemaViolation,
				Message: fmt.Sprintf("node %q field %q: expected %s", n.ID, field, fs.Type),
				NodeID:  n.ID,
				Field:   field,
			})
		}
	}

	// Common failure-policy fields are accepted on every type.
	for field, fs := range commonInput {
		value, present := n.Config[field]
		if !present {
			continue
		}
		if !matchesFieldType(value, fs.Type) {
			violations = append(violations, Violation{
				Code:    CodeSchemaViolation,
				Message: fmt.Sprintf("node %q field %q: expected %s", n.ID, field, fs.Type),
				NodeID:  n.ID,
				Field:   field,
			})
		}
	}

	// Unknown fields are schema violations: the registry is closed and the
	// planner must not invent config keys.
	unknown := make([]string, 0)
	for field := range n.Config {
		if _, ok := spec.Input[field]; !ok {
			if _, ok := commonInput[field]; !ok {
				unknown = append(unknown, field)
			}
		}
	}
	sort.Strings(unknown)
	for _, field := range unknown {
		violations = append(violations, Violation{
			Code:    CodeSchemaViolation,
			Message: fmt.Sprintf("node %q has unknown config field %q", n.ID, field),
			NodeID:  n.ID,
			Field:   field,
		})
	}

	return violations
}

// matchesFieldType reports whether a decoded JSON value conforms to the
// declared field type. JSON numbers decode as float64; integer fields accept
// whole-valued floats.
func matchesFieldType(value interface{}, t FieldType) bool {
	if value == nil {
		return t == FieldAny
	}
	switch t {
	case FieldAny:
		return true
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldBool:
		_, ok := value.(bool)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case FieldInt:
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case FieldObject:
		_, ok := value.(map[string]interface{})
		return ok
	case FieldArray:
		_, ok := value.([]interface{})
		return ok
	default:
		return false
	}
}

// findCycle runs a recursive DFS over the edge set and returns one cycle as
// evidence (node ids in traversal order, first node repeated at the end).
// Returns nil when the graph is acyclic.
func findCycle(w *Workflow) []string {
	adjacency := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(w.Nodes))
	parent := make(map[string]string)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		for _, next := range adjacency[id] {
			switch state[next] {
			case unvisited:
				parent[next] = id
				if visit(next) {
					return true
				}
			case inStack:
				// Reconstruct the cycle by walking parents back to next.
				path := []string{}
				for cur := id; cur != next; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, next)
				reverse(path)
				cycle = append(path, next)
				return true
			}
		}
		state[id] = done
		return false
	}

	// Deterministic starting order keeps cycle evidence stable across runs.
	ids := make([]string, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if state[id] == unvisited {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func hasViolation(violations []Violation, code ErrorCode) bool {
	for _, v := range violations {
		if v.Code == code {
			return true
		}
	}
	return false
}
