// Package workflow provides the canonical graph model: nodes, edges, the
// closed node-type registry, patch application, and whole-document validation.
package workflow

import "strings"

// NodeType is a canonical node-type tag.
//
// The registry of types is closed: adding a type is a code change, never a
// runtime escalation. Historical names are mapped to canonicals via the alias
// table at ingestion time (see Canonicalize).
type NodeType string

// Canonical node types.
const (
	TypeStart       NodeType = "start"
	TypeEnd         NodeType = "end"
	TypeLLM         NodeType = "llm"
	TypeKnowledge   NodeType = "knowledge"
	TypeHTTP        NodeType = "http"
	TypeFile        NodeType = "file"
	TypeHuman       NodeType = "human"
	TypeConditional NodeType = "conditional"
	TypeLoop        NodeType = "loop"
	TypeParallel    NodeType = "parallel"
	TypeTransform   NodeType = "transform"
)

// Extended node types.
const (
	TypeCode         NodeType = "code"
	TypeContainer    NodeType = "container"
	TypeDatabase     NodeType = "database"
	TypeNotification NodeType = "notification"
	TypeAudio        NodeType = "audio"
	TypeSubflow      NodeType = "subflow"
)

// FieldType identifies the JSON shape of a config or output field.
type FieldType string

// Field types used by input and output schemas.
const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldInt    FieldType = "integer"
	FieldBool   FieldType = "boolean"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
	FieldAny    FieldType = "any"
)

// FieldSpec describes a single config field of a node type.
type FieldSpec struct {
	// Required marks fields that must be present in the node config.
	Required bool

	// Type is the expected JSON shape of the field value.
	Type FieldType

	// Default is applied when the field is absent and not required.
	// Nil means no default.
	Default interface{}
}

// TypeSpec declares the contract of one node type: its input schema,
// its output schema, and whether executing it produces an externally
// visible action that must pass the side-effect gate.
type TypeSpec struct {
	// Input maps config field names to their specifications.
	Input map[string]FieldSpec

	// Output maps output field names to their types.
	Output map[string]FieldType

	// SideEffecting marks types that always require confirmation before
	// dispatch. Types whose effect depends on configuration (http, file,
	// database, code) are resolved per node via IsSideEffecting.
	SideEffecting bool
}

// registry is the closed set of node types the validator and planner accept.
var registry = map[NodeType]TypeSpec{
	TypeStart: {
		Input:  map[string]FieldSpec{},
		Output: map[string]FieldType{"payload": FieldAny},
	},
	TypeEnd: {
		Input:  map[string]FieldSpec{},
		Output: map[string]FieldType{"result": FieldAny},
	},
	TypeLLM: {
		Input: map[string]FieldSpec{
			"model":       {Required: true, Type: FieldString},
			"prompt":      {Required: true, Type: FieldString},
			"system":      {Type: FieldString},
			"temperature": {Type: FieldNumber, Default: 0.7},
			"max_tokens":  {Type: FieldInt, Default: float64(1024)},
			"stream":      {Type: FieldBool, Default: true},
		},
		Output: map[string]FieldType{"text": FieldString, "structured": FieldObject},
	},
	TypeKnowledge: {
		Input: map[string]FieldSpec{
			"query": {Required: true, Type: FieldString},
			"scope": {Type: FieldString},
			"top_k": {Type: FieldInt, Default: float64(5)},
		},
		Output: map[string]FieldType{"results": FieldArray},
	},
	TypeHTTP: {
		Input: map[string]FieldSpec{
			"method":          {Type: FieldString, Default: "GET"},
			"url":             {Required: true, Type: FieldString},
			"headers":         {Type: FieldObject},
			"body":            {Type: FieldString},
			"timeout_seconds": {Type: FieldInt, Default: float64(30)},
		},
		Output: map[string]FieldType{"status_code": FieldInt, "headers": FieldObject, "body": FieldString},
	},
	TypeFile: {
		Input: map[string]FieldSpec{
			"path":    {Required: true, Type: FieldString},
			"mode":    {Type: FieldString, Default: "read"},
			"content": {Type: FieldString},
		},
		Output: map[string]FieldType{"content": FieldString, "bytes_written": FieldInt},
	},
	TypeHuman: {
		Input: map[string]FieldSpec{
			"prompt":  {Required: true, Type: FieldString},
			"choices": {Type: FieldArray},
		},
		Output: map[string]FieldType{"response": FieldString},
	},
	TypeConditional: {
		Input: map[string]FieldSpec{
			"expression": {Required: true, Type: FieldString},
		},
		Output: map[string]FieldType{"result": FieldBool, "selected_edge": FieldString},
	},
	TypeLoop: {
		Input: map[string]FieldSpec{
			"body":           {Required: true, Type: FieldObject},
			"max_iterations": {Type: FieldInt, Default: float64(10)},
			"until":          {Type: FieldString},
		},
		Output: map[string]FieldType{"iterations": FieldInt, "last": FieldAny},
	},
	TypeParallel: {
		Input: map[string]FieldSpec{
			"children": {Required: true, Type: FieldArray},
		},
		Output: map[string]FieldType{"payload": FieldAny},
	},
	TypeTransform: {
		Input: map[string]FieldSpec{
			"operation": {Type: FieldString, Default: "pick"},
			"fields":    {Type: FieldArray},
			"mapping":   {Type: FieldObject},
			"template":  {Type: FieldString},
			"separator": {Type: FieldString, Default: "\n"},
		},
		Output: map[string]FieldType{"result": FieldAny},
	},
	TypeCode: {
		Input: map[string]FieldSpec{
			"language":        {Type: FieldString, Default: "python"},
			"source":          {Required: true, Type: FieldString},
			"sandbox":         {Type: FieldBool, Default: true},
			"timeout_seconds": {Type: FieldInt, Default: float64(60)},
		},
		Output: map[string]FieldType{"stdout": FieldString, "stderr": FieldString, "exit_code": FieldInt},
	},
	TypeContainer: {
		Input: map[string]FieldSpec{
			"image":   {Required: true, Type: FieldString},
			"command": {Type: FieldArray},
			"env":     {Type: FieldObject},
		},
		Output: map[string]FieldType{"stdout": FieldString, "exit_code": FieldInt},
	},
	TypeDatabase: {
		Input: map[string]FieldSpec{
			"driver":    {Type: FieldString, Default: "sqlite"},
			"dsn":       {Type: FieldString},
			"operation": {Type: FieldString, Default: "query"},
			"statement": {Required: true, Type: FieldString},
			"args":      {Type: FieldArray},
		},
		Output: map[string]FieldType{"rows": FieldArray, "rows_affected": FieldInt},
	},
	TypeNotification: {
		Input: map[string]FieldSpec{
			"channel": {Type: FieldString, Default: "log"},
			"target":  {Type: FieldString},
			"message": {Required: true, Type: FieldString},
		},
		Output:        map[string]FieldType{"delivered": FieldBool},
		SideEffecting: true,
	},
	TypeAudio: {
		Input: map[string]FieldSpec{
			"operation": {Type: FieldString, Default: "transcribe"},
			"source":    {Required: true, Type: FieldString},
			"language":  {Type: FieldString},
		},
		Output: map[string]FieldType{"text": FieldString},
	},
	TypeSubflow: {
		Input: map[string]FieldSpec{
			"workflow_id": {Required: true, Type: FieldString},
			"input":       {Type: FieldObject},
		},
		Output: map[string]FieldType{"result": FieldAny},
	},
}

// commonInput holds config fields every node type accepts in addition to
// its own schema: the per-node failure policy consumed by the executor.
var commonInput = map[string]FieldSpec{
	"on_error":         {Type: FieldString},
	"retry_attempts":   {Type: FieldInt},
	"retry_backoff_ms": {Type: FieldInt},
}

// aliases maps deprecated or historical type names to canonicals.
// The alias table is consulted at ingestion (deserialization, planner output)
// and at the public validate boundary; stored nodes bear only canonical tags.
var aliases = map[string]NodeType{
	"input":             TypeStart,
	"trigger":           TypeStart,
	"output":            TypeEnd,
	"finish":            TypeEnd,
	"llm_call":          TypeLLM,
	"agent":             TypeLLM,
	"chat":              TypeLLM,
	"kb":                TypeKnowledge,
	"retrieval":         TypeKnowledge,
	"rag":               TypeKnowledge,
	"web_request":       TypeHTTP,
	"api":               TypeHTTP,
	"rest":              TypeHTTP,
	"read_file":         TypeFile,
	"write_file":        TypeFile,
	"human_in_the_loop": TypeHuman,
	"approval":          TypeHuman,
	"branch":            TypeConditional,
	"if":                TypeConditional,
	"switch":            TypeConditional,
	"for_each":          TypeLoop,
	"while":             TypeLoop,
	"fan_out":           TypeParallel,
	"fork":              TypeParallel,
	"map":               TypeTransform,
	"mapper":            TypeTransform,
	"script":            TypeCode,
	"python":            TypeCode,
	"docker":            TypeContainer,
	"db":                TypeDatabase,
	"sql":               TypeDatabase,
	"notify":            TypeNotification,
	"email":             TypeNotification,
	"webhook_out":       TypeNotification,
	"speech":            TypeAudio,
	"transcribe":        TypeAudio,
	"sub_workflow":      TypeSubflow,
	"nested":            TypeSubflow,
}

// Canonicalize resolves a raw type tag to its canonical form.
//
// Resolution order: exact canonical match, then the alias table. Matching is
// case-insensitive and tolerant of surrounding whitespace. The second return
// value reports whether the tag was a deprecated alias; callers record it for
// observability but store only the canonical tag.
//
// Canonicalization is idempotent: Canonicalize of a canonical tag returns the
// tag unchanged with deprecated=false.
func Canonicalize(tag string) (canonical NodeType, deprecated bool, err error) {
	normalized := strings.ToLower(strings.TrimSpace(tag))

	if _, ok := registry[NodeType(normalized)]; ok {
		return NodeType(normalized), false, nil
	}
	if canonical, ok := aliases[normalized]; ok {
		return canonical, true, nil
	}
	return "", false, &ValidationError{Violations: []Violation{{
		Code:    CodeUnknownNodeType,
		Message: "unknown node type: " + tag,
	}}}
}

// Spec returns the TypeSpec for a canonical type tag.
func Spec(t NodeType) (TypeSpec, bool) {
	spec, ok := registry[t]
	return spec, ok
}

// Types returns all canonical type tags in stable order.
func Types() []NodeType {
	out := make([]NodeType, 0, len(registry))
	for _, t := range []NodeType{
		TypeStart, TypeEnd, TypeLLM, TypeKnowledge, TypeHTTP, TypeFile,
		TypeHuman, TypeConditional, TypeLoop, TypeParallel, TypeTransform,
		TypeCode, TypeContainer, TypeDatabase, TypeNotification, TypeAudio,
		TypeSubflow,
	} {
		out = append(out, t)
	}
	return out
}

// IsSideEffecting reports whether executing the node produces an externally
// visible action that must pass the side-effect confirmation gate.
//
// Config-dependent rules:
//   - http: write methods (anything other than GET and HEAD)
//   - file: mode "write"
//   - database: operation "exec"
//   - code: sandbox disabled
//
// notification is always side-effecting.
func IsSideEffecting(n Node) bool {
	spec, ok := registry[n.Type]
	if !ok {
		return false
	}
	if spec.SideEffecting {
		return true
	}

	switch n.Type {
	case TypeHTTP:
		method := strings.ToUpper(stringConfig(n, "method", "GET"))
		return method != "GET" && method != "HEAD"
	case TypeFile:
		return strings.ToLower(stringConfig(n, "mode", "read")) == "write"
	case TypeDatabase:
		return strings.ToLower(stringConfig(n, "operation", "query")) == "exec"
	case TypeCode:
		if v, ok := n.Config["sandbox"]; ok {
			if sandbox, ok := v.(bool); ok {
				return !sandbox
			}
		}
		return false
	default:
		return false
	}
}

// stringConfig reads a string config field with a fallback default.
func stringConfig(n Node, key, fallback string) string {
	if v, ok := n.Config[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
