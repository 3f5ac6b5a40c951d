// Package executor is the DAG runtime: it schedules a validated workflow's
// nodes in dependency order with controlled parallelism, dispatches each
// node to its type handler, gates side-effecting nodes behind human
// confirmation, and surfaces every step as a run event.
package executor

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an execution failure, aligned with the flat error
// taxonomy surfaced to clients.
type ErrorCode string

// Execution error codes.
const (
	CodeNodeExecutionError  ErrorCode = "NodeExecutionError"
	CodeUpstreamFailed      ErrorCode = "UpstreamFailed"
	CodeConfirmationDenied  ErrorCode = "ConfirmationDenied"
	CodeConfirmationTimeout ErrorCode = "ConfirmationTimeout"
	CodeCancelled           ErrorCode = "Cancelled"
	CodeUnknownNodeType     ErrorCode = "UnknownNodeType"
	CodeStepLimitExceeded   ErrorCode = "StepLimitExceeded"
	CodeHTTPUnavailable     ErrorCode = "HTTPUnavailable"
	CodeLLMUnavailable      ErrorCode = "LLMUnavailable"
)

// NodeError is a typed failure of one node execution.
type NodeError struct {
	// Code classifies the failure for policy decisions and client display.
	Code ErrorCode

	// NodeID names the failing node.
	NodeID string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/As chains.
func (e *NodeError) Unwrap() error { return e.Cause }

// nodeErr builds a NodeError.
func nodeErr(code ErrorCode, nodeID, message string, cause error) *NodeError {
	return &NodeError{Code: code, NodeID: nodeID, Message: message, Cause: cause}
}

// CodeOf extracts the error code from any error, defaulting to
// NodeExecutionError for untyped failures.
func CodeOf(err error) ErrorCode {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Code
	}
	return CodeNodeExecutionError
}

// ErrRunNotStartable indicates the created → running CAS was lost: another
// executor already claimed the run, or the run is terminal.
var ErrRunNotStartable = errors.New("run is not startable")
