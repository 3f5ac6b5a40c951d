package runlog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a run or event cursor does not exist.
var ErrNotFound = errors.New("not found")

// RunRepository persists runs and guards status transitions.
type RunRepository interface {
	// CreateRun stores a new run in status created.
	CreateRun(ctx context.Context, run Run) error

	// FindRun returns the run by id, or ErrNotFound.
	FindRun(ctx context.Context, runID string) (Run, error)

	// UpdateStatusIfCurrent transitions the run's status only if the
	// stored status equals expected AND the transition is an FSM edge.
	// Returns whether the swap occurred. All status writers use this
	// primitive; there is no unconditional update.
	UpdateStatusIfCurrent(ctx context.Context, runID string, expected, next RunStatus) (bool, error)

	// SetSummary records the terminal output or error description.
	SetSummary(ctx context.Context, runID, summary string) error

	// ListRunsByWorkflow returns runs of a workflow, newest first.
	ListRunsByWorkflow(ctx context.Context, workflowID string) ([]Run, error)
}

// RunEventRepository persists the append-only event log.
//
// Append assigns the next monotonic sequence within the run and persists
// atomically; assignment and persistence are serialized per run (a per-run
// write lock in memory implementations, a transaction plus the
// (run_id, sequence) uniqueness constraint in SQL implementations).
type RunEventRepository interface {
	// Append stores the event with the next sequence number and returns
	// the stored event. The caller's Sequence field is ignored.
	Append(ctx context.Context, e Event) (Event, error)

	// ListAfter returns all events of the run with sequence greater than
	// the cursor, in sequence order.
	ListAfter(ctx context.Context, runID string, after int64) ([]Event, error)
}
