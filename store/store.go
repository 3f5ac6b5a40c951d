// Package store provides persistence for projects, workflows, runs, and run
// events. Implementations: in-memory (testing/development), SQLite, MySQL,
// and a Redis-backed run-event log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/planweave/planweave/workflow"
)

// ErrNotFound is returned when a requested record does not exist — or when
// it exists outside the caller's project scope, which callers cannot
// distinguish by design.
var ErrNotFound = errors.New("not found")

// Project owns workflows and the rules text the planner folds into its
// system prompt.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RulesText string    `json:"rules_text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectRepository persists projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, p Project) error
	FindProject(ctx context.Context, id string) (Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// WorkflowRepository persists workflow documents.
//
// Scope rule: methods taking a projectScope never return a record whose
// project id differs from a non-empty scope; the mismatch surfaces as
// ErrNotFound, identical to absence. An empty scope bypasses the check and
// is reserved for internal callers.
type WorkflowRepository interface {
	SaveWorkflow(ctx context.Context, w *workflow.Workflow) error
	FindWorkflow(ctx context.Context, id, projectScope string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, projectScope string) ([]*workflow.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}
