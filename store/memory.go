package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/workflow"
)

// MemStore is the in-memory implementation of every repository port.
//
// It backs tests and single-process development setups. Thread-safe; data is
// lost when the process exits. Run-event sequence assignment is serialized
// by the store lock, satisfying the per-run append contract.
type MemStore struct {
	mu        sync.RWMutex
	projects  map[string]Project
	workflows map[string]*workflow.Workflow
	runs      map[string]runlog.Run
	events    map[string][]runlog.Event
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		projects:  make(map[string]Project),
		workflows: make(map[string]*workflow.Workflow),
		runs:      make(map[string]runlog.Run),
		events:    make(map[string][]runlog.Event),
	}
}

// CreateProject implements ProjectRepository.
func (m *MemStore) CreateProject(_ context.Context, p Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.projects[p.ID] = p
	return nil
}

// FindProject implements ProjectRepository.
func (m *MemStore) FindProject(_ context.Context, id string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

// DeleteProject implements ProjectRepository. Workflows of the project are
// cascaded.
func (m *MemStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	for wid, w := range m.workflows {
		if w.ProjectID == id {
			delete(m.workflows, wid)
		}
	}
	return nil
}

// SaveWorkflow implements WorkflowRepository.
func (m *MemStore) SaveWorkflow(_ context.Context, w *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := w.Clone()
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.workflows[clone.ID] = clone
	return nil
}

// FindWorkflow implements WorkflowRepository.
func (m *MemStore) FindWorkflow(_ context.Context, id, projectScope string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if projectScope != "" && w.ProjectID != projectScope {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// ListWorkflows implements WorkflowRepository.
func (m *MemStore) ListWorkflows(_ context.Context, projectScope string) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range m.workflows {
		if projectScope != "" && w.ProjectID != projectScope {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWorkflow implements WorkflowRepository.
func (m *MemStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	return nil
}

// CreateRun implements runlog.RunRepository.
func (m *MemStore) CreateRun(_ context.Context, run runlog.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.Status == "" {
		run.Status = runlog.RunCreated
	}
	m.runs[run.ID] = run
	return nil
}

// FindRun implements runlog.RunRepository.
func (m *MemStore) FindRun(_ context.Context, runID string) (runlog.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return runlog.Run{}, runlog.ErrNotFound
	}
	return run, nil
}

// UpdateStatusIfCurrent implements runlog.RunRepository. The swap succeeds
// only when the stored status matches expected and the transition is an FSM
// edge; the store lock makes the check-and-set atomic, so exactly one of
// any set of concurrent callers wins.
func (m *MemStore) UpdateStatusIfCurrent(_ context.Context, runID string, expected, next runlog.RunStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, runlog.ErrNotFound
	}
	if run.Status != expected || !runlog.CanTransition(expected, next) {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = next
	if next == runlog.RunRunning {
		run.StartedAt = &now
	}
	if next.Terminal() {
		run.FinishedAt = &now
	}
	m.runs[runID] = run
	return true, nil
}

// SetSummary implements runlog.RunRepository.
func (m *MemStore) SetSummary(_ context.Context, runID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return runlog.ErrNotFound
	}
	run.Summary = summary
	m.runs[runID] = run
	return nil
}

// ListRunsByWorkflow implements runlog.RunRepository.
func (m *MemStore) ListRunsByWorkflow(_ context.Context, workflowID string) ([]runlog.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []runlog.Run
	for _, run := range m.runs {
		if run.WorkflowID == workflowID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].StartedAt, out[j].StartedAt
		switch {
		case si == nil && sj == nil:
			return out[i].ID > out[j].ID
		case si == nil:
			return true
		case sj == nil:
			return false
		default:
			return si.After(*sj)
		}
	})
	return out, nil
}

// Append implements runlog.RunEventRepository. Sequence assignment and
// persistence happen under one lock, so sequences are gapless and strictly
// increasing per run.
func (m *MemStore) Append(_ context.Context, e runlog.Event) (runlog.Event, error) {
	if err := runlog.ValidatePayload(e); err != nil {
		return runlog.Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Sequence = int64(len(m.events[e.RunID]) + 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.events[e.RunID] = append(m.events[e.RunID], e)
	return e, nil
}

// ListAfter implements runlog.RunEventRepository.
func (m *MemStore) ListAfter(_ context.Context, runID string, after int64) ([]runlog.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	var out []runlog.Event
	for _, e := range events {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out, nil
}
