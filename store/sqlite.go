package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/workflow"
)

// SQLiteStore is a single-file SQLite implementation of every repository
// port. Zero-setup persistence for development and single-process
// deployments; migrate to MySQL for server installs.
//
// The connection pool is capped at one writer, which together with
// transactional appends serializes run-event sequence assignment. The
// (run_id, sequence) uniqueness constraint backstops the invariant at the
// database level.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite database at path. Use
// ":memory:" for ephemeral test databases.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY churn and serializes appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	rules_text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	document_json TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflows(project_id);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	project_id  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP,
	summary     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id);

CREATE TABLE IF NOT EXISTS run_events (
	run_id       TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	timestamp    TIMESTAMP NOT NULL,
	channel      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	node_id      TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, sequence)
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateProject implements ProjectRepository.
func (s *SQLiteStore) CreateProject(ctx context.Context, p Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, rules_text, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.RulesText, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// FindProject implements ProjectRepository.
func (s *SQLiteStore) FindProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, rules_text, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.RulesText, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to query project: %w", err)
	}
	return p, nil
}

// DeleteProject implements ProjectRepository; workflows cascade.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("failed to cascade workflows: %w", err)
	}
	return tx.Commit()
}

// SaveWorkflow implements WorkflowRepository (insert-or-replace).
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	doc, err := json.Marshal(w.Document())
	if err != nil {
		return fmt.Errorf("failed to marshal workflow document: %w", err)
	}
	now := time.Now().UTC()
	created := w.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflows (id, project_id, name, status, document_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	project_id = excluded.project_id,
	name = excluded.name,
	status = excluded.status,
	document_json = excluded.document_json,
	updated_at = excluded.updated_at`,
		w.ID, w.ProjectID, w.Name, string(w.Status), string(doc), created, now)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// FindWorkflow implements WorkflowRepository with scope enforcement.
func (s *SQLiteStore) FindWorkflow(ctx context.Context, id, projectScope string) (*workflow.Workflow, error) {
	var (
		projectID, name, status, docJSON string
		createdAt, updatedAt             time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, name, status, document_json, created_at, updated_at FROM workflows WHERE id = ?`, id).
		Scan(&projectID, &name, &status, &docJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}
	if projectScope != "" && projectID != projectScope {
		return nil, ErrNotFound
	}

	doc, err := workflow.ParseDocument([]byte(docJSON))
	if err != nil {
		return nil, err
	}
	w, _, err := workflow.FromDocument(id, name, projectID, doc)
	if err != nil {
		return nil, err
	}
	w.Status = workflow.Status(status)
	w.CreatedAt = createdAt
	w.UpdatedAt = updatedAt
	return w, nil
}

// ListWorkflows implements WorkflowRepository.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, projectScope string) ([]*workflow.Workflow, error) {
	query := `SELECT id FROM workflows ORDER BY id`
	args := []interface{}{}
	if projectScope != "" {
		query = `SELECT id FROM workflows WHERE project_id = ? ORDER BY id`
		args = append(args, projectScope)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*workflow.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.FindWorkflow(ctx, id, projectScope)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// DeleteWorkflow implements WorkflowRepository.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun implements runlog.RunRepository.
func (s *SQLiteStore) CreateRun(ctx context.Context, run runlog.Run) error {
	if run.Status == "" {
		run.Status = runlog.RunCreated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, project_id, status, started_at, finished_at, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.ProjectID, string(run.Status), run.StartedAt, run.FinishedAt, run.Summary)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FindRun implements runlog.RunRepository.
func (s *SQLiteStore) FindRun(ctx context.Context, runID string) (runlog.Run, error) {
	var (
		run        runlog.Run
		status     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, project_id, status, started_at, finished_at, summary FROM runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.WorkflowID, &run.ProjectID, &status, &startedAt, &finishedAt, &run.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return runlog.Run{}, runlog.ErrNotFound
	}
	if err != nil {
		return runlog.Run{}, fmt.Errorf("failed to query run: %w", err)
	}
	run.Status = runlog.RunStatus(status)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// UpdateStatusIfCurrent implements runlog.RunRepository. The conditional
// UPDATE makes the compare-and-swap atomic at the database level: exactly
// one of any set of concurrent callers observes RowsAffected == 1.
func (s *SQLiteStore) UpdateStatusIfCurrent(ctx context.Context, runID string, expected, next runlog.RunStatus) (bool, error) {
	if !runlog.CanTransition(expected, next) {
		return false, nil
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case next == runlog.RunRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(next), now, runID, string(expected))
	case next.Terminal():
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
			string(next), now, runID, string(expected))
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
			string(next), runID, string(expected))
	}
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSummary implements runlog.RunRepository.
func (s *SQLiteStore) SetSummary(ctx context.Context, runID, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET summary = ? WHERE id = ?`, summary, runID)
	if err != nil {
		return fmt.Errorf("failed to set run summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return runlog.ErrNotFound
	}
	return nil
}

// ListRunsByWorkflow implements runlog.RunRepository.
func (s *SQLiteStore) ListRunsByWorkflow(ctx context.Context, workflowID string) ([]runlog.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, project_id, status, started_at, finished_at, summary
		 FROM runs WHERE workflow_id = ? ORDER BY started_at DESC, id DESC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runlog.Run
	for rows.Next() {
		var (
			run        runlog.Run
			status     string
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.ProjectID, &status, &startedAt, &finishedAt, &run.Summary); err != nil {
			return nil, err
		}
		run.Status = runlog.RunStatus(status)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Append implements runlog.RunEventRepository. The transaction computes the
// next sequence and inserts in one unit; the single-connection pool
// serializes concurrent appenders and the primary key rejects any race the
// serialization misses.
func (s *SQLiteStore) Append(ctx context.Context, e runlog.Event) (runlog.Event, error) {
	if err := runlog.ValidatePayload(e); err != nil {
		return runlog.Event{}, err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return runlog.Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runlog.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, e.RunID).
		Scan(&next); err != nil {
		return runlog.Event{}, fmt.Errorf("failed to compute next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, timestamp, channel, kind, node_id, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, next, e.Timestamp, string(e.Channel), string(e.Kind), e.NodeID, string(payload)); err != nil {
		return runlog.Event{}, fmt.Errorf("failed to insert run event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return runlog.Event{}, err
	}

	e.Sequence = next
	return e, nil
}

// ListAfter implements runlog.RunEventRepository.
func (s *SQLiteStore) ListAfter(ctx context.Context, runID string, after int64) ([]runlog.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, timestamp, channel, kind, node_id, payload_json
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runlog.Event
	for rows.Next() {
		e := runlog.Event{RunID: runID}
		var channel, kind, payload string
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &channel, &kind, &e.NodeID, &payload); err != nil {
			return nil, err
		}
		e.Channel = runlog.Channel(channel)
		e.Kind = runlog.Kind(kind)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
