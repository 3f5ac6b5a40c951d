package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/workflow"
)

// MySQLStore is the MySQL implementation of every repository port, for
// server deployments where SQLite's single-writer model is not enough.
//
// Run-event appends run in a transaction that locks the run's tail row
// (MAX(sequence) ... FOR UPDATE), serializing sequence assignment across
// connections; the (run_id, sequence) primary key backstops the invariant.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects using a go-sql-driver DSN, for example
// "user:pass@tcp(localhost:3306)/planweave?parseTime=true". parseTime=true
// is required for timestamp scanning.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id         VARCHAR(64) PRIMARY KEY,
			name       VARCHAR(255) NOT NULL,
			rules_text TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id            VARCHAR(64) PRIMARY KEY,
			project_id    VARCHAR(64) NOT NULL DEFAULT '',
			name          VARCHAR(255) NOT NULL,
			status        VARCHAR(16) NOT NULL,
			document_json JSON NOT NULL,
			created_at    DATETIME(6) NOT NULL,
			updated_at    DATETIME(6) NOT NULL,
			INDEX idx_workflows_project (project_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id          VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			project_id  VARCHAR(64) NOT NULL DEFAULT '',
			status      VARCHAR(16) NOT NULL,
			started_at  DATETIME(6) NULL,
			finished_at DATETIME(6) NULL,
			summary     TEXT NOT NULL,
			INDEX idx_runs_workflow (workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id       VARCHAR(64) NOT NULL,
			sequence     BIGINT NOT NULL,
			timestamp    DATETIME(6) NOT NULL,
			channel      VARCHAR(16) NOT NULL,
			kind         VARCHAR(32) NOT NULL,
			node_id      VARCHAR(128) NOT NULL DEFAULT '',
			payload_json JSON NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateProject implements ProjectRepository.
func (s *MySQLStore) CreateProject(ctx context.Context, p Project) error {
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
func (s *MySQLStore) FindProject(ctx context.Context, id string) (Project, error) {
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
func (s *MySQLStore) DeleteProject(ctx context.Context, id string) error {
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

// SaveWorkflow implements WorkflowRepository (upsert).
func (s *MySQLStore) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
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
ON DUPLICATE KEY UPDATE
	project_id = VALUES(project_id),
	name = VALUES(name),
	status = VALUES(status),
	document_json = VALUES(document_json),
	updated_at = VALUES(updated_at)`,
		w.ID, w.ProjectID, w.Name, string(w.Status), string(doc), created, now)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// FindWorkflow implements WorkflowRepository with scope enforcement.
func (s *MySQLStore) FindWorkflow(ctx context.Context, id, projectScope string) (*workflow.Workflow, error) {
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
func (s *MySQLStore) ListWorkflows(ctx context.Context, projectScope string) ([]*workflow.Workflow, error) {
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
func (s *MySQLStore) DeleteWorkflow(ctx context.Context, id string) error {
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
func (s *MySQLStore) CreateRun(ctx context.Context, run runlog.Run) error {
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
func (s *MySQLStore) FindRun(ctx context.Context, runID string) (runlog.Run, error) {
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

// UpdateStatusIfCurrent implements runlog.RunRepository via conditional
// UPDATE; exactly one concurrent caller observes RowsAffected == 1.
func (s *MySQLStore) UpdateStatusIfCurrent(ctx context.Context, runID string, expected, next runlog.RunStatus) (bool, error) {
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
func (s *MySQLStore) SetSummary(ctx context.Context, runID, summary string) error {
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
func (s *MySQLStore) ListRunsByWorkflow(ctx context.Context, workflowID string) ([]runlog.Run, error) {
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

// Append implements runlog.RunEventRepository. The FOR UPDATE read locks
// the run's tail, serializing sequence assignment across connections.
func (s *MySQLStore) Append(ctx context.Context, e runlog.Event) (runlog.Event, error) {
	if err := runlog.ValidatePayload(e); err != nil {
		return runlog.Event{}, err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return runlog.Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if payload == nil || string(payload) == "null" {
		payload = []byte("{}")
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
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ? FOR UPDATE`, e.RunID).
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
func (s *MySQLStore) ListAfter(ctx context.Context, runID string, after int64) ([]runlog.Event, error) {
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
