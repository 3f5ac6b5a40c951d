package store

import (
	"context"
	"sync"
	"testing"

	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/workflow"
)

// repos bundles the ports a store implementation provides, letting the same
// contract tests run against every backend.
type repos interface {
	ProjectRepository
	WorkflowRepository
	runlog.RunRepository
	runlog.RunEventRepository
}

func testWorkflow(t *testing.T, id, projectID string) *workflow.Workflow {
	t.Helper()
	w, _, err := workflow.FromDocument(id, "wf "+id, projectID, workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	})
	if err != nil {
		t.Fatalf("fixture workflow: %v", err)
	}
	return w
}

// runStoreContract exercises the shared repository semantics.
func runStoreContract(t *testing.T, s repos) {
	ctx := context.Background()

	t.Run("project round trip and cascade", func(t *testing.T) {
		if err := s.CreateProject(ctx, Project{ID: "p1", Name: "Research", RulesText: "be thorough"}); err != nil {
			t.Fatalf("CreateProject: %v", err)
		}
		p, err := s.FindProject(ctx, "p1")
		if err != nil || p.Name != "Research" || p.RulesText != "be thorough" {
			t.Fatalf("FindProject = (%+v, %v)", p, err)
		}

		if err := s.SaveWorkflow(ctx, testWorkflow(t, "wf-cascade", "p1")); err != nil {
			t.Fatalf("SaveWorkflow: %v", err)
		}
		if err := s.DeleteProject(ctx, "p1"); err != nil {
			t.Fatalf("DeleteProject: %v", err)
		}
		if _, err := s.FindWorkflow(ctx, "wf-cascade", ""); err != ErrNotFound {
			t.Errorf("cascade did not delete workflow: %v", err)
		}
	})

	t.Run("workflow scope enforcement", func(t *testing.T) {
		if err := s.SaveWorkflow(ctx, testWorkflow(t, "wf-scoped", "proj-a")); err != nil {
			t.Fatalf("SaveWorkflow: %v", err)
		}

		if _, err := s.FindWorkflow(ctx, "wf-scoped", "proj-a"); err != nil {
			t.Errorf("matching scope rejected: %v", err)
		}
		if _, err := s.FindWorkflow(ctx, "wf-scoped", "proj-b"); err != ErrNotFound {
			t.Errorf("cross-project leak: %v", err)
		}
		if _, err := s.FindWorkflow(ctx, "wf-scoped", ""); err != nil {
			t.Errorf("empty scope should bypass: %v", err)
		}

		list, err := s.ListWorkflows(ctx, "proj-b")
		if err != nil {
			t.Fatalf("ListWorkflows: %v", err)
		}
		for _, w := range list {
			if w.ProjectID != "proj-b" {
				t.Errorf("leaked workflow %q into scope proj-b", w.ID)
			}
		}
	})

	t.Run("workflow document survives round trip", func(t *testing.T) {
		w := testWorkflow(t, "wf-rt", "")
		if err := s.SaveWorkflow(ctx, w); err != nil {
			t.Fatalf("SaveWorkflow: %v", err)
		}
		loaded, err := s.FindWorkflow(ctx, "wf-rt", "")
		if err != nil {
			t.Fatalf("FindWorkflow: %v", err)
		}
		if len(loaded.Nodes) != 2 || len(loaded.Edges) != 1 {
			t.Errorf("document shape changed: %d nodes, %d edges", len(loaded.Nodes), len(loaded.Edges))
		}
	})

	t.Run("run status CAS", func(t *testing.T) {
		if err := s.CreateRun(ctx, runlog.Run{ID: "r1", WorkflowID: "wf-rt", Status: runlog.RunCreated}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		ok, err := s.UpdateStatusIfCurrent(ctx, "r1", runlog.RunCreated, runlog.RunRunning)
		if err != nil || !ok {
			t.Fatalf("first CAS = (%v, %v)", ok, err)
		}
		// Second identical CAS must fail: status is no longer created.
		ok, err = s.UpdateStatusIfCurrent(ctx, "r1", runlog.RunCreated, runlog.RunRunning)
		if err != nil || ok {
			t.Fatalf("second CAS = (%v, %v)", ok, err)
		}

		ok, err = s.UpdateStatusIfCurrent(ctx, "r1", runlog.RunRunning, runlog.RunCompleted)
		if err != nil || !ok {
			t.Fatalf("terminal CAS = (%v, %v)", ok, err)
		}
		run, err := s.FindRun(ctx, "r1")
		if err != nil {
			t.Fatalf("FindRun: %v", err)
		}
		if run.Status != runlog.RunCompleted || run.StartedAt == nil || run.FinishedAt == nil {
			t.Errorf("run after terminal CAS = %+v", run)
		}

		// A stale worker cannot resurrect a terminal run.
		ok, err = s.UpdateStatusIfCurrent(ctx, "r1", runlog.RunCompleted, runlog.RunRunning)
		if err != nil || ok {
			t.Errorf("terminal run resurrected: (%v, %v)", ok, err)
		}
		// Nor does running → running pass.
		ok, err = s.UpdateStatusIfCurrent(ctx, "r1", runlog.RunRunning, runlog.RunRunning)
		if err != nil || ok {
			t.Errorf("running → running accepted: (%v, %v)", ok, err)
		}
	})

	t.Run("concurrent CAS has exactly one winner", func(t *testing.T) {
		if err := s.CreateRun(ctx, runlog.Run{ID: "r-race", WorkflowID: "wf-rt", Status: runlog.RunCreated}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		const workers = 8
		var wg sync.WaitGroup
		wins := make(chan bool, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.UpdateStatusIfCurrent(ctx, "r-race", runlog.RunCreated, runlog.RunRunning)
				if err != nil {
					t.Errorf("CAS error: %v", err)
					return
				}
				wins <- ok
			}()
		}
		wg.Wait()
		close(wins)

		winners := 0
		for ok := range wins {
			if ok {
				winners++
			}
		}
		if winners != 1 {
			t.Errorf("expected exactly one CAS winner, got %d", winners)
		}
	})

	t.Run("event append assigns gapless sequences", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			e, err := s.Append(ctx, runlog.Event{
				RunID:   "r-events",
				Channel: runlog.ChannelExecution,
				Kind:    runlog.KindNodeProgress,
				NodeID:  "n1",
				Payload: map[string]interface{}{"token": "t"},
			})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			if e.Sequence != int64(i+1) {
				t.Errorf("sequence = %d, want %d", e.Sequence, i+1)
			}
		}
	})

	t.Run("concurrent appends stay strictly increasing", func(t *testing.T) {
		const appenders = 4
		const perAppender = 10
		var wg sync.WaitGroup
		for i := 0; i < appenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perAppender; j++ {
					if _, err := s.Append(ctx, runlog.Event{
						RunID:   "r-concurrent",
						Channel: runlog.ChannelExecution,
						Kind:    runlog.KindNodeProgress,
						NodeID:  "n",
						Payload: map[string]interface{}{"token": "x"},
					}); err != nil {
						t.Errorf("Append: %v", err)
					}
				}
			}()
		}
		wg.Wait()

		events, err := s.ListAfter(ctx, "r-concurrent", 0)
		if err != nil {
			t.Fatalf("ListAfter: %v", err)
		}
		if len(events) != appenders*perAppender {
			t.Fatalf("stored %d events, want %d", len(events), appenders*perAppender)
		}
		for i, e := range events {
			if e.Sequence != int64(i+1) {
				t.Errorf("gap or disorder at index %d: sequence %d", i, e.Sequence)
			}
		}
	})

	t.Run("replay from cursor", func(t *testing.T) {
		for i := 0; i < 40; i++ {
			kind := runlog.KindNodeProgress
			payload := map[string]interface{}{"token": "x"}
			if i == 39 {
				kind = runlog.KindWorkflowComplete
				payload = nil
			}
			if _, err := s.Append(ctx, runlog.Event{
				RunID: "r-replay", Channel: runlog.ChannelExecution, Kind: kind, NodeID: "n", Payload: payload,
			}); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		events, err := s.ListAfter(ctx, "r-replay", 25)
		if err != nil {
			t.Fatalf("ListAfter: %v", err)
		}
		if len(events) != 15 {
			t.Fatalf("got %d events, want 15", len(events))
		}
		if events[0].Sequence != 26 || events[len(events)-1].Sequence != 40 {
			t.Errorf("sequence window [%d, %d]", events[0].Sequence, events[len(events)-1].Sequence)
		}
		if events[len(events)-1].Kind != runlog.KindWorkflowComplete {
			t.Errorf("terminal event missing from replay tail")
		}
	})

	t.Run("payload validation at append", func(t *testing.T) {
		_, err := s.Append(ctx, runlog.Event{
			RunID: "r-bad", Channel: runlog.ChannelExecution, Kind: runlog.KindNodeError, NodeID: "n",
			Payload: map[string]interface{}{"code": "X"}, // missing message
		})
		if err == nil {
			t.Error("expected payload validation error")
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreContract(t, NewMemStore())
}

func TestSQLiteStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SQLite store in short mode")
	}
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() { _ = s.Close() }()
	runStoreContract(t, s)
}
