package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/planweave/planweave/confirm"
	"github.com/planweave/planweave/model"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/store"
	"github.com/planweave/planweave/stream"
	"github.com/planweave/planweave/tool"
	"github.com/planweave/planweave/workflow"
)

// testHarness wires an executor against in-memory collaborators.
type testHarness struct {
	exec   *Executor
	store  *store.MemStore
	broker *confirm.Broker
	sink   *stream.BufferedSink
	model  *model.MockChatModel
}

func newHarness(t *testing.T, llm model.ChatModel, opts Options) *testHarness {
	t.Helper()
	mem := store.NewMemStore()
	broker := confirm.NewBroker()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	mock, _ := llm.(*model.MockChatModel)
	exec := New(Deps{
		Model:     llm,
		Retriever: tool.NewStaticRetriever(),
		HTTP:      tool.NewHTTPTool(nil),
		Workflows: mem,
		Runs:      mem,
		Broker:    broker,
		Logger:    logger,
	}, opts)

	return &testHarness{
		exec:   exec,
		store:  mem,
		broker: broker,
		sink:   stream.NewBufferedSink(),
		model:  mock,
	}
}

// run executes a workflow document end to end and returns the executor error.
func (h *testHarness) run(t *testing.T, ctx context.Context, doc workflow.Document, initial map[string]interface{}) (runlog.Run, error) {
	t.Helper()
	w, _, err := workflow.FromDocument("wf-test", "test", "", doc)
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}
	if err := workflow.Validate(w); err != nil {
		t.Fatalf("fixture workflow invalid: %v", err)
	}

	run := runlog.Run{ID: "run-" + t.Name(), WorkflowID: w.ID, Status: runlog.RunCreated}
	if err := h.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	pub := stream.NewPublisher(stream.NewExecutionMapper(), h.sink, nil)
	execErr := h.exec.Execute(ctx, w, run, initial, pub)

	stored, err := h.store.FindRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("FindRun: %v", err)
	}
	return stored, execErr
}

// eventTypes lists the captured envelope types in order.
func (h *testHarness) eventTypes() []string {
	var out []string
	for _, e := range h.sink.Envelopes() {
		out = append(out, e.Type)
	}
	return out
}

func minimalDoc() workflow.Document {
	return workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
}

func TestExecute_EmptyWorkflowCompletes(t *testing.T) {
	h := newHarness(t, &model.MockChatModel{}, Options{})
	run, err := h.run(t, context.Background(), minimalDoc(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.Status != runlog.RunCompleted {
		t.Errorf("status = %s", run.Status)
	}

	types := h.eventTypes()
	if types[0] != stream.TypeWorkflowStart {
		t.Errorf("first event = %s", types[0])
	}
	if types[len(types)-1] != stream.TypeWorkflowComplete {
		t.Errorf("last event = %s", types[len(types)-1])
	}
}

func TestExecute_RunNotStartableTwice(t *testing.T) {
	h := newHarness(t, &model.MockChatModel{}, Options{})
	ctx := context.Background()

	w, _, _ := workflow.FromDocument("wf", "w", "", minimalDoc())
	run := runlog.Run{ID: "r1", WorkflowID: "wf", Status: runlog.RunCreated}
	_ = h.store.CreateRun(ctx, run)

	pub := stream.NewPublisher(stream.NewExecutionMapper(), stream.NewBufferedSink(), nil)
	if err := h.exec.Execute(ctx, w, run, nil, pub); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if err := h.exec.Execute(ctx, w, run, nil, pub); !errors.Is(err, ErrRunNotStartable) {
		t.Errorf("second Execute = %v, want ErrRunNotStartable", err)
	}
}

// barrierModel blocks every Chat call until `parties` calls have arrived,
// forcing genuine overlap between parallel branches.
type barrierModel struct {
	mu      sync.Mutex
	arrived int
	parties int
	release chan struct{}
}

func newBarrierModel(parties int) *barrierModel {
	return &barrierModel{parties: parties, release: make(chan struct{})}
}

func (b *barrierModel) Chat(ctx context.Context, _ []model.Message) (model.ChatOut, error) {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.parties {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
		return model.ChatOut{Text: "branch output"}, nil
	case <-ctx.Done():
		return model.ChatOut{}, ctx.Err()
	}
}

func llmNode(id string) workflow.Node {
	return workflow.Node{ID: id, Type: workflow.TypeLLM, Config: map[string]interface{}{
		"model": "m", "prompt": "p", "stream": false,
	}}
}

func TestExecute_ParallelFanOut(t *testing.T) {
	h := newHarness(t, newBarrierModel(3), Options{})

	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "fan", Type: workflow.TypeParallel, Config: map[string]interface{}{
				"children": []interface{}{"a", "b", "c"},
			}},
			llmNode("a"), llmNode("b"), llmNode("c"),
			{ID: "merge", Type: workflow.TypeTransform, Config: map[string]interface{}{"operation": "join"}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "fan"},
			{Source: "fan", Target: "a"},
			{Source: "fan", Target: "b"},
			{Source: "fan", Target: "c"},
			{Source: "a", Target: "merge"},
			{Source: "b", Target: "merge"},
			{Source: "c", Target: "merge"},
			{Source: "merge", Target: "end"},
		},
	}

	run, err := h.run(t, context.Background(), doc, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.Status != runlog.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}

	// All three branch node_starts precede any branch node_complete, and
	// merge starts only after every branch completed.
	branch := map[string]bool{"a": true, "b": true, "c": true}
	starts, completes := 0, 0
	mergeStartIdx, lastBranchCompleteIdx := -1, -1
	for i, e := range h.sink.Envelopes() {
		nodeID, _ := e.Metadata["node_id"].(string)
		switch {
		case e.Type == stream.TypeNodeStart && branch[nodeID]:
			starts++
			if completes > 0 {
				t.Errorf("branch %s started after another branch completed", nodeID)
			}
		case e.Type == stream.TypeNodeComplete && branch[nodeID]:
			completes++
			lastBranchCompleteIdx = i
		case e.Type == stream.TypeNodeStart && nodeID == "merge":
			mergeStartIdx = i
		}
	}
	if starts != 3 || completes != 3 {
		t.Fatalf("branch events: %d starts, %d completes", starts, completes)
	}
	if mergeStartIdx < lastBranchCompleteIdx {
		t.Errorf("merge started at %d before last branch completed at %d", mergeStartIdx, lastBranchCompleteIdx)
	}

	// The merge node received all three branch outputs.
	joined := ""
	for _, e := range h.sink.Envelopes() {
		if e.Type == stream.TypeNodeComplete {
			if id, _ := e.Metadata["node_id"].(string); id == "merge" {
				out, _ := e.Metadata["output"].(map[string]interface{})
				joined, _ = out["result"].(string)
			}
		}
	}
	if strings.Count(joined, "branch output") != 3 {
		t.Errorf("merge result = %q", joined)
	}
}

func TestExecute_SideEffectGate(t *testing.T) {
	sideEffectDoc := func(url string) workflow.Document {
		return workflow.Document{
			Nodes: []workflow.Node{
				{ID: "start", Type: workflow.TypeStart},
				{ID: "post", Type: workflow.TypeHTTP, Config: map[string]interface{}{
					"method": "POST", "url": url, "on_error": "fail_fast",
				}},
				{ID: "end", Type: workflow.TypeEnd},
			},
			Edges: []workflow.Edge{
				{Source: "start", Target: "post"},
				{Source: "post", Target: "end"},
			},
		}
	}

	resolveWhenRequested := func(h *testHarness, decision confirm.Decision) {
		go func() {
			deadline := time.After(5 * time.Second)
			for {
				for _, e := range h.sink.Envelopes() {
					if e.Type == stream.TypeSideEffectRequest {
						if id, ok := e.Metadata["confirm_id"].(string); ok {
							_ = h.broker.Resolve(id, decision)
							return
						}
					}
				}
				select {
				case <-deadline:
					return
				case <-time.After(5 * time.Millisecond):
				}
			}
		}()
	}

	t.Run("allow executes the node", func(t *testing.T) {
		received := false
		srv := newPostServer(&received)
		defer srv.Close()

		h := newHarness(t, &model.MockChatModel{}, Options{})
		resolveWhenRequested(h, confirm.Allow)

		run, err := h.run(t, context.Background(), sideEffectDoc(srv.URL), nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if run.Status != runlog.RunCompleted || !received {
			t.Errorf("status=%s received=%v", run.Status, received)
		}

		// The side_effect_request precedes the node's completion.
		reqIdx, doneIdx := -1, -1
		for i, e := range h.sink.Envelopes() {
			if e.Type == stream.TypeSideEffectRequest {
				reqIdx = i
			}
			if e.Type == stream.TypeNodeComplete {
				if id, _ := e.Metadata["node_id"].(string); id == "post" {
					doneIdx = i
				}
			}
		}
		if reqIdx < 0 || doneIdx < 0 || reqIdx > doneIdx {
			t.Errorf("gate ordering: request=%d complete=%d", reqIdx, doneIdx)
		}
	})

	t.Run("deny fails the node and the run", func(t *testing.T) {
		received := false
		srv := newPostServer(&received)
		defer srv.Close()

		h := newHarness(t, &model.MockChatModel{}, Options{})
		resolveWhenRequested(h, confirm.Deny)

		run, err := h.run(t, context.Background(), sideEffectDoc(srv.URL), nil)
		if err == nil {
			t.Fatal("expected failure")
		}
		if CodeOf(err) != CodeConfirmationDenied {
			t.Errorf("code = %s", CodeOf(err))
		}
		if run.Status != runlog.RunFailed || received {
			t.Errorf("status=%s received=%v", run.Status, received)
		}

		types := h.eventTypes()
		if types[len(types)-1] != stream.TypeWorkflowError {
			t.Errorf("last event = %s", types[len(types)-1])
		}
	})

	t.Run("timeout fails with ConfirmationTimeout", func(t *testing.T) {
		h := newHarness(t, &model.MockChatModel{}, Options{ConfirmTimeout: 30 * time.Millisecond})

		_, err := h.run(t, context.Background(), sideEffectDoc("https://example.invalid"), nil)
		if CodeOf(err) != CodeConfirmationTimeout {
			t.Errorf("code = %s (%v)", CodeOf(err), err)
		}
	})
}

func TestExecute_ConditionalRouting(t *testing.T) {
	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "route", Type: workflow.TypeConditional, Config: map[string]interface{}{
				"expression": "outputs.start.payload.score > 5",
			}},
			{ID: "high", Type: workflow.TypeTransform, Config: map[string]interface{}{
				"operation": "template", "template": "high road",
			}},
			{ID: "low", Type: workflow.TypeTransform, Config: map[string]interface{}{
				"operation": "template", "template": "low road",
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "high", Guard: "outputs.route.result"},
			{Source: "route", Target: "low", Guard: "!outputs.route.result"},
			{Source: "high", Target: "end"},
			{Source: "low", Target: "end"},
		},
	}

	h := newHarness(t, &model.MockChatModel{}, Options{})
	run, err := h.run(t, context.Background(), doc, map[string]interface{}{"score": float64(9)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.Status != runlog.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}

	started := map[string]bool{}
	selected := ""
	for _, e := range h.sink.Envelopes() {
		id, _ := e.Metadata["node_id"].(string)
		if e.Type == stream.TypeNodeStart {
			started[id] = true
		}
		if e.Type == stream.TypeNodeComplete && id == "route" {
			out, _ := e.Metadata["output"].(map[string]interface{})
			selected, _ = out["selected_edge"].(string)
		}
	}
	if !started["high"] {
		t.Error("guard-true branch did not run")
	}
	if started["low"] {
		t.Error("guard-false branch ran")
	}
	if selected != "high" {
		t.Errorf("selected_edge = %q", selected)
	}
}

func TestExecute_ContinuePolicySkipsDependents(t *testing.T) {
	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "bad", Type: workflow.TypeTransform, Config: map[string]interface{}{
				"operation": "explode", "on_error": "continue",
			}},
			{ID: "after_bad", Type: workflow.TypeTransform, Config: map[string]interface{}{
				"operation": "template", "template": "x",
			}},
			{ID: "good", Type: workflow.TypeTransform, Config: map[string]interface{}{
				"operation": "template", "template": "ok",
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "bad"},
			{Source: "start", Target: "good"},
			{Source: "bad", Target: "after_bad"},
			{Source: "good", Target: "end"},
		},
	}

	h := newHarness(t, &model.MockChatModel{}, Options{})
	run, err := h.run(t, context.Background(), doc, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.Status != runlog.RunCompleted {
		t.Errorf("status = %s", run.Status)
	}

	var upstreamFailed bool
	for _, e := range h.sink.Envelopes() {
		if e.Type == stream.TypeNodeError {
			if id, _ := e.Metadata["node_id"].(string); id == "after_bad" {
				if code, _ := e.Metadata["code"].(string); code == string(CodeUpstreamFailed) {
					upstreamFailed = true
				}
			}
		}
	}
	if !upstreamFailed {
		t.Error("dependent of failed node was not skipped with UpstreamFailed")
	}
}

func TestExecute_FailFastDefault(t *testing.T) {
	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "bad", Type: workflow.TypeTransform, Config: map[string]interface{}{
				"operation": "explode",
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "bad"},
			{Source: "bad", Target: "end"},
		},
	}

	h := newHarness(t, &model.MockChatModel{}, Options{})
	run, err := h.run(t, context.Background(), doc, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if run.Status != runlog.RunFailed {
		t.Errorf("status = %s", run.Status)
	}
}

func TestExecute_RetryPolicy(t *testing.T) {
	mock := &model.MockChatModel{Err: errors.New("llm down")}
	h := newHarness(t, mock, Options{})

	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "gen", Type: workflow.TypeLLM, Config: map[string]interface{}{
				"model": "m", "prompt": "p", "stream": false,
				"retry_attempts": float64(2), "retry_backoff_ms": float64(1),
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "gen"},
			{Source: "gen", Target: "end"},
		},
	}

	run, err := h.run(t, context.Background(), doc, nil)
	if err == nil {
		t.Fatal("expected failure after retries")
	}
	if run.Status != runlog.RunFailed {
		t.Errorf("status = %s", run.Status)
	}
	// Initial attempt plus two retries.
	if mock.CallCount() != 3 {
		t.Errorf("model invoked %d times, want 3", mock.CallCount())
	}
}

func TestExecute_StepLimit(t *testing.T) {
	h := newHarness(t, &model.MockChatModel{}, Options{MaxSteps: 1})
	run, err := h.run(t, context.Background(), minimalDoc(), nil)
	if CodeOf(err) != CodeStepLimitExceeded {
		t.Errorf("code = %s (%v)", CodeOf(err), err)
	}
	if run.Status != runlog.RunFailed {
		t.Errorf("status = %s", run.Status)
	}
}

func TestExecute_CancellationPairsEvents(t *testing.T) {
	h := newHarness(t, &model.MockChatModel{}, Options{CancelGrace: time.Second})

	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "wait", Type: workflow.TypeHuman, Config: map[string]interface{}{
				"prompt": "approve?",
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "end"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel once the human node is visibly waiting.
		deadline := time.After(5 * time.Second)
		for {
			for _, e := range h.sink.Envelopes() {
				if e.Type == stream.TypeSideEffectRequest {
					cancel()
					return
				}
			}
			select {
			case <-deadline:
				cancel()
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	defer cancel()

	run, err := h.run(t, ctx, doc, nil)
	if CodeOf(err) != CodeCancelled {
		t.Fatalf("code = %s (%v)", CodeOf(err), err)
	}
	if run.Status != runlog.RunCancelled {
		t.Errorf("status = %s", run.Status)
	}

	// Every node_start has a paired node_complete or node_error.
	open := map[string]int{}
	for _, e := range h.sink.Envelopes() {
		id, _ := e.Metadata["node_id"].(string)
		switch e.Type {
		case stream.TypeNodeStart:
			open[id]++
		case stream.TypeNodeComplete, stream.TypeNodeError:
			open[id]--
		}
	}
	for id, n := range open {
		if n > 0 {
			t.Errorf("node %s has %d orphaned node_start events", id, n)
		}
	}
}

func TestExecute_LoopIterations(t *testing.T) {
	body := map[string]interface{}{
		"nodes": []interface{}{
			map[string]interface{}{"id": "start", "type": "start"},
			map[string]interface{}{"id": "step", "type": "transform", "config": map[string]interface{}{
				"operation": "template", "template": "iteration output",
			}},
			map[string]interface{}{"id": "end", "type": "end"},
		},
		"edges": []interface{}{
			map[string]interface{}{"source": "start", "target": "step"},
			map[string]interface{}{"source": "step", "target": "end"},
		},
	}

	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "repeat", Type: workflow.TypeLoop, Config: map[string]interface{}{
				"body": body, "max_iterations": float64(3),
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "repeat"},
			{Source: "repeat", Target: "end"},
		},
	}

	h := newHarness(t, &model.MockChatModel{}, Options{})
	run, err := h.run(t, context.Background(), doc, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.Status != runlog.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}

	// The loop reports three iterations and iteration events are tagged.
	var iterations interface{}
	taggedSteps := 0
	for _, e := range h.sink.Envelopes() {
		if e.Type == stream.TypeNodeComplete {
			if id, _ := e.Metadata["node_id"].(string); id == "repeat" {
				out, _ := e.Metadata["output"].(map[string]interface{})
				iterations = out["iterations"]
			}
		}
		if e.Type == stream.TypeNodeStart {
			if id, _ := e.Metadata["node_id"].(string); id == "step" {
				if _, ok := e.Metadata["iteration"]; ok {
					taggedSteps++
				}
			}
		}
	}
	if n, ok := iterations.(int); !ok || n != 3 {
		t.Errorf("iterations = %v", iterations)
	}
	if taggedSteps != 3 {
		t.Errorf("tagged step starts = %d, want 3", taggedSteps)
	}
}

func TestExecute_GuardedEdgeFromHTTPStatus(t *testing.T) {
	srv := newPostServer(nil)
	defer srv.Close()

	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "fetch", Type: workflow.TypeHTTP, Config: map[string]interface{}{
				"url": srv.URL, "method": "GET",
			}},
			{ID: "ok", Type: workflow.TypeTransform, Config: map[string]interface{}{
				"operation": "template", "template": "success",
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "fetch"},
			{Source: "fetch", Target: "ok", Guard: "outputs.fetch.status_code == 200"},
			{Source: "ok", Target: "end"},
		},
	}

	h := newHarness(t, &model.MockChatModel{}, Options{})
	run, err := h.run(t, context.Background(), doc, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.Status != runlog.RunCompleted {
		t.Errorf("status = %s", run.Status)
	}
}
