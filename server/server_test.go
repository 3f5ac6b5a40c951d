package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planweave/planweave/confirm"
	"github.com/planweave/planweave/executor"
	"github.com/planweave/planweave/model"
	"github.com/planweave/planweave/planner"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/store"
	"github.com/planweave/planweave/stream"
	"github.com/planweave/planweave/tool"
	"github.com/planweave/planweave/workflow"
)

// newTestServer wires the full stack over in-memory collaborators with a
// scripted LLM.
func newTestServer(t *testing.T, responses []string) (*Server, *store.MemStore, *runlog.Recorder) {
	t.Helper()
	mem := store.NewMemStore()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	broker := confirm.NewBroker()
	recorder := runlog.NewRecorder(mem, logger, 0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = recorder.Close(ctx)
	})

	chat := &model.MockChatModel{Responses: responses}
	exec := executor.New(executor.Deps{
		Model:     chat,
		Retriever: tool.NewStaticRetriever(),
		HTTP:      tool.NewHTTPTool(nil),
		Workflows: mem,
		Runs:      mem,
		Broker:    broker,
		Logger:    logger,
	}, executor.Options{})
	plan := planner.New(planner.Deps{
		Model:     chat,
		Retriever: tool.NewStaticRetriever(),
		Workflows: mem,
		Logger:    logger,
	}, planner.Options{})

	srv := New(Deps{
		Planner:           plan,
		Executor:          exec,
		Projects:          mem,
		Workflows:         mem,
		Runs:              mem,
		Events:            mem,
		Recorder:          recorder,
		Broker:            broker,
		Logger:            logger,
		EnableTestSeedAPI: true,
	})
	return srv, mem, recorder
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echoHeaderContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

// sseTypes extracts envelope types from an SSE body.
func sseTypes(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env stream.Envelope
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
		out = append(out, env.Type)
	}
	return out
}

func TestSeedAndGetWorkflow(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/dev/seed", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/workflows/seed-workflow", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var w workflow.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Len(t, w.Nodes, 3)
}

func TestWorkflowScope(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	doJSON(t, srv, http.MethodPost, "/dev/seed", "")

	rec := doJSON(t, srv, http.MethodGet, "/workflows/seed-workflow?project_id=other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchWorkflowEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	doJSON(t, srv, http.MethodPost, "/dev/seed", "")

	patch := `{"ops": [{"op": "update_node", "node_id": "summarize", "config": {"temperature": 0.2}}]}`
	rec := doJSON(t, srv, http.MethodPatch, "/workflows/seed-workflow", patch)
	require.Equal(t, http.StatusOK, rec.Code)

	var w workflow.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	node, ok := w.NodeByID("summarize")
	require.True(t, ok)
	assert.Equal(t, 0.2, node.Config["temperature"])

	// An invalid patch is a 400 with violations, and changes nothing.
	bad := `{"ops": [{"op": "add_edge", "edge": {"source": "end", "target": "start"}}]}`
	rec = doJSON(t, srv, http.MethodPatch, "/workflows/seed-workflow", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWorkflowDefaultsToMinimalGraph(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/workflows", `{"name": "fresh"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var w workflow.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Len(t, w.Nodes, 2)
	assert.Len(t, w.Edges, 1)
}

func TestConfirmEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/runs/r1/confirm", `{"confirm_id": "ghost", "decision": "allow"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/runs/r1/confirm", `{"confirm_id": "x", "decision": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteStreamEndToEnd(t *testing.T) {
	srv, mem, _ := newTestServer(t, []string{"summary text"})
	doJSON(t, srv, http.MethodPost, "/dev/seed", "")

	rec := doJSON(t, srv, http.MethodPost, "/workflows/seed-workflow/execute/stream",
		`{"initial_input": {"topic": "go"}, "run_id": "run-e2e"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echoHeaderContentType), "text/event-stream")

	types := sseTypes(t, rec.Body.String())
	require.NotEmpty(t, types)
	assert.Equal(t, stream.TypeWorkflowStart, types[0])
	assert.Equal(t, stream.TypeWorkflowComplete, types[len(types)-1])

	run, err := mem.FindRun(context.Background(), "run-e2e")
	require.NoError(t, err)
	assert.Equal(t, runlog.RunCompleted, run.Status)
}

func TestChatStreamPlansWorkflow(t *testing.T) {
	srv, mem, _ := newTestServer(t, []string{
		`{"action": "finalize", "summary": "nothing to change"}`,
	})
	doJSON(t, srv, http.MethodPost, "/dev/seed", "")

	rec := doJSON(t, srv, http.MethodPost, "/workflows/seed-workflow/chat-stream",
		`{"message": "is this workflow ok?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	types := sseTypes(t, rec.Body.String())
	require.NotEmpty(t, types)
	assert.Equal(t, stream.TypeFinal, types[len(types)-1])

	// Unchanged workflow stays stored.
	w, err := mem.FindWorkflow(context.Background(), "seed-workflow", "")
	require.NoError(t, err)
	assert.Len(t, w.Nodes, 3)
}

func TestChatCreateStreamCarriesWorkflowID(t *testing.T) {
	srv, _, _ := newTestServer(t, []string{
		`{"action": "finalize", "summary": "created"}`,
	})

	rec := doJSON(t, srv, http.MethodPost, "/workflows/chat-create/stream",
		`{"message": "make me a research workflow", "project_id": "p1", "run_id": "r1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	lines := strings.Split(rec.Body.String(), "\n")
	var envelopes []stream.Envelope
	for _, line := range lines {
		if strings.HasPrefix(line, "data: ") {
			var env stream.Envelope
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
			envelopes = append(envelopes, env)
		}
	}
	require.NotEmpty(t, envelopes)

	// The workflow id must arrive within the first two envelopes.
	found := false
	for i, env := range envelopes {
		if i > 1 {
			break
		}
		if id, ok := env.Metadata["workflow_id"].(string); ok && id != "" {
			found = true
		}
	}
	assert.True(t, found, "workflow_id not in the first two envelopes")
}

func TestReplayStreamResume(t *testing.T) {
	srv, mem, _ := newTestServer(t, nil)

	// Store a run with 40 events, the last terminal.
	ctx := context.Background()
	require.NoError(t, mem.CreateRun(ctx, runlog.Run{ID: "r-replay", WorkflowID: "wf", Status: runlog.RunCompleted}))
	for i := 0; i < 40; i++ {
		kind := runlog.KindNodeProgress
		var payload map[string]interface{}
		if i == 39 {
			kind = runlog.KindWorkflowComplete
		} else {
			payload = map[string]interface{}{"content": "tok"}
		}
		_, err := mem.Append(ctx, runlog.Event{
			RunID: "r-replay", Channel: runlog.ChannelExecution, Kind: kind, NodeID: "n", Payload: payload,
		})
		require.NoError(t, err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/runs/r-replay/events/stream?after=25", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sequences []int64
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: ") {
			var env stream.Envelope
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
			sequences = append(sequences, env.Sequence)
		}
	}
	require.Len(t, sequences, 15)
	assert.Equal(t, int64(26), sequences[0])
	assert.Equal(t, int64(40), sequences[14])

	// Unknown run is a 404.
	rec = doJSON(t, srv, http.MethodGet, "/runs/ghost/events/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
