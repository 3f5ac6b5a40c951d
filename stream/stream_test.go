package stream

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planweave/planweave/runlog"
)

func TestMapperSequences(t *testing.T) {
	m := NewPlanningMapper()

	first := m.CreateInitial(TypeThinking, nil)
	second := m.CreateStep(TypeThinking, "still working", nil)
	third := m.CreateFinal("done", nil)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(3), third.Sequence)
	assert.Equal(t, ChannelPlanning, first.Channel)
	assert.True(t, third.IsFinal)
	assert.False(t, second.IsFinal)
}

func TestMapperErrorTypes(t *testing.T) {
	planning := NewPlanningMapper().CreateError("ParseFailure", "bad json", nil)
	assert.Equal(t, TypeError, planning.Type)
	assert.Equal(t, "ParseFailure", planning.Metadata["code"])
	assert.True(t, planning.IsFinal)

	execution := NewExecutionMapper().CreateError("Cancelled", "run cancelled", nil)
	assert.Equal(t, TypeWorkflowError, execution.Type)
	assert.Equal(t, ChannelExecution, execution.Channel)
}

func TestMapperFinalTypes(t *testing.T) {
	assert.Equal(t, TypeFinal, NewPlanningMapper().CreateFinal("", nil).Type)
	assert.Equal(t, TypeWorkflowComplete, NewExecutionMapper().CreateFinal("", nil).Type)
}

func TestCreateFromEvent(t *testing.T) {
	m := NewExecutionMapper()
	env := m.CreateFromEvent(runlog.Event{
		RunID:   "r1",
		Channel: runlog.ChannelExecution,
		Kind:    runlog.KindNodeProgress,
		NodeID:  "summarize",
		Payload: map[string]interface{}{"content": "tok", "api_key": "sk-secret"},
	})

	assert.Equal(t, TypeNodeProgress, env.Type)
	assert.Equal(t, "tok", env.Content)
	assert.Equal(t, "summarize", env.Metadata["node_id"])
	assert.Equal(t, redactedPlaceholder, env.Metadata["api_key"])
	assert.NotContains(t, env.Metadata, "content")
	assert.Equal(t, int64(1), env.Sequence)
}

func TestFromRunEventPreservesSequence(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := FromRunEvent(runlog.Event{
		RunID: "r1", Sequence: 37, Timestamp: ts,
		Channel: runlog.ChannelExecution, Kind: runlog.KindWorkflowComplete,
		Payload: map[string]interface{}{"content": "all done"},
	})

	assert.Equal(t, int64(37), env.Sequence)
	assert.Equal(t, ts, env.Timestamp)
	assert.True(t, env.IsFinal)
	assert.Equal(t, "all done", env.Content)
}

func TestRedact(t *testing.T) {
	in := map[string]interface{}{
		"url":     "https://example.com",
		"api_key": "sk-123",
		"headers": map[string]interface{}{
			"Authorization": "Bearer abc",
			"Accept":        "application/json",
		},
		"items": []interface{}{
			map[string]interface{}{"password": "hunter2", "name": "ok"},
		},
	}

	out := Redact(in)

	assert.Equal(t, "https://example.com", out["url"])
	assert.Equal(t, redactedPlaceholder, out["api_key"])
	headers := out["headers"].(map[string]interface{})
	assert.Equal(t, redactedPlaceholder, headers["Authorization"])
	assert.Equal(t, "application/json", headers["Accept"])
	items := out["items"].([]interface{})
	assert.Equal(t, redactedPlaceholder, items[0].(map[string]interface{})["password"])

	// Input untouched.
	assert.Equal(t, "sk-123", in["api_key"])
}

func TestSSESink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSSESink(&buf)

	err := sink.Send(context.Background(), Envelope{
		Type: TypeThinking, Channel: ChannelPlanning, Sequence: 1,
		Timestamp: time.Now().UTC(), Content: "hmm",
	})
	require.NoError(t, err)

	frame := buf.String()
	assert.True(t, strings.HasPrefix(frame, "data: "))
	assert.True(t, strings.HasSuffix(frame, "\n\n"))
	assert.Contains(t, frame, `"type":"thinking"`)
	assert.Contains(t, frame, `"channel":"planning"`)

	require.NoError(t, sink.Close(context.Background()))
	assert.Error(t, sink.Send(context.Background(), Envelope{Type: TypeThinking}))
}

func TestMultiSink(t *testing.T) {
	a, b := NewBufferedSink(), NewBufferedSink()
	multi := NewMultiSink(a, b)

	require.NoError(t, multi.Send(context.Background(), Envelope{Type: TypeThinking, Sequence: 1}))

	assert.Len(t, a.Envelopes(), 1)
	assert.Len(t, b.Envelopes(), 1)
}

func TestPublisher(t *testing.T) {
	sink := NewBufferedSink()
	repo := store{} // minimal in-test repo
	recorder := runlog.NewRecorder(&repo, nil, 16)
	pub := NewPublisher(NewExecutionMapper(), sink, recorder)

	err := pub.Publish(context.Background(), runlog.Event{
		RunID: "r1", Channel: runlog.ChannelExecution, Kind: runlog.KindNodeStart, NodeID: "n1",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, recorder.Close(ctx))

	assert.Len(t, sink.Envelopes(), 1)
	assert.Equal(t, TypeNodeStart, sink.Envelopes()[0].Type)
	require.Eventually(t, func() bool { return repo.counted() == 1 }, time.Second, 10*time.Millisecond)
}

// store is a minimal RunEventRepository for publisher tests.
type store struct {
	mu    sync.Mutex
	count int
}

func (s *store) Append(_ context.Context, e runlog.Event) (runlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	e.Sequence = int64(s.count)
	return e, nil
}

func (s *store) counted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *store) ListAfter(context.Context, string, int64) ([]runlog.Event, error) {
	return nil, nil
}
