package workflow

import (
	"encoding/json"
	"reflect"
	"testing"
)

// minimalDoc builds a start -> end document used across tests.
func minimalDoc() Document {
	return Document{
		Nodes: []Node{
			{ID: "start", Type: TypeStart},
			{ID: "end", Type: TypeEnd},
		},
		Edges: []Edge{{Source: "start", Target: "end"}},
	}
}

func TestFromDocument(t *testing.T) {
	t.Run("canonical document", func(t *testing.T) {
		w, report, err := FromDocument("wf-1", "minimal", "proj-1", minimalDoc())
		if err != nil {
			t.Fatalf("FromDocument failed: %v", err)
		}
		if len(w.Nodes) != 2 || len(w.Edges) != 1 {
			t.Fatalf("unexpected shape: %d nodes, %d edges", len(w.Nodes), len(w.Edges))
		}
		if report.WasDeprecated() {
			t.Error("canonical document should not report deprecated types")
		}
		if w.Status != StatusDraft {
			t.Errorf("expected draft status, got %q", w.Status)
		}
	})

	t.Run("aliases resolve and are reported", func(t *testing.T) {
		doc := Document{
			Nodes: []Node{
				{ID: "start", Type: TypeStart},
				{ID: "summarize", Type: "llm_call", Config: map[string]interface{}{
					"model": "gpt-x", "prompt": "summarize",
				}},
				{ID: "end", Type: TypeEnd},
			},
			Edges: []Edge{
				{Source: "start", Target: "summarize"},
				{Source: "summarize", Target: "end"},
			},
		}
		w, report, err := FromDocument("wf-2", "aliased", "", doc)
		if err != nil {
			t.Fatalf("FromDocument failed: %v", err)
		}
		node, ok := w.NodeByID("summarize")
		if !ok {
			t.Fatal("summarize node missing")
		}
		if node.Type != TypeLLM {
			t.Errorf("alias not canonicalized: got %q", node.Type)
		}
		if !report.WasDeprecated() {
			t.Fatal("expected deprecated report")
		}
		if report.DeprecatedTypes["summarize"] != "llm_call" {
			t.Errorf("report = %+v", report.DeprecatedTypes)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		doc := Document{Nodes: []Node{
			{ID: "n", Type: TypeLLM, Config: map[string]interface{}{"model": "m", "prompt": "p"}},
		}}
		w, _, err := FromDocument("wf-3", "defaults", "", doc)
		if err != nil {
			t.Fatalf("FromDocument failed: %v", err)
		}
		node, _ := w.NodeByID("n")
		if node.Config["temperature"] != 0.7 {
			t.Errorf("temperature default missing: %v", node.Config["temperature"])
		}
		if node.Config["stream"] != true {
			t.Errorf("stream default missing: %v", node.Config["stream"])
		}
	})

	t.Run("unknown types collected", func(t *testing.T) {
		doc := Document{Nodes: []Node{
			{ID: "a", Type: "quantum_agent"},
			{ID: "b", Type: "tachyon"},
		}}
		_, _, err := FromDocument("wf-4", "bad", "", doc)
		verr, ok := err.(*ValidationError)
		if !ok {
			t.Fatalf("expected *ValidationError, got %v", err)
		}
		if len(verr.Violations) != 2 {
			t.Errorf("expected both unknown types reported, got %+v", verr.Violations)
		}
	})
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := Document{
		Nodes: []Node{
			{ID: "start", Type: TypeStart},
			{ID: "fetch", Type: TypeHTTP, Name: "Fetch", Position: Position{X: 10, Y: 20},
				Config: map[string]interface{}{"url": "https://example.com", "method": "GET"}},
			{ID: "end", Type: TypeEnd},
		},
		Edges: []Edge{
			{Source: "start", Target: "fetch"},
			{Source: "fetch", Target: "end", Guard: `outputs.fetch.status_code == 200`},
		},
	}

	w, _, err := FromDocument("wf-rt", "roundtrip", "", doc)
	if err != nil {
		t.Fatalf("FromDocument failed: %v", err)
	}

	raw, err := json.Marshal(w.Document())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParseDocument(raw)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	w2, _, err := FromDocument("wf-rt", "roundtrip", "", parsed)
	if err != nil {
		t.Fatalf("second FromDocument failed: %v", err)
	}

	if !reflect.DeepEqual(w.Document(), w2.Document()) {
		t.Errorf("round trip changed the document:\n%+v\n%+v", w.Document(), w2.Document())
	}
}

func TestClone(t *testing.T) {
	w, _, err := FromDocument("wf", "clone", "", minimalDoc())
	if err != nil {
		t.Fatalf("FromDocument failed: %v", err)
	}
	clone := w.Clone()
	clone.Nodes[0].ID = "mutated"
	clone.Edges[0].Source = "mutated"
	if w.Nodes[0].ID != "start" || w.Edges[0].Source != "start" {
		t.Error("Clone shares state with original")
	}
}

func TestReachableFromStart(t *testing.T) {
	doc := Document{
		Nodes: []Node{
			{ID: "start", Type: TypeStart},
			{ID: "a", Type: TypeTransform},
			{ID: "end", Type: TypeEnd},
			{ID: "island", Type: TypeTransform},
		},
		Edges: []Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "end"},
		},
	}
	w, _, err := FromDocument("wf", "reach", "", doc)
	if err != nil {
		t.Fatalf("FromDocument failed: %v", err)
	}
	reachable := w.ReachableFromStart()
	for _, id := range []string{"start", "a", "end"} {
		if !reachable[id] {
			t.Errorf("%q should be reachable", id)
		}
	}
	if reachable["island"] {
		t.Error("island should not be reachable")
	}
}

func TestPredecessorsSuccessors(t *testing.T) {
	w, _, err := FromDocument("wf", "edges", "", Document{
		Nodes: []Node{
			{ID: "a", Type: TypeStart},
			{ID: "b", Type: TypeTransform},
			{ID: "c", Type: TypeTransform},
			{ID: "d", Type: TypeEnd},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
	})
	if err != nil {
		t.Fatalf("FromDocument failed: %v", err)
	}

	if got := w.Successors("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Successors(a) = %v", got)
	}
	if got := w.Predecessors("d"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Predecessors(d) = %v", got)
	}
}
