package tool

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// KnowledgeResult is one retrieval hit.
type KnowledgeResult struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Retriever is the knowledge-retrieval port. The planner's query_knowledge
// action and knowledge nodes dispatch through it; retrieval backends are
// external collaborators.
type Retriever interface {
	Retrieve(ctx context.Context, query, scope string, topK int) ([]KnowledgeResult, error)
}

// StaticRetriever is an in-memory Retriever over a fixed corpus, scored by
// term overlap. It backs development setups and tests; production wires a
// real retrieval service behind the same interface.
type StaticRetriever struct {
	mu   sync.RWMutex
	docs []staticDoc
}

type staticDoc struct {
	text   string
	source string
	scope  string
}

// NewStaticRetriever creates an empty retriever.
func NewStaticRetriever() *StaticRetriever {
	return &StaticRetriever{}
}

// Add inserts a document into the corpus.
func (r *StaticRetriever) Add(text, source, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, staticDoc{text: text, source: source, scope: scope})
}

// Retrieve scores every in-scope document by term overlap with the query
// and returns the topK best, highest score first. Documents with no
// overlapping terms are omitted.
func (r *StaticRetriever) Retrieve(ctx context.Context, query, scope string, topK int) ([]KnowledgeResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if topK <= 0 {
		topK = 5
	}

	terms := strings.Fields(strings.ToLower(query))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []KnowledgeResult
	for _, doc := range r.docs {
		if scope != "" && doc.scope != scope {
			continue
		}
		lower := strings.ToLower(doc.text)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 || len(terms) == 0 {
			continue
		}
		results = append(results, KnowledgeResult{
			Text:   doc.text,
			Source: doc.source,
			Score:  float64(matched) / float64(len(terms)),
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// MockRetriever is a scripted Retriever for tests. It records queries and
// returns configured results or an error.
type MockRetriever struct {
	Results []KnowledgeResult
	Err     error

	mu      sync.Mutex
	Queries []string
}

// Retrieve implements Retriever.
func (m *MockRetriever) Retrieve(ctx context.Context, query, _ string, _ int) ([]KnowledgeResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Results, nil
}
