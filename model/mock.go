package model

import (
	"context"
	"strings"
	"sync"
)

// MockChatModel is a test implementation of StreamingChatModel.
//
// It returns scripted responses in order and records every invocation, so
// tests can verify prompts without real API calls. When all responses are
// consumed the last one repeats. Safe for concurrent use.
//
// Example:
//
//	mock := &MockChatModel{Responses: []string{"first", "second"}}
//	out, _ := mock.Chat(ctx, messages)
//	// out.Text == "first"; the next call returns "second"
type MockChatModel struct {
	// Responses is the sequence of full-text responses to return.
	Responses []string

	// Err, if set, is returned by Chat and Stream instead of a response.
	Err error

	// Calls records the history of invocations.
	Calls [][]Message

	mu        sync.Mutex
	callIndex int
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}
	text, err := m.next(messages)
	if err != nil {
		return ChatOut{}, err
	}
	return ChatOut{Text: text}, nil
}

// Stream implements StreamingChatModel. The scripted response is split on
// word boundaries so consumers see a multi-chunk stream.
func (m *MockChatModel) Stream(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	text, err := m.next(messages)
	if err != nil {
		return nil, err
	}

	words := strings.SplitAfter(text, " ")
	ch := make(chan Chunk, len(words))
	go func() {
		defer close(ch)
		for _, w := range words {
			select {
			case ch <- Chunk{Text: w}:
			case <-ctx.Done():
				ch <- Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func (m *MockChatModel) next(messages []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, append([]Message(nil), messages...))

	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears call history and rewinds the response index.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns how many times the model has been invoked.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
