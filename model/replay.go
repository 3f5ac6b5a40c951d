package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ReplayModel replays previously recorded LLM exchanges, token by token.
//
// It is the deterministic replay implementation of the LLM port: production
// transcripts are captured as fixtures and executions can be re-driven
// against them without network access or nondeterminism. Unlike
// MockChatModel, which scripts whole responses, ReplayModel preserves the
// original token boundaries so streaming consumers observe the same chunk
// sequence the live run produced.
type ReplayModel struct {
	mu        sync.Mutex
	exchanges []ReplayExchange
	cursor    int
}

// ReplayExchange is one recorded LLM round trip.
type ReplayExchange struct {
	// Tokens are the streamed chunks in original order.
	Tokens []string `json:"tokens"`
}

// ErrReplayExhausted is returned when more invocations occur than the
// recording contains.
var ErrReplayExhausted = errors.New("replay transcript exhausted")

// NewReplayModel builds a ReplayModel from recorded exchanges.
func NewReplayModel(exchanges []ReplayExchange) *ReplayModel {
	return &ReplayModel{exchanges: exchanges}
}

// LoadReplayModel reads a JSON fixture: an array of exchanges, each with a
// "tokens" array.
func LoadReplayModel(path string) (*ReplayModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay fixture: %w", err)
	}
	var exchanges []ReplayExchange
	if err := json.Unmarshal(raw, &exchanges); err != nil {
		return nil, fmt.Errorf("failed to parse replay fixture: %w", err)
	}
	return NewReplayModel(exchanges), nil
}

// Chat implements ChatModel by concatenating the next exchange's tokens.
func (r *ReplayModel) Chat(ctx context.Context, _ []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}
	exchange, err := r.next()
	if err != nil {
		return ChatOut{}, err
	}
	var text string
	for _, tok := range exchange.Tokens {
		text += tok
	}
	return ChatOut{Text: text}, nil
}

// Stream implements StreamingChatModel, replaying the recorded chunks.
func (r *ReplayModel) Stream(ctx context.Context, _ []Message) (<-chan Chunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	exchange, err := r.next()
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, len(exchange.Tokens))
	go func() {
		defer close(ch)
		for _, tok := range exchange.Tokens {
			select {
			case ch <- Chunk{Text: tok}:
			case <-ctx.Done():
				ch <- Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

// Remaining reports how many recorded exchanges have not been consumed.
func (r *ReplayModel) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exchanges) - r.cursor
}

func (r *ReplayModel) next() (ReplayExchange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= len(r.exchanges) {
		return ReplayExchange{}, ErrReplayExhausted
	}
	exchange := r.exchanges[r.cursor]
	r.cursor++
	return exchange, nil
}
