package model

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedModel decorates a ChatModel with a token-bucket limiter.
//
// One RateLimitedModel is constructed at application start and shared by
// every planner and executor in the process, giving a single process-wide
// ceiling on LLM request rate. It is an explicit lifecycle-managed
// collaborator, not a package global.
type RateLimitedModel struct {
	inner   ChatModel
	limiter *rate.Limiter
}

// NewRateLimitedModel wraps a model with a requests-per-second ceiling and
// the given burst. rps <= 0 disables limiting.
func NewRateLimitedModel(inner ChatModel, rps float64, burst int) *RateLimitedModel {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimitedModel{inner: inner, limiter: limiter}
}

// Chat waits for a limiter slot, then delegates.
func (m *RateLimitedModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := m.wait(ctx); err != nil {
		return ChatOut{}, err
	}
	return m.inner.Chat(ctx, messages)
}

// Stream waits for a limiter slot, then delegates. Models without streaming
// support fall back to a single-chunk stream via StreamOrChat.
func (m *RateLimitedModel) Stream(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if sm, ok := m.inner.(StreamingChatModel); ok {
		return sm.Stream(ctx, messages)
	}
	return StreamOrChat(ctx, m.inner, messages)
}

func (m *RateLimitedModel) wait(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx)
}
