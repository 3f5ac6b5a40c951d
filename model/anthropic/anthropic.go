// Package anthropic provides the model port adapter for Anthropic's Claude
// API, with blocking and token-streaming invocation.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/planweave/planweave/model"
)

// ChatModel implements model.StreamingChatModel for Claude.
//
// Anthropic takes the system prompt as a separate parameter; the adapter
// extracts leading system messages from the conversation before the call.
type ChatModel struct {
	apiKey    string
	modelName string
	maxTokens int64
	client    anthropicClient
}

// anthropicClient is the narrow API surface the adapter depends on,
// mockable in tests.
type anthropicClient interface {
	createMessage(ctx context.Context, system string, messages []model.Message) (model.ChatOut, error)
	streamMessage(ctx context.Context, system string, messages []model.Message) (<-chan model.Chunk, error)
}

// NewChatModel creates a Claude-backed chat model. An empty modelName
// selects a current default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	const defaultMaxTokens = 4096
	return &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		maxTokens: defaultMaxTokens,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName, maxTokens: defaultMaxTokens},
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	system, conversation := extractSystemPrompt(messages)
	return m.client.createMessage(ctx, system, conversation)
}

// Stream implements model.StreamingChatModel.
func (m *ChatModel) Stream(ctx context.Context, messages []model.Message) (<-chan model.Chunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	system, conversation := extractSystemPrompt(messages)
	return m.client.streamMessage(ctx, system, conversation)
}

// extractSystemPrompt separates system messages from the conversation.
// Multiple system messages are concatenated.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var system string
	var conversation []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}

// defaultClient wraps the official Anthropic SDK.
type defaultClient struct {
	apiKey    string
	modelName string
	maxTokens int64
}

func (c *defaultClient) params(system string, messages []model.Message) anthropicsdk.MessageNewParams {
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		Messages:  convertMessages(messages),
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	return params
}

func (c *defaultClient) createMessage(ctx context.Context, system string, messages []model.Message) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("anthropic API key is required")
	}
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	resp, err := client.Messages.New(ctx, c.params(system, messages))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic API error: %w", err)
	}

	out := model.ChatOut{}
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		}
	}
	return out, nil
}

func (c *defaultClient) streamMessage(ctx context.Context, system string, messages []model.Message) (<-chan model.Chunk, error) {
	if c.apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))
	stream := client.Messages.NewStreaming(ctx, c.params(system, messages))

	ch := make(chan model.Chunk, 16)
	go func() {
		defer close(ch)
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if text, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta); ok && text.Text != "" {
				select {
				case ch <- model.Chunk{Text: text.Text}:
				case <-ctx.Done():
					ch <- model.Chunk{Err: ctx.Err()}
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- model.Chunk{Err: fmt.Errorf("anthropic stream error: %w", err)}
		}
	}()
	return ch, nil
}

// convertMessages maps conversation messages to Anthropic's format. System
// messages are handled separately by the caller; unknown roles fall back to
// user messages.
func convertMessages(messages []model.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}
