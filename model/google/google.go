// Package google provides the model port adapter for Google's Gemini API,
// with blocking and token-streaming invocation.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/planweave/planweave/model"
)

// ChatModel implements model.StreamingChatModel for Gemini.
//
// Gemini has no separate system role in this API surface; system messages
// are folded into the prompt as plain text parts, in conversation order.
type ChatModel struct {
	apiKey    string
	modelName string
	client    googleClient
}

// googleClient is the narrow API surface the adapter depends on, mockable
// in tests.
type googleClient interface {
	generateContent(ctx context.Context, messages []model.Message) (model.ChatOut, error)
	streamContent(ctx context.Context, messages []model.Message) (<-chan model.Chunk, error)
}

// NewChatModel creates a Gemini-backed chat model. An empty modelName
// selects a current default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	return m.client.generateContent(ctx, messages)
}

// Stream implements model.StreamingChatModel.
func (m *ChatModel) Stream(ctx context.Context, messages []model.Message) (<-chan model.Chunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return m.client.streamContent(ctx, messages)
}

// defaultClient wraps the official generative-ai-go SDK.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) newClient(ctx context.Context) (*genai.Client, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

// convertMessages flattens the conversation into ordered text parts.
func convertMessages(messages []model.Message) []genai.Part {
	parts := make([]genai.Part, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return parts
}

func (c *defaultClient) generateContent(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	client, err := c.newClient(ctx)
	if err != nil {
		return model.ChatOut{}, err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.GenerativeModel(c.modelName).GenerateContent(ctx, convertMessages(messages)...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("gemini API error: %w", err)
	}
	return model.ChatOut{Text: flattenResponse(resp)}, nil
}

func (c *defaultClient) streamContent(ctx context.Context, messages []model.Message) (<-chan model.Chunk, error) {
	client, err := c.newClient(ctx)
	if err != nil {
		return nil, err
	}
	iter := client.GenerativeModel(c.modelName).GenerateContentStream(ctx, convertMessages(messages)...)

	ch := make(chan model.Chunk, 16)
	go func() {
		defer close(ch)
		defer func() { _ = client.Close() }()
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				ch <- model.Chunk{Err: fmt.Errorf("gemini stream error: %w", err)}
				return
			}
			text := flattenResponse(resp)
			if text == "" {
				continue
			}
			select {
			case ch <- model.Chunk{Text: text}:
			case <-ctx.Done():
				ch <- model.Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

// flattenResponse concatenates the text parts of every candidate.
func flattenResponse(resp *genai.GenerateContentResponse) string {
	var text string
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}
	return text
}
