// Package openai provides the model port adapter for OpenAI-compatible chat
// APIs, with blocking and token-streaming invocation plus transient-error
// retry.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/planweave/planweave/model"
)

// ChatModel implements model.StreamingChatModel for OpenAI-compatible
// endpoints. A custom baseURL points the adapter at any server speaking the
// chat-completions protocol.
type ChatModel struct {
	apiKey     string
	modelName  string
	baseURL    string
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// openaiClient is the narrow API surface the adapter depends on, mockable
// in tests.
type openaiClient interface {
	createChatCompletion(ctx context.Context, messages []model.Message) (model.ChatOut, error)
	streamChatCompletion(ctx context.Context, messages []model.Message) (<-chan model.Chunk, error)
}

// NewChatModel creates an OpenAI-backed chat model. An empty modelName
// selects a current default; an empty baseURL uses the public API.
func NewChatModel(apiKey, modelName, baseURL string) *ChatModel {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &ChatModel{
		apiKey:     apiKey,
		modelName:  modelName,
		baseURL:    baseURL,
		client:     &defaultClient{apiKey: apiKey, modelName: modelName, baseURL: baseURL},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Chat implements model.ChatModel. Transient failures (network errors, 5xx,
// rate limits) are retried up to three times with growing delay.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.client.createChatCompletion(ctx, messages)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isTransientError(err) || attempt >= m.maxRetries {
			break
		}
		select {
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}
	return model.ChatOut{}, fmt.Errorf("openai chat failed: %w", lastErr)
}

// Stream implements model.StreamingChatModel. Streams are not retried; a
// failure mid-stream is surfaced in-band.
func (m *ChatModel) Stream(ctx context.Context, messages []model.Message) (<-chan model.Chunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return m.client.streamChatCompletion(ctx, messages)
}

// isTransientError reports whether an error should trigger a retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "rate limit", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// defaultClient wraps the official OpenAI SDK.
type defaultClient struct {
	apiKey    string
	modelName string
	baseURL   string
}

func (c *defaultClient) newClient() (openaisdk.Client, error) {
	if c.apiKey == "" {
		return openaisdk.Client{}, errors.New("openai API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(c.apiKey)}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	return openaisdk.NewClient(opts...), nil
}

func (c *defaultClient) params(messages []model.Message) openaisdk.ChatCompletionNewParams {
	return openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	}
}

func (c *defaultClient) createChatCompletion(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	client, err := c.newClient()
	if err != nil {
		return model.ChatOut{}, err
	}
	resp, err := client.Chat.Completions.New(ctx, c.params(messages))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.ChatOut{}, nil
	}
	return model.ChatOut{Text: resp.Choices[0].Message.Content}, nil
}

func (c *defaultClient) streamChatCompletion(ctx context.Context, messages []model.Message) (<-chan model.Chunk, error) {
	client, err := c.newClient()
	if err != nil {
		return nil, err
	}
	stream := client.Chat.Completions.NewStreaming(ctx, c.params(messages))

	ch := make(chan model.Chunk, 16)
	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
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
		if err := stream.Err(); err != nil {
			ch <- model.Chunk{Err: fmt.Errorf("openai stream error: %w", err)}
		}
	}()
	return ch, nil
}

// convertMessages maps conversation messages to OpenAI's union format.
func convertMessages(messages []model.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openaisdk.SystemMessage(msg.Content)
		case model.RoleAssistant:
			result[i] = openaisdk.AssistantMessage(msg.Content)
		default:
			result[i] = openaisdk.UserMessage(msg.Content)
		}
	}
	return result
}
