// Package llm wraps an OpenAI-compatible chat completion API. Gemini's
// compatibility endpoint and local models both satisfy the same
// contract, so the base URL decides the provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/incidentlabs/rcacoach/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoAPIKey indicates the LLM credential is absent. This is a hard
// configuration error; nothing can be processed without it.
var ErrNoAPIKey = errors.New("LLM API key not configured")

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client. The API key is mandatory.
func New(baseURL, apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

// Chat sends the persona instructions, the running conversation history,
// and the current turn's context prompt, returning the interviewer's
// reply text. The call blocks until the provider responds; cancellation
// is the transport's concern via ctx.
func (c *Client) Chat(ctx context.Context, system string, history []model.ChatMessage, prompt string) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleInterviewer {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("LLM chat call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM chat response", "chars", len(raw))
	return raw, nil
}

// Generate runs a single-prompt completion, requesting JSON output.
// Callers still parse defensively; models wrap JSON in prose anyway.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("LLM generate call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM generate response", "chars", len(raw))
	return raw, nil
}

// Ping verifies the endpoint is reachable and the credential works.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}
