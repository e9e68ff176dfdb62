package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/config"
)

// Completer sends one system+user prompt pair and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ErrLLMDisabled is returned when no API key is configured.
var ErrLLMDisabled = errors.New("llm client is not configured")

// OpenRouterClient talks to any OpenAI-compatible chat endpoint.
type OpenRouterClient struct {
	client      *openai.Client
	model       string
	temperature float32
	enabled     bool
}

var _ Completer = (*OpenRouterClient)(nil)

func NewOpenRouterClient(cfg *config.LLMConfig) *OpenRouterClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenRouterClient{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		enabled:     cfg.APIKey != "",
	}
}

// Enabled reports whether an API key is configured.
func (c *OpenRouterClient) Enabled() bool { return c != nil && c.enabled }

func (c *OpenRouterClient) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.Enabled() {
		return "", ErrLLMDisabled
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("llm completion", "model", c.model, "prompt_chars", len(user), "reply_chars", len(content),
		"total_tokens", resp.Usage.TotalTokens)
	return content, nil
}
