// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/olegiv/xray-audit/internal/store"
)

const systemPrompt = "You are an SRE security analyst. Summarize proxy error logs concisely. " +
	"Output sections: Overview, Risks, Likely causes, Suggested actions. " +
	"Use bullet lists and include counts."

// OpenAIConfig points at any OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAISummarizer asks a chat model for the digest text.
type OpenAISummarizer struct {
	client openai.Client
	model  string
}

// NewOpenAISummarizer creates a summarizer. BaseURL and Model are required.
func NewOpenAISummarizer(cfg OpenAIConfig) (*OpenAISummarizer, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	model := strings.TrimSpace(cfg.Model)
	if base == "" || model == "" {
		return nil, fmt.Errorf("%w: base URL and model are required", ErrNotConfigured)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	opts := []option.RequestOption{
		option.WithBaseURL(base + "/"),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &OpenAISummarizer{client: openai.NewClient(opts...), model: model}, nil
}

// Summarize implements Summarizer.
func (s *OpenAISummarizer) Summarize(ctx context.Context, sum store.ErrorSummary) (string, error) {
	prompt, err := userPrompt(sum)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("chat completion returned empty content")
	}
	return text, nil
}

func userPrompt(sum store.ErrorSummary) (string, error) {
	b, err := json.Marshal(sum)
	if err != nil {
		return "", fmt.Errorf("encoding summary: %w", err)
	}
	return "Summarize the following proxy error aggregates and give actionable advice:\n" + string(b), nil
}
