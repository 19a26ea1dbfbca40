package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/karakuri/internal/llm/contract"

	"github.com/sashabaranov/go-openai"
)

// Provider serves OpenAI and any OpenAI-compatible endpoint such as Ollama.
type Provider struct {
	client *openai.Client
	kind   string
}

func New(apiKey, baseURL, kind string) *Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if kind == "" {
		kind = "openai"
	}
	return &Provider{client: openai.NewClientWithConfig(cfg), kind: kind}
}

func (p *Provider) Type() string {
	return p.kind
}

func (p *Provider) Generate(ctx context.Context, req contract.Request) (*contract.Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.kind, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.kind)
	}

	return &contract.Response{Content: resp.Choices[0].Message.Content, Model: req.Model}, nil
}
