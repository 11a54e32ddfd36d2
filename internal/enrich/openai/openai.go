// Package openai adapts the OpenAI chat completions API to enrich.Provider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/JakeFAU/events-ingest/internal/enrich"
)

const defaultModel = "gpt-5-nano"

// Config selects the model and credentials. BaseURL targets compatible gateways.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Provider sends one system and one user message per call.
type Provider struct {
	client oa.Client
	model  string
}

var _ enrich.Provider = (*Provider)(nil)

// New builds a client. OPENAI_API_KEY is used when cfg.APIKey is empty.
func New(cfg Config) (*Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("openai: missing API key; set enrich.api_key or OPENAI_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Provider{client: oa.NewClient(opts...), model: model}, nil
}

// Name implements enrich.Provider.
func (p *Provider) Name() string { return "openai" }

// Generate implements enrich.Provider.
func (p *Provider) Generate(ctx context.Context, req enrich.Request) (string, error) {
	params := oa.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage(req.System),
			oa.UserMessage(req.Prompt),
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = oa.Int(int64(req.MaxOutputTokens))
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
