// Package gemini adapts the Google Gen AI SDK to enrich.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/genai"

	"github.com/JakeFAU/events-ingest/internal/enrich"
)

const defaultModel = "gemini-2.5-flash-lite"

// Config selects the model and credentials.
type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string
}

// Provider calls Models.GenerateContent with a JSON response type.
type Provider struct {
	client *genai.Client
	model  string
}

var _ enrich.Provider = (*Provider)(nil)

// New builds a Gemini API client. GOOGLE_API_KEY is used when cfg.APIKey is empty.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("gemini: missing API key; set enrich.api_key or GOOGLE_API_KEY")
	}
	clientCfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Provider{client: client, model: model}, nil
}

// Name implements enrich.Provider.
func (p *Provider) Name() string { return "gemini" }

// Generate implements enrich.Provider.
func (p *Provider) Generate(ctx context.Context, req enrich.Request) (string, error) {
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}}
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: req.System}}},
		ResponseMIMEType:  "application/json",
	}
	if req.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = int32(min(req.MaxOutputTokens, math.MaxInt32))
	}
	res, err := p.client.Models.GenerateContent(ctx, p.model, contents, genCfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return res.Text(), nil
}
