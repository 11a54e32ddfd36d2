// Package enrich turns raw event text into a description, markdown, and tags
// through a generative-text provider. Model output is untrusted: it is bounded,
// stripped of code fences, and validated against a JSON schema before use.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/yuin/goldmark"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/telemetry"
)

// Request is what a Provider receives for one event.
type Request struct {
	System  string
	Prompt  string
	RawText string
	Images  []string
	// MaxOutputTokens is the provider-side cap derived from the response
	// byte ceiling. The byte ceiling is still checked on the result.
	MaxOutputTokens int
}

// Provider is a generative-text backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Config bounds a single enrichment call.
type Config struct {
	Model            string        `mapstructure:"model"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxPromptTokens  int           `mapstructure:"max_prompt_tokens"`
	MaxResponseBytes int           `mapstructure:"max_response_bytes"`
	MaxImages        int           `mapstructure:"max_images"`
	MaxTags          int           `mapstructure:"max_tags"`
	// Tokenizer is "tiktoken" (default) or "runes".
	Tokenizer string `mapstructure:"tokenizer"`
}

const (
	defaultTimeout          = 45 * time.Second
	defaultMaxPromptTokens  = 3000
	defaultMaxResponseBytes = 64 << 10
	defaultMaxImages        = 5
	defaultMaxTags          = 8
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxPromptTokens <= 0 {
		c.MaxPromptTokens = defaultMaxPromptTokens
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = defaultMaxResponseBytes
	}
	if c.MaxImages < 0 {
		c.MaxImages = 0
	} else if c.MaxImages == 0 {
		c.MaxImages = defaultMaxImages
	}
	if c.MaxTags <= 0 {
		c.MaxTags = defaultMaxTags
	}
	return c
}

const systemPrompt = `You write listings for an events calendar.
Reply with one JSON object and nothing else. Keys:
  "description": two or three plain sentences summarising the event.
  "markdown": a fuller description in Markdown (headings, lists allowed, no images).
  "tags": short lowercase category words such as "music", "festival", "kids".
  "latitude", "longitude": numbers only if the text states the venue coordinates, else null.
Use only facts present in the text. Keep the language of the source text.`

const outputSchema = `{
  "type": "object",
  "required": ["markdown", "tags"],
  "properties": {
    "description": {"type": "string"},
    "markdown": {"type": "string", "minLength": 1},
    "tags": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "latitude": {"type": ["number", "null"], "minimum": -90, "maximum": 90},
    "longitude": {"type": ["number", "null"], "minimum": -180, "maximum": 180}
  }
}`

// Enricher implements ingest.Enricher on top of a Provider.
type Enricher struct {
	provider Provider
	cfg      Config
	budget   budgeter
	schema   *jsonschema.Schema
	markdown goldmark.Markdown
	logger   *zap.Logger
}

var _ ingest.Enricher = (*Enricher)(nil)

// New compiles the output schema and returns an Enricher.
func New(provider Provider, cfg Config, logger *zap.Logger) (*Enricher, error) {
	if provider == nil {
		return nil, errors.New("enrich: provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	schema, err := compileSchema(outputSchema)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	return &Enricher{
		provider: provider,
		cfg:      cfg,
		budget:   newBudgeter(cfg.Tokenizer, cfg.Model, logger),
		schema:   schema,
		markdown: goldmark.New(),
		logger:   logger,
	}, nil
}

func compileSchema(doc string) (*jsonschema.Schema, error) {
	var parsed any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://enrichment.json", parsed); err != nil {
		return nil, err
	}
	return c.Compile("mem://enrichment.json")
}

// Enrich calls the provider once and validates its answer.
func (e *Enricher) Enrich(ctx context.Context, rawText string, images []string) (ingest.Enrichment, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "enrich")
	defer span.End()
	span.SetAttributes(attribute.String("enrich.provider", e.provider.Name()))

	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		err := &ingest.EnrichmentError{Reason: "no source text"}
		span.SetStatus(codes.Error, err.Error())
		return ingest.Enrichment{}, err
	}

	req := e.buildRequest(rawText, images)
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := e.provider.Generate(callCtx, req)
	if err != nil {
		telemetry.ObserveEnrich(e.provider.Name(), "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		return ingest.Enrichment{}, &ingest.EnrichmentError{Reason: "provider call", Retryable: true, Cause: err}
	}

	result, err := e.parse(out)
	if err != nil {
		telemetry.ObserveEnrich(e.provider.Name(), "invalid", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid output")
		e.logger.Debug("enrichment output rejected",
			zap.String("provider", e.provider.Name()),
			zap.Int("bytes", len(out)),
			zap.Error(err),
		)
		return ingest.Enrichment{}, err
	}
	telemetry.ObserveEnrich(e.provider.Name(), "ok", time.Since(start))
	return result, nil
}

func (e *Enricher) buildRequest(rawText string, images []string) Request {
	text := e.budget.Truncate(rawText, e.cfg.MaxPromptTokens)
	kept := make([]string, 0, e.cfg.MaxImages)
	for _, img := range images {
		if len(kept) == e.cfg.MaxImages {
			break
		}
		if img = strings.TrimSpace(img); img != "" {
			kept = append(kept, img)
		}
	}

	var b strings.Builder
	b.WriteString("Event text:\n")
	b.WriteString(text)
	if len(kept) > 0 {
		b.WriteString("\n\nImage URLs:\n")
		for _, img := range kept {
			b.WriteString("- ")
			b.WriteString(img)
			b.WriteByte('\n')
		}
	}
	return Request{
		System:          systemPrompt,
		Prompt:          b.String(),
		RawText:         text,
		Images:          kept,
		MaxOutputTokens: outputTokenCap(e.cfg.MaxResponseBytes),
	}
}

// outputTokenCap converts a byte ceiling to a token cap at roughly four
// bytes per token.
func outputTokenCap(maxBytes int) int {
	if maxBytes <= 0 {
		return 0
	}
	return max(maxBytes/4, 1)
}

type modelOutput struct {
	Description string   `json:"description"`
	Markdown    string   `json:"markdown"`
	Tags        []string `json:"tags"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

func (e *Enricher) parse(out string) (ingest.Enrichment, error) {
	if len(out) > e.cfg.MaxResponseBytes {
		return ingest.Enrichment{}, &ingest.EnrichmentError{
			Reason:    fmt.Sprintf("response of %d bytes exceeds %d", len(out), e.cfg.MaxResponseBytes),
			Retryable: true,
		}
	}
	body := stripFences(out)
	if body == "" {
		return ingest.Enrichment{}, &ingest.EnrichmentError{Reason: "empty response", Retryable: true}
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return ingest.Enrichment{}, &ingest.EnrichmentError{Reason: "malformed json", Retryable: true, Cause: err}
	}
	if err := e.schema.Validate(doc); err != nil {
		return ingest.Enrichment{}, &ingest.EnrichmentError{Reason: "schema mismatch", Retryable: true, Cause: err}
	}
	var parsed modelOutput
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return ingest.Enrichment{}, &ingest.EnrichmentError{Reason: "malformed json", Retryable: true, Cause: err}
	}

	markdown := strings.TrimSpace(parsed.Markdown)
	description := strings.TrimSpace(parsed.Description)
	if description == "" {
		text, err := e.plainText(markdown)
		if err != nil {
			return ingest.Enrichment{}, &ingest.EnrichmentError{Reason: "render markdown", Retryable: false, Cause: err}
		}
		description = text
	}
	if description == "" {
		return ingest.Enrichment{}, &ingest.EnrichmentError{Reason: "empty description", Retryable: true}
	}

	result := ingest.Enrichment{
		Description: description,
		Markdown:    markdown,
		Tags:        normalizeTags(parsed.Tags, e.cfg.MaxTags),
	}
	// Coordinates are only trusted as a pair.
	if parsed.Latitude != nil && parsed.Longitude != nil {
		result.Latitude = parsed.Latitude
		result.Longitude = parsed.Longitude
	}
	return result, nil
}

// plainText renders markdown to HTML and returns its visible text.
func (e *Enricher) plainText(markdown string) (string, error) {
	if markdown == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

func stripFences(out string) string {
	out = strings.TrimSpace(out)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	lines := strings.Split(out, "\n")
	end := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[1:end], "\n"))
}

func normalizeTags(tags []string, limit int) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == limit {
			break
		}
	}
	return out
}
