package enrich

import (
	"context"
	"encoding/json"
	"strings"
)

// Static is an offline Provider. It answers with the first paragraph of the
// source text and no tags, which keeps dev runs free of API keys.
type Static struct {
	// Tags are attached to every answer.
	Tags []string
}

// Name implements Provider.
func (Static) Name() string { return "static" }

// Generate implements Provider.
func (s Static) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	paragraphs := strings.Split(strings.TrimSpace(req.RawText), "\n\n")
	first := strings.Join(strings.Fields(paragraphs[0]), " ")

	var md strings.Builder
	for _, p := range paragraphs {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			md.WriteString(p)
			md.WriteString("\n\n")
		}
	}
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	out, err := json.Marshal(map[string]any{
		"description": first,
		"markdown":    strings.TrimSpace(md.String()),
		"tags":        tags,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
