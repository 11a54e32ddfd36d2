package enrich

import (
	tiktoken "github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// budgeter cuts text down to a token budget.
type budgeter interface {
	Truncate(text string, maxTokens int) string
}

// runesPerToken approximates tokenizer output for the rune fallback.
const runesPerToken = 4

type runeBudget struct{}

func (runeBudget) Truncate(text string, maxTokens int) string {
	limit := maxTokens * runesPerToken
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

type tiktokenBudget struct {
	enc *tiktoken.Tiktoken
}

func (b tiktokenBudget) Truncate(text string, maxTokens int) string {
	tokens := b.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return b.enc.Decode(tokens[:maxTokens])
}

// newBudgeter loads a tiktoken encoding for the model, falling back to
// cl100k_base and then to a rune estimate when no encoding can be loaded.
func newBudgeter(kind, model string, logger *zap.Logger) budgeter {
	if kind == "runes" {
		return runeBudget{}
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		logger.Warn("tiktoken encoding unavailable; using rune budget", zap.String("model", model), zap.Error(err))
		return runeBudget{}
	}
	return tiktokenBudget{enc: enc}
}
