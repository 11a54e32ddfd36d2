package run

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

// RetryConfig bounds per-step retries.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"backoff_base"`
	MaxDelay   time.Duration `mapstructure:"backoff_max"`
}

// retryPolicy retries temporary fetch failures and retryable enrichment
// failures with jittered exponential backoff.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryPolicy(cfg RetryConfig) retryPolicy {
	p := retryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 500 * time.Millisecond
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = 10 * p.baseDelay
	}
	return p
}

// shouldRetry reports whether attempt (0-based) may be followed by another.
func (p retryPolicy) shouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *ingest.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Temporary()
	}
	var enrichErr *ingest.EnrichmentError
	if errors.As(err, &enrichErr) {
		return enrichErr.Retryable
	}
	return false
}

// backoff returns the wait before attempt+1: half the capped exponential
// delay plus up to the same amount of jitter.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func errorKind(err error) string {
	var fetchErr *ingest.FetchError
	if errors.As(err, &fetchErr) {
		return "fetch"
	}
	var enrichErr *ingest.EnrichmentError
	if errors.As(err, &enrichErr) {
		return "enrich"
	}
	return "other"
}
