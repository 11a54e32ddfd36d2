package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
source:
  listing_url: "https://example.com/events?page={page}"
  max_pages: 7
  selectors:
    listing_container: ".events"
  month_names:
    sausio: 1
http:
  timeout_seconds: 45
  rate_limit_rps: 0.5
run:
  concurrency: 6
  max_retries: 4
  backoff_base: 250ms
  lock_backend: redis
redis:
  addr: "localhost:6379"
enrich:
  provider: gemini
  model: gemini-2.5-flash
archive:
  backend: gcs
  bucket: pages-bucket
publisher:
  backend: pubsub
  project_id: demo
  topic: upserts
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, 7, cfg.Source.MaxPages)
	require.Equal(t, ".events", cfg.Source.Selectors.ListingContainer)
	require.Equal(t, "h1", cfg.Source.Selectors.DetailTitle, "unset selectors keep defaults")
	require.Equal(t, map[string]int{"sausio": 1}, cfg.Source.MonthNames)
	require.Equal(t, 6, cfg.Run.Concurrency)
	require.Equal(t, 250*time.Millisecond, cfg.Run.BackoffBase)
	require.Equal(t, 10*time.Second, cfg.Run.BackoffMax)
	require.Equal(t, LockRedis, cfg.Run.LockBackend)
	require.Equal(t, ProviderGemini, cfg.Enrich.Provider)
	require.Equal(t, 45*time.Second, cfg.Enrich.Timeout)
	require.Equal(t, BackendGCS, cfg.Archive.Backend)
	require.Equal(t, "upserts", cfg.Publisher.Topic)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, 45*time.Second, cfg.FetchTimeout())
}

func TestLoadDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("EVENTS_SOURCE_LISTING_URL", "https://example.com/events")
	t.Setenv("EVENTS_RUN_CONCURRENCY", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/events", cfg.Source.ListingURL)
	require.Equal(t, 2, cfg.Run.Concurrency)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, SourceHTML, cfg.Source.Kind)
	require.Equal(t, "@every 6h", cfg.Schedule.Spec)
	require.Equal(t, 2, cfg.Run.MaxRetries)
	require.Equal(t, ProviderStatic, cfg.Enrich.Provider)
	require.Equal(t, BackendNone, cfg.Archive.Backend)
}

func TestLoadRequiresListingURL(t *testing.T) {
	_, err := Load("")
	require.ErrorContains(t, err, "source.listing_url")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Source:    SourceConfig{ListingURL: "https://example.com", Kind: SourceHTML},
		HTTP:      HTTPConfig{TimeoutSeconds: 10},
		Run:       RunConfig{Concurrency: 1, LockBackend: LockLocal},
		Enrich:    EnrichConfig{Provider: ProviderStatic},
		Archive:   ArchiveConfig{Backend: BackendNone},
		Publisher: PublisherConfig{Backend: BackendNone},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown source kind", func(c *Config) { c.Source.Kind = "sitemap" }, "source.kind"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"invalid concurrency", func(c *Config) { c.Run.Concurrency = 0 }, "run.concurrency"},
		{"redis lock without addr", func(c *Config) { c.Run.LockBackend = LockRedis }, "redis.addr"},
		{"unknown provider", func(c *Config) { c.Enrich.Provider = "llama" }, "enrich.provider"},
		{"gcs without bucket", func(c *Config) { c.Archive.Backend = BackendGCS }, "archive.bucket"},
		{"pubsub without project", func(c *Config) { c.Publisher.Backend = BackendPubSub }, "publisher.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}
