// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/events-ingest/internal/extract"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Run       RunConfig       `mapstructure:"run"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Source kinds.
const (
	SourceHTML = "html"
	SourceFeed = "feed"
)

// SourceConfig describes the target site.
type SourceConfig struct {
	// ListingURL may contain "{page}", replaced by 1..MaxPages.
	ListingURL string            `mapstructure:"listing_url"`
	Kind       string            `mapstructure:"kind"`
	MaxPages   int               `mapstructure:"max_pages"`
	Selectors  extract.Selectors `mapstructure:"selectors"`
	// MonthNames adds locale month names, lowercased, to the date parser.
	MonthNames map[string]int `mapstructure:"month_names"`
}

// HTTPConfig configures the page fetcher and per-host politeness.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures the chromedp renderer used instead of plain HTTP.
type HeadlessConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	NavTimeoutSec int           `mapstructure:"nav_timeout_seconds"`
	WaitSelector  string        `mapstructure:"wait_selector"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
}

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// RunConfig governs a single ingestion cycle.
type RunConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	LockBackend  string        `mapstructure:"lock_backend"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// ScheduleConfig drives the cron trigger.
type ScheduleConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Spec       string `mapstructure:"spec"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// Enrichment providers.
const (
	ProviderStatic = "static"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// EnrichConfig selects and bounds the generative-text provider.
type EnrichConfig struct {
	Provider         string        `mapstructure:"provider"`
	Model            string        `mapstructure:"model"`
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxPromptTokens  int           `mapstructure:"max_prompt_tokens"`
	MaxResponseBytes int           `mapstructure:"max_response_bytes"`
	MaxImages        int           `mapstructure:"max_images"`
	MaxTags          int           `mapstructure:"max_tags"`
	Tokenizer        string        `mapstructure:"tokenizer"`
}

// DBConfig controls access to Postgres. An empty DSN keeps events in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig points at the shared run lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// Archive and publisher backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendPubSub = "pubsub"
)

// ArchiveConfig sets where raw detail pages are kept.
type ArchiveConfig struct {
	Backend      string `mapstructure:"backend"`
	Dir          string `mapstructure:"dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// PublisherConfig holds metadata for upsert notifications.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig configures tracing exporters.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	StdoutTraces bool   `mapstructure:"stdout_traces"`
	GCPProjectID string `mapstructure:"gcp_project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EVENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	sel := extract.DefaultSelectors()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("source.listing_url", "")
	v.SetDefault("source.kind", SourceHTML)
	v.SetDefault("source.max_pages", 20)
	v.SetDefault("source.selectors.listing_container", sel.ListingContainer)
	v.SetDefault("source.selectors.listing_item", sel.ListingItem)
	v.SetDefault("source.selectors.item_link", sel.ItemLink)
	v.SetDefault("source.selectors.item_title", sel.ItemTitle)
	v.SetDefault("source.selectors.item_date", sel.ItemDate)
	v.SetDefault("source.selectors.item_image", sel.ItemImage)
	v.SetDefault("source.selectors.detail_title", sel.DetailTitle)
	v.SetDefault("source.selectors.detail_date", sel.DetailDate)
	v.SetDefault("source.selectors.detail_time", sel.DetailTime)
	v.SetDefault("source.selectors.detail_location", sel.DetailLocation)
	v.SetDefault("source.selectors.detail_body", sel.DetailBody)
	v.SetDefault("source.selectors.detail_cover", sel.DetailCover)
	v.SetDefault("source.selectors.detail_gallery", sel.DetailGallery)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "events-ingest/0.1")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.max_body_bytes", 5*1024*1024)
	v.SetDefault("http.rate_limit_rps", 1.0)
	v.SetDefault("http.rate_limit_burst", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.max_retries", 2)
	v.SetDefault("run.backoff_base", "500ms")
	v.SetDefault("run.backoff_max", "10s")
	v.SetDefault("run.store_timeout", "30s")
	v.SetDefault("run.lock_backend", LockLocal)
	v.SetDefault("run.lock_ttl", "30s")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.spec", "@every 6h")
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("enrich.provider", ProviderStatic)
	v.SetDefault("enrich.timeout", "45s")
	v.SetDefault("enrich.max_prompt_tokens", 3000)
	v.SetDefault("enrich.max_response_bytes", 64*1024)
	v.SetDefault("enrich.max_images", 5)
	v.SetDefault("enrich.max_tags", 8)
	v.SetDefault("enrich.tokenizer", "tiktoken")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate_on_start", true)
	v.SetDefault("redis.key", "events-ingest:run-lock")
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.dir", "data/pages")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("publisher.backend", BackendNone)
	v.SetDefault("publisher.topic", "event-upserts")
	v.SetDefault("telemetry.service_name", "events-ingest")
	v.SetDefault("telemetry.stdout_traces", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Source.ListingURL) == "" {
		return fmt.Errorf("source.listing_url is required")
	}
	if c.Source.Kind != SourceHTML && c.Source.Kind != SourceFeed {
		return fmt.Errorf("source.kind must be %q or %q", SourceHTML, SourceFeed)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("run.max_retries must be >= 0")
	}
	switch c.Run.LockBackend {
	case LockLocal:
	case LockRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when run.lock_backend is redis")
		}
	default:
		return fmt.Errorf("run.lock_backend %q is not supported", c.Run.LockBackend)
	}
	switch c.Enrich.Provider {
	case ProviderStatic, ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("enrich.provider %q is not supported", c.Enrich.Provider)
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.Publisher.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
