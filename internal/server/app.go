// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/api"
	"github.com/JakeFAU/events-ingest/internal/clock/system"
	"github.com/JakeFAU/events-ingest/internal/config"
	"github.com/JakeFAU/events-ingest/internal/enrich"
	"github.com/JakeFAU/events-ingest/internal/enrich/gemini"
	"github.com/JakeFAU/events-ingest/internal/enrich/openai"
	"github.com/JakeFAU/events-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/events-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/events-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/events-ingest/internal/fetcher/promote"
	"github.com/JakeFAU/events-ingest/internal/hash/sha256"
	"github.com/JakeFAU/events-ingest/internal/headless/detector"
	"github.com/JakeFAU/events-ingest/internal/id/uuid"
	"github.com/JakeFAU/events-ingest/internal/ingest"
	redislock "github.com/JakeFAU/events-ingest/internal/lock/redis"
	"github.com/JakeFAU/events-ingest/internal/logging"
	"github.com/JakeFAU/events-ingest/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/events-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/events-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/events-ingest/internal/run"
	"github.com/JakeFAU/events-ingest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/events-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/events-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/events-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/events-ingest/internal/storage/postgres"
	"github.com/JakeFAU/events-ingest/internal/telemetry"
)

// Version is stamped into traces; overridden at link time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      ingest.EventStore
	pgStore    *pgstore.EventStore
	controller *run.Controller
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	// closers run in reverse order on Close.
	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. On failure everything built
// so far is released.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		StdoutTraces:   cfg.Telemetry.StdoutTraces,
		GCPProjectID:   cfg.Telemetry.GCPProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("listing_url", cfg.Source.ListingURL),
		zap.String("enrich_provider", cfg.Enrich.Provider),
	)

	clock := system.New()
	if err = setupStore(ctx, app, clock); err != nil {
		return nil, err
	}
	fetcher, err := setupFetcher(app)
	if err != nil {
		return nil, err
	}
	enricher, err := setupEnricher(ctx, app)
	if err != nil {
		return nil, err
	}
	state, err := setupState(ctx, app)
	if err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.controller, err = run.New(run.Config{
		ListingURL:  cfg.Source.ListingURL,
		MaxPages:    cfg.Source.MaxPages,
		Concurrency: cfg.Run.Concurrency,
		Retry: run.RetryConfig{
			MaxRetries: cfg.Run.MaxRetries,
			BaseDelay:  cfg.Run.BackoffBase,
			MaxDelay:   cfg.Run.BackoffMax,
		},
		ArchivePrefix: cfg.Archive.Prefix,
		NotifyTopic:   cfg.Publisher.Topic,
		StoreTimeout:  cfg.Run.StoreTimeout,
	}, run.Deps{
		Fetcher:   fetcher,
		Extractor: setupExtractor(cfg),
		Dates:     extract.NewDateNormalizer(cfg.Source.MonthNames),
		Enricher:  enricher,
		Store:     app.store,
		State:     state,
		Limiter:   ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RateLimitRPS, Burst: cfg.HTTP.RateLimitBurst}),
		Archive:   archive,
		Hasher:    sha256.New(),
		Publisher: publisher,
		Clock:     clock,
		IDs:       uuid.New(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("run controller init failed: %w", err)
	}

	if cfg.Schedule.Enabled {
		app.scheduler, err = scheduler.New(scheduler.Config{
			Enabled:    true,
			Spec:       cfg.Schedule.Spec,
			RunOnStart: cfg.Schedule.RunOnStart,
		}, app.controller, logger)
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(app.controller, app.store, api.Options{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)

	return app, nil
}

// Controller exposes the run controller for one-shot commands.
func (a *App) Controller() *run.Controller {
	return a.controller
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Migrate applies pending schema migrations. It is a no-op without Postgres.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		a.logger.Warn("no database configured; nothing to migrate")
		return nil
	}
	if err := a.pgStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Run serves HTTP and the schedule until ctx is canceled or a signal arrives,
// then drains in-flight work.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.scheduler != nil {
		if err := a.scheduler.OnStart(ctx); err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.OnShutdown(shutdownCtx); err != nil {
			a.logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}
	if err := a.controller.Wait(shutdownCtx); err != nil {
		a.logger.Warn("in-flight run did not finish before shutdown", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		// stderr/stdout sync fails on some platforms; not actionable.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func setupStore(ctx context.Context, app *App, clock ingest.Clock) error {
	cfg := app.cfg.DB
	if cfg.DSN == "" {
		app.logger.Warn("no DSN specified for database, keeping events in memory")
		app.store = memorystorage.NewEventStore(clock)
		return nil
	}
	store, err := pgstore.NewEventStore(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("event store init failed: %w", err)
	}
	app.addCloser("postgres", func() error { store.Close(); return nil })
	app.pgStore = store
	app.store = store
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate on start failed: %w", err)
		}
	}
	app.logger.Info("postgres event store initialized")
	return nil
}

func setupFetcher(app *App) (ingest.Fetcher, error) {
	cfg := app.cfg
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.HTTP.UserAgent))
	if !cfg.Headless.Enabled {
		return static, nil
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		WaitSelector:      cfg.Headless.WaitSelector,
		SettleDelay:       cfg.Headless.SettleDelay,
	})
	if err != nil {
		app.logger.Warn("headless fetcher init failed; continuing without rendering", zap.Error(err))
		return static, nil
	}
	app.addCloser("headless", func() error { headless.Close(); return nil })
	app.logger.Info("using headless promotion", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	return promote.New(static, headless, detector.NewHeuristic(0), app.logger), nil
}

func setupExtractor(cfg *config.Config) ingest.Extractor {
	html := extract.New(cfg.Source.Selectors)
	if cfg.Source.Kind == config.SourceFeed {
		return extract.NewFeedExtractor(html)
	}
	return html
}

func setupEnricher(ctx context.Context, app *App) (ingest.Enricher, error) {
	cfg := app.cfg.Enrich
	var (
		provider enrich.Provider
		err      error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		provider, err = gemini.New(ctx, gemini.Config{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL})
	case config.ProviderOpenAI:
		provider, err = openai.New(openai.Config{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL})
	default:
		app.logger.Warn("using static enrichment; descriptions are copied from the page")
		provider = enrich.Static{}
	}
	if err != nil {
		return nil, fmt.Errorf("%s provider init failed: %w", cfg.Provider, err)
	}
	enricher, err := enrich.New(provider, enrich.Config{
		Model:            cfg.Model,
		Timeout:          cfg.Timeout,
		MaxPromptTokens:  cfg.MaxPromptTokens,
		MaxResponseBytes: cfg.MaxResponseBytes,
		MaxImages:        cfg.MaxImages,
		MaxTags:          cfg.MaxTags,
		Tokenizer:        cfg.Tokenizer,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("enricher init failed: %w", err)
	}
	app.logger.Info("enricher initialized", zap.String("provider", provider.Name()))
	return enricher, nil
}

func setupState(ctx context.Context, app *App) (run.StateHolder, error) {
	if app.cfg.Run.LockBackend != config.LockRedis {
		return run.NewLocalState(), nil
	}
	lock, err := redislock.NewFromConfig(ctx, redislock.Config{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
		Key:      app.cfg.Redis.Key,
		TTL:      app.cfg.Run.LockTTL,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("redis lock init failed: %w", err)
	}
	app.addCloser("redis", lock.Close)
	app.logger.Info("using redis run lock", zap.String("addr", app.cfg.Redis.Addr))
	return lock, nil
}

func setupArchive(ctx context.Context, app *App) (ingest.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.BackendGCS:
		store, closeFn, err := gcsstorage.NewFromConfig(ctx, gcsstorage.Config{
			Bucket:       cfg.Bucket,
			CacheControl: cfg.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.addCloser("gcs", closeFn)
		app.logger.Info("archiving pages to GCS", zap.String("bucket", cfg.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving pages locally", zap.String("path", cfg.Dir))
		return store, nil
	case config.BackendMemory:
		app.logger.Info("archiving pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("page archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (ingest.Publisher, error) {
	cfg := app.cfg.Publisher
	switch cfg.Backend {
	case config.BackendPubSub:
		pub, err := gcppublisher.NewFromConfig(ctx, gcppublisher.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.addCloser("pubsub", pub.Close)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("upsert notifications disabled")
		return nil, nil
	}
}
