// Package run drives one ingestion cycle at a time: discovery over listing
// pages, then a bounded pool of per-item pipelines (fetch, extract, enrich,
// upsert, archive, notify). A StateHolder makes Start single-flight.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/clock/system"
	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/telemetry"
)

// DateNormalizer turns free-text dates into a DateRange.
type DateNormalizer interface {
	Normalize(raw string, now time.Time) ingest.DateRange
}

// RateLimiter delays a fetch until the host's budget allows it.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls discovery, concurrency, retries, and side outputs.
type Config struct {
	// ListingURL is the listing page URL; "{page}" is replaced by 1..MaxPages.
	// Without the placeholder only one page is read.
	ListingURL    string        `mapstructure:"listing_url"`
	MaxPages      int           `mapstructure:"max_pages"`
	Concurrency   int           `mapstructure:"concurrency"`
	Retry         RetryConfig   `mapstructure:",squash"`
	ArchivePrefix string        `mapstructure:"archive_prefix"`
	NotifyTopic   string        `mapstructure:"notify_topic"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
}

const (
	defaultMaxPages     = 20
	defaultConcurrency  = 4
	defaultStoreTimeout = 30 * time.Second
	pagePlaceholder     = "{page}"
)

// Deps are the collaborators of a Controller. Limiter, Archive, Hasher, and
// Publisher are optional.
type Deps struct {
	Fetcher   ingest.Fetcher
	Extractor ingest.Extractor
	Dates     DateNormalizer
	Enricher  ingest.Enricher
	Store     ingest.EventStore
	State     StateHolder
	Limiter   RateLimiter
	Archive   ingest.BlobStore
	Hasher    ingest.Hasher
	Publisher ingest.Publisher
	Clock     ingest.Clock
	IDs       ingest.IDGenerator
	Logger    *zap.Logger
}

// StartOptions tune one cycle.
type StartOptions struct {
	// Rescrape re-fetches and re-enriches rows that are already fully scraped.
	Rescrape bool
}

// Controller owns the run status and launches cycles.
type Controller struct {
	cfg    Config
	deps   Deps
	retry  retryPolicy
	logger *zap.Logger

	mu     sync.RWMutex
	status ingest.RunStatus

	wg sync.WaitGroup
}

// New validates deps and returns an idle Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case cfg.ListingURL == "":
		return nil, errors.New("listing url is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Dates == nil:
		return nil, errors.New("date normalizer is required")
	case deps.Enricher == nil:
		return nil, errors.New("enricher is required")
	case deps.Store == nil:
		return nil, errors.New("event store is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Archive != nil && deps.Hasher == nil:
		return nil, errors.New("hasher is required when archiving")
	}
	if deps.State == nil {
		deps.State = NewLocalState()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		retry:  newRetryPolicy(cfg.Retry),
		logger: deps.Logger.Named("run"),
		status: ingest.RunStatus{State: ingest.RunStateIdle},
	}, nil
}

// Status returns a snapshot of the current or last cycle.
func (c *Controller) Status() ingest.RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start launches a cycle in the background and returns at once. It returns
// an error matching ingest.ErrAlreadyRunning when a cycle holds the state.
// The cycle does not inherit ctx's cancellation.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (ingest.RunStatus, error) {
	runID, err := c.acquire(ctx, opts)
	if err != nil {
		return c.Status(), err
	}
	snapshot := c.Status()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(context.WithoutCancel(ctx), runID, opts)
	}()
	return snapshot, nil
}

// RunOnce runs a cycle and blocks until it finishes.
func (c *Controller) RunOnce(ctx context.Context, opts StartOptions) (ingest.RunStatus, error) {
	runID, err := c.acquire(ctx, opts)
	if err != nil {
		return c.Status(), err
	}
	final := c.execute(context.WithoutCancel(ctx), runID, opts)
	if final.State == ingest.RunStateFailed {
		return final, fmt.Errorf("run %s failed: %s", runID, final.LastError)
	}
	return final, nil
}

// Wait blocks until background cycles started by Start have finished or ctx
// is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) acquire(ctx context.Context, opts StartOptions) (string, error) {
	runID, err := c.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	ok, err := c.deps.State.TryAcquire(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("acquire run state: %w", err)
	}
	if !ok {
		current := c.Status()
		alreadyErr := &ingest.AlreadyRunningError{}
		if current.IsRunning {
			alreadyErr.RunID = current.RunID
			if current.StartedAt != nil {
				alreadyErr.StartedAt = *current.StartedAt
			}
		}
		return "", alreadyErr
	}

	started := c.deps.Clock.Now()
	c.mu.Lock()
	c.status = ingest.RunStatus{
		RunID:     runID,
		State:     ingest.RunStateRunning,
		IsRunning: true,
		Rescrape:  opts.Rescrape,
		StartedAt: &started,
	}
	c.mu.Unlock()
	return runID, nil
}

// execute runs one cycle and returns its final status.
func (c *Controller) execute(ctx context.Context, runID string, opts StartOptions) ingest.RunStatus {
	logger := c.logger.With(zap.String("run_id", runID))
	ctx, span := telemetry.Tracer().Start(ctx, "run.cycle")
	span.SetAttributes(attribute.String("run.id", runID), attribute.Bool("run.rescrape", opts.Rescrape))
	defer span.End()

	telemetry.ObserveRunStarted()
	logger.Info("run started", zap.Bool("rescrape", opts.Rescrape))

	var (
		err      error
		panicked any
	)
	func() {
		defer func() { panicked = recover() }()
		err = c.cycle(ctx, runID, opts, logger)
	}()
	if panicked != nil {
		err = fmt.Errorf("run panicked: %v", panicked)
	}

	outcome := ingest.RunOutcomeCompleted
	state := ingest.RunStateCompleted
	if err != nil {
		outcome = ingest.RunOutcomeFailed
		state = ingest.RunStateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	// The state is released before the idle edge is published, so a Start
	// that sees IsRunning=false can acquire it. A run started in between owns
	// c.status from then on.
	final := c.Status()
	if relErr := c.deps.State.Release(ctx, runID); relErr != nil {
		logger.Error("release run state failed", zap.Error(relErr))
	}
	finished := c.deps.Clock.Now()
	c.mu.Lock()
	final.State = state
	final.IsRunning = false
	final.FinishedAt = &finished
	final.LastOutcome = outcome
	if err != nil {
		final.LastError = err.Error()
	}
	if c.status.RunID == runID {
		c.status = final
	}
	c.mu.Unlock()

	telemetry.ObserveRunFinished(string(outcome))

	fields := []zap.Field{
		zap.String("outcome", string(outcome)),
		zap.Int("pages", final.PagesScanned),
		zap.Int("discovered", final.Discovered),
		zap.Int("processed", final.Processed),
		zap.Int("skipped", final.Skipped),
		zap.Int("failed", final.Failed),
		zap.Duration("duration", finished.Sub(*final.StartedAt)),
	}
	if err != nil {
		logger.Error("run finished", append(fields, zap.Error(err))...)
		return final
	}
	logger.Info("run finished", fields...)
	return final
}

func (c *Controller) update(fn func(*ingest.RunStatus)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

// recordError keeps the first error of the cycle in LastError.
func (c *Controller) recordError(err error) {
	c.update(func(s *ingest.RunStatus) {
		if s.LastError == "" {
			s.LastError = err.Error()
		}
	})
}
