// Package scheduler triggers ingestion cycles on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/run"
)

// DefaultSpec runs a cycle every six hours.
const DefaultSpec = "@every 6h"

// Starter launches a cycle without blocking on it.
type Starter interface {
	Start(ctx context.Context, opts run.StartOptions) (ingest.RunStatus, error)
}

// Config controls the schedule.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Spec       string `mapstructure:"spec"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// Scheduler wraps a cron runner with a single job.
type Scheduler struct {
	cfg     Config
	starter Starter
	logger  *zap.Logger
	cron    *cron.Cron

	once    sync.Once
	initErr error
}

// New parses the schedule and returns a stopped Scheduler.
func New(cfg Config, starter Starter, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("scheduler: starter is required")
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, fmt.Errorf("scheduler: parse spec %q: %w", cfg.Spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	return &Scheduler{
		cfg:     cfg,
		starter: starter,
		logger:  logger,
		cron: cron.New(
			cron.WithChain(cron.Recover(cronLogger{logger})),
			cron.WithLogger(cronLogger{logger}),
		),
	}, nil
}

// OnStart registers the job and starts the cron runner. Only the first call
// has an effect.
func (s *Scheduler) OnStart(ctx context.Context) error {
	s.once.Do(func() {
		if _, err := s.cron.AddFunc(s.cfg.Spec, func() { s.tick(context.WithoutCancel(ctx)) }); err != nil {
			s.initErr = fmt.Errorf("scheduler: register job: %w", err)
			return
		}
		s.cron.Start()
		s.logger.Info("scheduler started", zap.String("spec", s.cfg.Spec))
		if s.cfg.RunOnStart {
			go s.tick(context.WithoutCancel(ctx))
		}
	})
	return s.initErr
}

// OnShutdown stops the cron runner and waits for a tick in flight, bounded by ctx.
func (s *Scheduler) OnShutdown(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: wait for running job: %w", ctx.Err())
	}
}

// Entries reports the registered jobs; used by status endpoints and tests.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

func (s *Scheduler) tick(ctx context.Context) {
	status, err := s.starter.Start(ctx, run.StartOptions{})
	switch {
	case errors.Is(err, ingest.ErrAlreadyRunning):
		s.logger.Debug("scheduled run skipped; a cycle is in progress", zap.String("run_id", status.RunID))
	case err != nil:
		s.logger.Error("scheduled run failed to start", zap.Error(err))
	default:
		s.logger.Info("scheduled run started", zap.String("run_id", status.RunID))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
