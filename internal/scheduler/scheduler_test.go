package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/run"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeStarter) Start(context.Context, run.StartOptions) (ingest.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return ingest.RunStatus{RunID: "run-1"}, f.err
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewRejectsBadSpec(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Spec: "not a schedule"}, &fakeStarter{}, nil)
	require.Error(t, err)

	_, err = New(Config{}, nil, nil)
	require.EqualError(t, err, "scheduler: starter is required")
}

func TestOnStartRegistersOnce(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Spec: "@every 1h"}, &fakeStarter{}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.OnStart(ctx))
	require.NoError(t, s.OnStart(ctx))
	require.Len(t, s.Entries(), 1)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.OnShutdown(shutdownCtx))
}

func TestRunOnStartTriggersImmediately(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s, err := New(Config{Spec: "@every 1h", RunOnStart: true}, starter, nil)
	require.NoError(t, err)
	require.NoError(t, s.OnStart(context.Background()))
	t.Cleanup(func() { _ = s.OnShutdown(context.Background()) })

	require.Eventually(t, func() bool { return starter.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTickSwallowsAlreadyRunning(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	starter := &fakeStarter{err: &ingest.AlreadyRunningError{RunID: "run-0"}}
	s, err := New(Config{}, starter, zap.New(core))
	require.NoError(t, err)

	s.tick(context.Background())

	require.Equal(t, 1, starter.count())
	require.Equal(t, 1, logs.FilterMessage("scheduled run skipped; a cycle is in progress").Len())
	require.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
}
