package run

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/storage/memory"
)

func seedSite(t *testing.T) *site {
	t.Helper()
	s := newSite(t)
	s.addPage(1, "market", "concert", "gone")
	s.addPage(2, "market")
	s.addDetail("market", "Winter Market", "15–18 January 2026", "Fresh bread and cheese.")
	s.addDetail("concert", "Organ Concert", "March 5, 2026", "Bach in the cathedral.")
	return s
}

func TestRunOnceStoresEveryReachableEvent(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	h := newHarness(t, s, staticEnricher(t), nil)

	status, err := h.ctrl.RunOnce(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Equal(t, ingest.RunStateCompleted, status.State)
	require.Equal(t, ingest.RunOutcomeCompleted, status.LastOutcome)
	require.False(t, status.IsRunning)
	require.Equal(t, 2, status.PagesScanned)
	require.Equal(t, 3, status.Discovered)
	require.Equal(t, 2, status.Processed)
	require.Equal(t, 1, status.Failed)
	require.Contains(t, status.LastError, "404")
	require.NotNil(t, status.FinishedAt)

	events := h.store.Events()
	require.Len(t, events, 2)
	for _, ev := range events {
		require.True(t, ev.IsFullyScraped, ev.SourceURL)
		require.False(t, ev.IsEnded, ev.SourceURL)
		require.NotEmpty(t, ev.Description, ev.SourceURL)
		require.Equal(t, []string{"event"}, ev.Tags)
	}

	market, err := h.store.Get(context.Background(), s.url("market"))
	require.NoError(t, err)
	require.Equal(t, "Winter Market", market.Title)
	require.Equal(t, "Old Town Hall", market.Location)
	require.Equal(t, ingest.MonthSet{"2026-01"}, market.MonthWrapped)
	require.Equal(t, "Fresh bread and cheese.", market.Description)

	images, err := h.store.Images(context.Background(), market.ID)
	require.NoError(t, err)
	require.Equal(t, []string{s.server.URL + "/img/market-1.jpg", s.server.URL + "/img/market-2.jpg"}, images)

	_, err = h.store.Get(context.Background(), s.url("gone"))
	require.ErrorIs(t, err, ingest.ErrNotFound)

	paths := h.blobs.Paths()
	require.Len(t, paths, 2)
	for _, p := range paths {
		require.True(t, strings.HasPrefix(p, "pages/run-1/"), p)
		require.True(t, strings.HasSuffix(p, ".html"), p)
	}

	notes := h.publisher.Notifications("event-upserts")
	require.Len(t, notes, 2)
	for _, n := range notes {
		require.Equal(t, ingest.OutcomeInserted, n.Outcome)
		require.Equal(t, "run-1", n.RunID)
		require.True(t, n.IsFullyScraped)
		require.NotEmpty(t, n.ArchiveURI)
	}
}

func TestRerunSkipsFullyScrapedAndRescrapeRefreshes(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	enricher := &scriptedEnricher{version: 1}
	h := newHarness(t, s, enricher, nil)
	ctx := context.Background()

	_, err := h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, enricher.callCount())
	marketHits := s.hitCount("/e/market")

	enricher.version = 2
	status, err := h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, status.Skipped)
	require.Equal(t, 0, status.Processed)
	require.Equal(t, 1, status.Failed)
	require.Equal(t, 2, enricher.callCount())
	require.Equal(t, marketHits, s.hitCount("/e/market"))

	market, err := h.store.Get(ctx, s.url("market"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(market.DescriptionMarkdown, "# v1"))
	require.Len(t, h.publisher.Notifications("event-upserts"), 2)

	status, err = h.ctrl.RunOnce(ctx, StartOptions{Rescrape: true})
	require.NoError(t, err)
	require.True(t, status.Rescrape)
	require.Equal(t, 2, status.Processed)
	require.Equal(t, 4, enricher.callCount())

	market, err = h.store.Get(ctx, s.url("market"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(market.DescriptionMarkdown, "# v2"))

	notes := h.publisher.Notifications("event-upserts")
	require.Len(t, notes, 4)
	require.Equal(t, ingest.OutcomeUpdated, notes[3].Outcome)
}

func TestRerunRefreshesEndedFlag(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	h := newHarness(t, s, staticEnricher(t), nil)
	ctx := context.Background()

	_, err := h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)

	h.clock.Set(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	status, err := h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, status.Skipped)

	market, err := h.store.Get(ctx, s.url("market"))
	require.NoError(t, err)
	require.True(t, market.IsEnded)
	require.True(t, market.IsFullyScraped)

	concert, err := h.store.Get(ctx, s.url("concert"))
	require.NoError(t, err)
	require.False(t, concert.IsEnded)
}

func TestStartIsSingleFlight(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	h := newHarness(t, s, staticEnricher(t), nil)
	ctx := context.Background()

	first, err := h.ctrl.Start(ctx, StartOptions{})
	require.NoError(t, err)
	require.True(t, first.IsRunning)
	require.Equal(t, "run-1", first.RunID)

	_, err = h.ctrl.Start(ctx, StartOptions{})
	require.ErrorIs(t, err, ingest.ErrAlreadyRunning)
	var already *ingest.AlreadyRunningError
	require.True(t, errors.As(err, &already))
	require.Equal(t, "run-1", already.RunID)

	_, err = h.ctrl.RunOnce(ctx, StartOptions{})
	require.ErrorIs(t, err, ingest.ErrAlreadyRunning)
	require.Equal(t, ingest.RunStateRunning, h.ctrl.Status().State)

	close(gate)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Wait(waitCtx))

	final := h.ctrl.Status()
	require.Equal(t, ingest.RunStateCompleted, final.State)
	require.Equal(t, "run-1", final.RunID)

	again, err := h.ctrl.Start(ctx, StartOptions{})
	require.NoError(t, err)
	require.NotEqual(t, "run-1", again.RunID)
	require.NoError(t, h.ctrl.Wait(waitCtx))
}

func TestConcurrentStartsTransitionOnce(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	h := newHarness(t, s, staticEnricher(t), nil)
	ctx := context.Background()

	const callers = 8
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		errs  = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, errs[i] = h.ctrl.Start(ctx, StartOptions{})
		}(i)
	}
	close(ready)
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		require.ErrorIs(t, err, ingest.ErrAlreadyRunning)
	}
	require.Equal(t, 1, started)

	close(gate)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Wait(waitCtx))

	final := h.ctrl.Status()
	require.Equal(t, ingest.RunStateCompleted, final.State)
	require.Equal(t, 3, final.Discovered)
	require.Equal(t, 2, final.Processed)
	require.Equal(t, 1, final.Failed)
}

// observedState records whether the run was still reported as running when
// the state was released.
type observedState struct {
	*LocalState
	ctrl             *Controller
	runningOnRelease []bool
}

func (s *observedState) Release(ctx context.Context, runID string) error {
	s.runningOnRelease = append(s.runningOnRelease, s.ctrl.Status().IsRunning)
	return s.LocalState.Release(ctx, runID)
}

func TestStateReleasedBeforeIdleIsPublished(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	state := &observedState{LocalState: NewLocalState()}
	h := newHarness(t, s, staticEnricher(t), func(_ *Config, deps *Deps) {
		deps.State = state
	})
	state.ctrl = h.ctrl

	status, err := h.ctrl.RunOnce(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.False(t, status.IsRunning)
	require.Equal(t, []bool{true}, state.runningOnRelease)

	ok, err := state.TryAcquire(context.Background(), "next")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConnectionLossAbortsCycle(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	slugs := []string{"a", "b", "c", "d", "e", "f"}
	s.addPage(1, slugs[:3]...)
	s.addPage(2, slugs[3:]...)
	for _, slug := range slugs {
		s.addDetail(slug, "Event "+slug, "March 5, 2026", "Body "+slug)
	}
	h := newHarness(t, s, staticEnricher(t), func(cfg *Config, _ *Deps) {
		cfg.Concurrency = 1
	})
	h.store.SetFaults(memory.Faults{Upsert: func(ingest.Event) error {
		return &ingest.StoreError{Op: "upsert", Connection: true, Cause: errors.New("connection refused")}
	}})

	status, err := h.ctrl.RunOnce(context.Background(), StartOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
	require.Equal(t, ingest.RunStateFailed, status.State)
	require.Equal(t, ingest.RunOutcomeFailed, status.LastOutcome)
	require.Less(t, status.Discovered, len(slugs))
	require.Empty(t, h.store.Events())
	require.Empty(t, h.publisher.Messages())
}

func TestListingLayoutChangeStopsDiscovery(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	s.mu.Lock()
	s.broken[2] = true
	s.mu.Unlock()
	h := newHarness(t, s, staticEnricher(t), nil)

	status, err := h.ctrl.RunOnce(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Equal(t, ingest.RunStateCompleted, status.State)
	require.Equal(t, 1, status.PagesScanned)
	require.Equal(t, 3, status.Discovered)
	require.Equal(t, 2, status.Processed)
	require.Len(t, h.store.Events(), 2)
}

func TestBrokenFirstListingFailsRun(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	s.mu.Lock()
	s.broken[1] = true
	s.mu.Unlock()
	h := newHarness(t, s, staticEnricher(t), nil)

	status, err := h.ctrl.RunOnce(context.Background(), StartOptions{})
	require.Error(t, err)
	require.Equal(t, ingest.RunStateFailed, status.State)
	require.Contains(t, status.LastError, "listing container not found")
	require.Zero(t, status.Discovered)
}

func TestEnrichmentFailureLeavesNoNewRow(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	enricher := &scriptedEnricher{
		version: 1,
		failFor: map[string]error{
			"Bach": &ingest.EnrichmentError{Reason: "malformed output", Retryable: true},
		},
	}
	h := newHarness(t, s, enricher, nil)
	ctx := context.Background()

	status, err := h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, status.Processed)
	require.Equal(t, 2, status.Failed)
	// one success, then the first attempt plus two retries
	require.Equal(t, 4, enricher.callCount())

	_, err = h.store.Get(ctx, s.url("concert"))
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.Len(t, h.store.Events(), 1)

	enricher.failFor = nil
	status, err = h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, status.Processed)
	require.Equal(t, 1, status.Skipped)

	concert, err := h.store.Get(ctx, s.url("concert"))
	require.NoError(t, err)
	require.True(t, concert.IsFullyScraped)
}

func TestEnrichmentFailureRefreshesExistingPartialRow(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	enricher := &scriptedEnricher{
		version: 1,
		failFor: map[string]error{
			"Bach": &ingest.EnrichmentError{Reason: "timeout", Retryable: true},
		},
	}
	h := newHarness(t, s, enricher, nil)
	ctx := context.Background()

	_, err := h.store.Upsert(ctx, ingest.Event{SourceURL: s.url("concert"), Title: "Concert (draft)"}, ingest.UpsertOptions{})
	require.NoError(t, err)

	status, err := h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, status.Failed)

	concert, err := h.store.Get(ctx, s.url("concert"))
	require.NoError(t, err)
	require.False(t, concert.IsFullyScraped)
	require.Equal(t, "Organ Concert", concert.Title)
	require.Empty(t, concert.Description)
}

// panicEnricher blows up on one page's body.
type panicEnricher struct {
	next   ingest.Enricher
	needle string
}

func (e *panicEnricher) Enrich(ctx context.Context, rawText string, images []string) (ingest.Enrichment, error) {
	if strings.Contains(rawText, e.needle) {
		panic("enricher exploded")
	}
	return e.next.Enrich(ctx, rawText, images)
}

func TestPanickingItemCountsAsFailure(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	h := newHarness(t, s, &panicEnricher{next: staticEnricher(t), needle: "Bach"}, nil)
	ctx := context.Background()

	status, err := h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, ingest.RunStateCompleted, status.State)
	require.Equal(t, 3, status.Discovered)
	require.Equal(t, 1, status.Processed)
	require.Equal(t, 2, status.Failed)
	require.NotEmpty(t, status.LastError)

	_, err = h.store.Get(ctx, s.url("concert"))
	require.ErrorIs(t, err, ingest.ErrNotFound)

	// the controller is usable afterwards
	_, err = h.ctrl.RunOnce(ctx, StartOptions{})
	require.NoError(t, err)
}

func TestSinglePageListingWithoutPlaceholder(t *testing.T) {
	t.Parallel()

	s := seedSite(t)
	h := newHarness(t, s, staticEnricher(t), func(cfg *Config, _ *Deps) {
		cfg.ListingURL = s.server.URL + "/events?page=1"
	})

	status, err := h.ctrl.RunOnce(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, status.PagesScanned)
	require.Equal(t, 3, status.Discovered)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.EqualError(t, err, "listing url is required")

	_, err = New(Config{ListingURL: "http://example.test"}, Deps{})
	require.EqualError(t, err, "fetcher is required")
}
