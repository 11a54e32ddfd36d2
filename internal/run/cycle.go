package run

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/telemetry"
)

// abortSignal records the first cycle-fatal error.
type abortSignal struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newAbortSignal() *abortSignal {
	return &abortSignal{done: make(chan struct{})}
}

func (a *abortSignal) trip(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *abortSignal) tripped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// cycle discovers listing items page by page and feeds them to a bounded
// pool. Items already dispatched always run to completion; a connection-level
// store error stops further dispatch and fails the cycle.
func (c *Controller) cycle(ctx context.Context, runID string, opts StartOptions, logger *zap.Logger) error {
	abort := newAbortSignal()
	pool := new(errgroup.Group)
	pool.SetLimit(c.cfg.Concurrency)

	seen := make(map[string]struct{})
	var discoveryErr error

pages:
	for page := 1; page <= c.lastPage(); page++ {
		if abort.tripped() {
			break
		}
		pageURL := c.pageURL(page)
		items, err := c.listPage(ctx, runID, pageURL)
		if err != nil {
			discoveryErr = err
			logger.Warn("listing page failed; stopping discovery", zap.Int("page", page), zap.String("url", pageURL), zap.Error(err))
			c.recordError(err)
			break
		}
		c.update(func(s *ingest.RunStatus) { s.PagesScanned++ })

		fresh := make([]ingest.ListingItem, 0, len(items))
		for _, item := range items {
			if _, dup := seen[item.URL]; dup {
				continue
			}
			seen[item.URL] = struct{}{}
			fresh = append(fresh, item)
		}
		if len(fresh) == 0 {
			logger.Debug("no new items; discovery complete", zap.Int("page", page))
			break
		}

		urls := make([]string, len(fresh))
		for i, item := range fresh {
			urls[i] = item.URL
		}
		complete, err := c.deps.Store.FullyScraped(ctx, urls)
		if err != nil {
			if ingest.IsConnectionError(err) {
				abort.trip(err)
				break
			}
			logger.Warn("fully scraped lookup failed; treating page as new", zap.Error(err))
			complete = map[string]bool{}
		}

		for _, item := range fresh {
			if abort.tripped() {
				break pages
			}
			c.update(func(s *ingest.RunStatus) { s.Discovered++ })
			done := complete[item.URL]
			pool.Go(func() error {
				defer c.recoverItem(item, logger)
				c.processItem(ctx, runID, item, done, opts, abort)
				return nil
			})
		}
	}

	// errgroup.Group.Go never returns an error here; items report through status.
	_ = pool.Wait()

	if abort.tripped() {
		return fmt.Errorf("cycle aborted: %w", abort.err)
	}
	if discoveryErr != nil && c.Status().Discovered == 0 {
		return fmt.Errorf("discovery: %w", discoveryErr)
	}
	return nil
}

// recoverItem turns a panic inside one item's pipeline into a failed item.
// It must be deferred directly by the worker goroutine.
func (c *Controller) recoverItem(item ingest.ListingItem, logger *zap.Logger) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("item %s panicked: %v", item.URL, r)
	logger.Error("item panicked", zap.String("url", item.URL), zap.Any("panic", r), zap.Stack("stack"))
	c.update(func(s *ingest.RunStatus) { s.Failed++ })
	telemetry.ObserveItem("failed")
	c.recordError(err)
}

func (c *Controller) lastPage() int {
	if !strings.Contains(c.cfg.ListingURL, pagePlaceholder) {
		return 1
	}
	return c.cfg.MaxPages
}

func (c *Controller) pageURL(page int) string {
	return strings.ReplaceAll(c.cfg.ListingURL, pagePlaceholder, strconv.Itoa(page))
}

// listPage fetches (with retries) and parses one listing page.
func (c *Controller) listPage(ctx context.Context, runID, pageURL string) ([]ingest.ListingItem, error) {
	resp, err := c.fetch(ctx, runID, pageURL, "listing")
	if err != nil {
		return nil, err
	}
	items, err := c.deps.Extractor.ExtractListing(resp.Body, resp.URL)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// fetch applies the rate limiter and retries temporary failures.
func (c *Controller) fetch(ctx context.Context, runID, rawURL, kind string) (ingest.FetchResponse, error) {
	return withRetry(ctx, c, rawURL, func(ctx context.Context) (ingest.FetchResponse, error) {
		if c.deps.Limiter != nil {
			if err := c.deps.Limiter.Wait(ctx, rawURL); err != nil {
				return ingest.FetchResponse{}, err
			}
		}
		resp, err := c.deps.Fetcher.Fetch(ctx, ingest.FetchRequest{RunID: runID, URL: rawURL})
		if err != nil {
			status := "error"
			var fetchErr *ingest.FetchError
			if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
				status = strconv.Itoa(fetchErr.StatusCode)
			}
			telemetry.ObservePage(kind, rawURL, status, 0)
			return ingest.FetchResponse{}, err
		}
		telemetry.ObservePage(kind, rawURL, strconv.Itoa(resp.StatusCode), len(resp.Body))
		if resp.URL == "" {
			resp.URL = rawURL
		}
		return resp, nil
	})
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the retry budget is spent.
func withRetry[T any](ctx context.Context, c *Controller, target string, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil || !c.retry.shouldRetry(err, attempt) {
			return out, err
		}
		wait := c.retry.backoff(attempt)
		telemetry.ObserveRetry(errorKind(err))
		c.logger.Debug("retrying",
			zap.String("target", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			var zero T
			return zero, err
		}
	}
}
