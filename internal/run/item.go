package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/telemetry"
)

const archiveContentType = "text/html; charset=utf-8"

// processItem runs the per-item pipeline and records the result in the run
// status. It never returns an error: failures are counted, and only a
// connection-level store error trips the abort signal.
func (c *Controller) processItem(
	ctx context.Context,
	runID string,
	item ingest.ListingItem,
	fullyScraped bool,
	opts StartOptions,
	abort *abortSignal,
) {
	telemetry.IncActiveItems()
	defer telemetry.DecActiveItems()

	ctx, span := telemetry.Tracer().Start(ctx, "run.item")
	span.SetAttributes(attribute.String("event.source_url", item.URL))
	defer span.End()

	logger := c.logger.With(zap.String("run_id", runID), zap.String("url", item.URL))

	if fullyScraped && !opts.Rescrape {
		c.refresh(ctx, item, logger, abort)
		c.update(func(s *ingest.RunStatus) { s.Skipped++ })
		telemetry.ObserveItem("skipped")
		return
	}

	err := c.scrape(ctx, runID, item, opts, logger)
	if err == nil {
		c.update(func(s *ingest.RunStatus) { s.Processed++ })
		telemetry.ObserveItem("processed")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.update(func(s *ingest.RunStatus) { s.Failed++ })
	telemetry.ObserveItem("failed")
	c.recordError(err)
	if ingest.IsConnectionError(err) {
		logger.Error("store unreachable; aborting cycle", zap.Error(err))
		abort.trip(err)
		return
	}
	logger.Warn("item failed", zap.Error(err))
}

// refresh updates the volatile is_ended flag of a fully scraped row without
// fetching or enriching. Rows whose date cannot be resolved are left alone.
func (c *Controller) refresh(ctx context.Context, item ingest.ListingItem, logger *zap.Logger, abort *abortSignal) {
	now := c.deps.Clock.Now()
	dates := c.deps.Dates.Normalize(item.RawDate, now)
	if !dates.Known() {
		storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		stored, err := c.deps.Store.Get(storeCtx, item.URL)
		cancel()
		if err != nil {
			if ingest.IsConnectionError(err) {
				abort.trip(err)
			}
			logger.Debug("refresh skipped; stored row unavailable", zap.Error(err))
			return
		}
		dates = storedRange(stored, c.deps.Dates, now)
	}
	if !dates.Known() {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	res, err := c.deps.Store.Upsert(storeCtx, ingest.Event{SourceURL: item.URL, IsEnded: dates.Ended(now)}, ingest.UpsertOptions{})
	if err != nil {
		if ingest.IsConnectionError(err) {
			abort.trip(err)
		}
		logger.Warn("refresh of fully scraped row failed", zap.Error(err))
		return
	}
	telemetry.ObserveUpsert(string(res.Outcome))
}

func storedRange(stored ingest.Event, dates DateNormalizer, now time.Time) ingest.DateRange {
	if stored.StartsOn != nil {
		return ingest.DateRange{Start: stored.StartsOn, End: stored.EndsOn, Months: stored.MonthWrapped}
	}
	return dates.Normalize(stored.DateText, now)
}

// scrape fetches, extracts, enriches, and upserts one item, then archives the
// page and publishes a notification on a best-effort basis.
func (c *Controller) scrape(ctx context.Context, runID string, item ingest.ListingItem, opts StartOptions, logger *zap.Logger) error {
	resp, err := c.fetch(ctx, runID, item.URL, "detail")
	if err != nil {
		return err
	}
	detail, err := c.deps.Extractor.ExtractDetail(resp.Body, resp.URL)
	if err != nil {
		return err
	}

	now := c.deps.Clock.Now()
	event := buildEvent(item, detail, c.deps.Dates, now)
	images := detail.Images

	enrichment, enrichErr := withRetry(ctx, c, item.URL, func(ctx context.Context) (ingest.Enrichment, error) {
		return c.deps.Enricher.Enrich(ctx, detail.BodyText, enrichImages(detail))
	})
	if enrichErr == nil {
		applyEnrichment(&event, enrichment)
	} else {
		keep, err := c.keepPartial(ctx, item.URL)
		if err != nil {
			return err
		}
		if !keep {
			logger.Warn("enrichment failed; nothing stored", zap.Error(enrichErr))
			return enrichErr
		}
		// The row stays partial and is retried next cycle.
		logger.Warn("enrichment failed; refreshing partial record", zap.Error(enrichErr))
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	res, err := c.deps.Store.UpsertWithImages(storeCtx, event, images, ingest.UpsertOptions{Rescrape: opts.Rescrape})
	cancel()
	if err != nil {
		return err
	}
	telemetry.ObserveUpsert(string(res.Outcome))

	archiveURI := c.archive(ctx, runID, resp.Body, logger)
	c.notify(ctx, runID, event, res, archiveURI, logger)

	if enrichErr != nil {
		return enrichErr
	}
	logger.Debug("item stored", zap.Int64("event_id", res.ID), zap.String("outcome", string(res.Outcome)))
	return nil
}

// keepPartial reports whether an unenriched event may still be written: only
// an existing partial row is updated. A new URL leaves no row behind, and a
// fully scraped row keeps its enriched fields.
func (c *Controller) keepPartial(ctx context.Context, sourceURL string) (bool, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	stored, err := c.deps.Store.Get(storeCtx, sourceURL)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return !stored.IsFullyScraped, nil
}

func buildEvent(item ingest.ListingItem, detail ingest.Detail, dates DateNormalizer, now time.Time) ingest.Event {
	title := detail.Title
	if strings.TrimSpace(title) == "" {
		title = item.Title
	}
	dateText := detail.DateText
	if strings.TrimSpace(dateText) == "" {
		dateText = item.RawDate
	}
	cover := detail.CoverImageURL
	if cover == "" {
		cover = item.RawImage
	}
	dr := dates.Normalize(dateText, now)
	return ingest.Event{
		SourceURL:     item.URL,
		Title:         title,
		Location:      detail.Location,
		DateText:      dateText,
		TimeText:      detail.TimeText,
		MonthWrapped:  dr.Months,
		StartsOn:      dr.Start,
		EndsOn:        dr.End,
		CoverImageURL: cover,
		GoogleMapsURL: detail.GoogleMapsURL,
		FacebookURL:   detail.FacebookURL,
		Latitude:      detail.Latitude,
		Longitude:     detail.Longitude,
		IsEnded:       dr.Ended(now),
	}
}

func applyEnrichment(event *ingest.Event, en ingest.Enrichment) {
	event.Description = en.Description
	event.DescriptionMarkdown = en.Markdown
	event.Tags = en.Tags
	// Coordinates from the page win over model guesses.
	if event.Latitude == nil && en.Latitude != nil && en.Longitude != nil {
		event.Latitude = en.Latitude
		event.Longitude = en.Longitude
	}
}

func enrichImages(detail ingest.Detail) []string {
	out := make([]string, 0, len(detail.Images)+1)
	if detail.CoverImageURL != "" {
		out = append(out, detail.CoverImageURL)
	}
	return append(out, detail.Images...)
}

// archive stores the raw detail page. Failures are logged, never returned.
func (c *Controller) archive(ctx context.Context, runID string, body []byte, logger *zap.Logger) string {
	if c.deps.Archive == nil || len(body) == 0 {
		return ""
	}
	hash, err := c.deps.Hasher.Hash(body)
	if err != nil {
		logger.Warn("archive hash failed", zap.Error(err))
		return ""
	}
	uri, err := c.deps.Archive.PutObject(ctx, c.archivePath(runID, hash), archiveContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive write failed", zap.Error(err))
		return ""
	}
	return uri
}

func (c *Controller) archivePath(runID, hash string) string {
	prefix := strings.Trim(c.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", runID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, runID, hash)
}

// notify publishes inserts and updates. Failures are logged, never returned.
func (c *Controller) notify(
	ctx context.Context,
	runID string,
	event ingest.Event,
	res ingest.UpsertResult,
	archiveURI string,
	logger *zap.Logger,
) {
	if c.deps.Publisher == nil || c.cfg.NotifyTopic == "" || res.Outcome == ingest.OutcomeUnchanged {
		return
	}
	msg := ingest.UpsertNotification{
		RunID:          runID,
		EventID:        res.ID,
		SourceURL:      event.SourceURL,
		Outcome:        res.Outcome,
		IsFullyScraped: event.HasFullDetail(),
		Months:         event.MonthWrapped,
		ArchiveURI:     archiveURI,
		At:             c.deps.Clock.Now(),
	}
	if _, err := c.deps.Publisher.Publish(ctx, c.cfg.NotifyTopic, msg); err != nil {
		logger.Warn("publish notification failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
