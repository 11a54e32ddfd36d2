// Package postgres provides the Postgres-backed event store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/clock/system"
	"github.com/JakeFAU/events-ingest/internal/ingest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// EventStore implements ingest.EventStore on Postgres.
type EventStore struct {
	pool   pool
	clock  ingest.Clock
	logger *zap.Logger
}

var _ ingest.EventStore = (*EventStore)(nil)

// NewEventStore connects a pool using cfg.
func NewEventStore(ctx context.Context, cfg Config, logger *zap.Logger) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewEventStoreWithPool(p, system.New(), logger)
}

// NewEventStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEventStoreWithPool(p pool, clock ingest.Clock, logger *zap.Logger) (*EventStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{pool: p, clock: clock, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const eventColumns = `id, source_url, title, location, date_text, time_text, month_wrapped,
	starts_on, ends_on, description, COALESCE(description_markdown, ''),
	COALESCE(cover_image_url, ''), COALESCE(google_maps_url, ''), COALESCE(facebook_url, ''),
	latitude, longitude, tags, is_fully_scraped, is_ended, first_scraped_at, last_updated_at`

const selectForUpdateSQL = `SELECT ` + eventColumns + ` FROM events WHERE source_url = $1 FOR UPDATE`

const selectBySourceSQL = `SELECT ` + eventColumns + ` FROM events WHERE source_url = $1`

const insertEventSQL = `
INSERT INTO events (
	source_url, title, location, date_text, time_text, month_wrapped,
	starts_on, ends_on, description, description_markdown,
	cover_image_url, google_maps_url, facebook_url,
	latitude, longitude, tags, is_fully_scraped, is_ended,
	first_scraped_at, last_updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)
RETURNING id`

const updateEventSQL = `
UPDATE events SET
	title = $2, location = $3, date_text = $4, time_text = $5, month_wrapped = $6,
	starts_on = $7, ends_on = $8, description = $9, description_markdown = $10,
	cover_image_url = $11, google_maps_url = $12, facebook_url = $13,
	latitude = $14, longitude = $15, tags = $16, is_fully_scraped = $17, is_ended = $18,
	last_updated_at = $19
WHERE id = $1`

const refreshEventSQL = `UPDATE events SET is_ended = $2, last_updated_at = $3 WHERE id = $1`

const deleteImagesSQL = `DELETE FROM event_images WHERE event_id = $1`

const insertImagesSQL = `
INSERT INTO event_images (event_id, url, position)
SELECT $1, u.url, u.ord - 1
FROM unnest($2::text[]) WITH ORDINALITY AS u(url, ord)`

// Upsert inserts or merges one event in a single transaction.
func (s *EventStore) Upsert(ctx context.Context, event ingest.Event, opts ingest.UpsertOptions) (ingest.UpsertResult, error) {
	var result ingest.UpsertResult
	err := s.withTx(ctx, "upsert", func(tx pgx.Tx) error {
		var err error
		result, _, err = s.upsert(ctx, tx, event, opts)
		return err
	})
	return result, err
}

// UpsertWithImages upserts the event and replaces its gallery in one
// transaction. The gallery of a fully scraped row is left alone unless
// opts.Rescrape is set.
func (s *EventStore) UpsertWithImages(
	ctx context.Context,
	event ingest.Event,
	images []string,
	opts ingest.UpsertOptions,
) (ingest.UpsertResult, error) {
	var result ingest.UpsertResult
	err := s.withTx(ctx, "upsert_with_images", func(tx pgx.Tx) error {
		res, detail, err := s.upsert(ctx, tx, event, opts)
		if err != nil {
			return err
		}
		result = res
		if !detail {
			return nil
		}
		return replaceImages(ctx, tx, res.ID, images)
	})
	return result, err
}

// upsert reports whether the detail fields were written (as opposed to the
// volatile refresh of a fully scraped row).
func (s *EventStore) upsert(
	ctx context.Context,
	tx pgx.Tx,
	event ingest.Event,
	opts ingest.UpsertOptions,
) (ingest.UpsertResult, bool, error) {
	if strings.TrimSpace(event.SourceURL) == "" {
		return ingest.UpsertResult{}, false, fmt.Errorf("source url is required")
	}
	now := s.clock.Now()

	stored, err := scanEvent(tx.QueryRow(ctx, selectForUpdateSQL, event.SourceURL))
	if errors.Is(err, pgx.ErrNoRows) {
		row := ingest.NewEventRow(event, now)
		args, err := insertArgs(row)
		if err != nil {
			return ingest.UpsertResult{}, false, err
		}
		var id int64
		if err := tx.QueryRow(ctx, insertEventSQL, args...).Scan(&id); err != nil {
			return ingest.UpsertResult{}, false, fmt.Errorf("insert event: %w", err)
		}
		return ingest.UpsertResult{ID: id, Outcome: ingest.OutcomeInserted}, true, nil
	}
	if err != nil {
		return ingest.UpsertResult{}, false, fmt.Errorf("lock event: %w", err)
	}

	merged, outcome := ingest.MergeEvent(stored, event, opts, now)
	if stored.IsFullyScraped && !opts.Rescrape {
		if _, err := tx.Exec(ctx, refreshEventSQL, stored.ID, merged.IsEnded, merged.LastUpdatedAt); err != nil {
			return ingest.UpsertResult{}, false, fmt.Errorf("refresh event: %w", err)
		}
		return ingest.UpsertResult{ID: stored.ID, Outcome: outcome}, false, nil
	}

	args, err := updateArgs(merged)
	if err != nil {
		return ingest.UpsertResult{}, false, err
	}
	if _, err := tx.Exec(ctx, updateEventSQL, args...); err != nil {
		return ingest.UpsertResult{}, false, fmt.Errorf("update event: %w", err)
	}
	return ingest.UpsertResult{ID: stored.ID, Outcome: outcome}, true, nil
}

// ReplaceImages swaps the gallery of an event in one transaction.
func (s *EventStore) ReplaceImages(ctx context.Context, eventID int64, urls []string) error {
	return s.withTx(ctx, "replace_images", func(tx pgx.Tx) error {
		return replaceImages(ctx, tx, eventID, urls)
	})
}

func replaceImages(ctx context.Context, tx pgx.Tx, eventID int64, urls []string) error {
	if _, err := tx.Exec(ctx, deleteImagesSQL, eventID); err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	cleaned := ingest.CleanImageURLs(urls)
	if len(cleaned) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, insertImagesSQL, eventID, cleaned); err != nil {
		return fmt.Errorf("insert images: %w", err)
	}
	return nil
}

// FullyScraped returns, for every given URL, whether its row is fully scraped.
// URLs without a row map to false.
func (s *EventStore) FullyScraped(ctx context.Context, sourceURLs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(sourceURLs))
	for _, u := range sourceURLs {
		out[u] = false
	}
	if len(sourceURLs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT source_url FROM events WHERE source_url = ANY($1) AND is_fully_scraped`, sourceURLs)
	if err != nil {
		return nil, s.storeError("fully_scraped", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.storeError("fully_scraped", err)
	}
	for _, u := range urls {
		out[u] = true
	}
	return out, nil
}

// Get loads one event by source URL.
func (s *EventStore) Get(ctx context.Context, sourceURL string) (ingest.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, selectBySourceSQL, sourceURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Event{}, fmt.Errorf("event %s: %w", sourceURL, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.Event{}, s.storeError("get", err)
	}
	return ev, nil
}

// Images lists the gallery of an event in position order.
func (s *EventStore) Images(ctx context.Context, eventID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM event_images WHERE event_id = $1 ORDER BY position`, eventID)
	if err != nil {
		return nil, s.storeError("images", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.storeError("images", err)
	}
	return urls, nil
}

// Ping checks that the database is reachable.
func (s *EventStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &ingest.StoreError{Op: "ping", Connection: true, Cause: err}
	}
	return nil
}

func (s *EventStore) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		// Begin acquires a pooled connection; failing here means the database
		// is unreachable unless the caller gave up.
		connection := !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		return &ingest.StoreError{Op: op, Connection: connection, Cause: fmt.Errorf("begin: %w", err)}
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		return s.storeError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.storeError(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *EventStore) storeError(op string, err error) error {
	var storeErr *ingest.StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return &ingest.StoreError{Op: op, Connection: isConnectionError(err), Cause: err}
}

// isConnectionError reports failures of the link to Postgres rather than of
// a single statement.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01..57P03 are shutdown states.
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func scanEvent(row pgx.Row) (ingest.Event, error) {
	var (
		ev     ingest.Event
		months []byte
	)
	err := row.Scan(
		&ev.ID,
		&ev.SourceURL,
		&ev.Title,
		&ev.Location,
		&ev.DateText,
		&ev.TimeText,
		&months,
		&ev.StartsOn,
		&ev.EndsOn,
		&ev.Description,
		&ev.DescriptionMarkdown,
		&ev.CoverImageURL,
		&ev.GoogleMapsURL,
		&ev.FacebookURL,
		&ev.Latitude,
		&ev.Longitude,
		&ev.Tags,
		&ev.IsFullyScraped,
		&ev.IsEnded,
		&ev.FirstScrapedAt,
		&ev.LastUpdatedAt,
	)
	if err != nil {
		return ingest.Event{}, err
	}
	if len(months) > 0 {
		if err := json.Unmarshal(months, &ev.MonthWrapped); err != nil {
			return ingest.Event{}, fmt.Errorf("decode month_wrapped: %w", err)
		}
	}
	return ev, nil
}

func insertArgs(ev ingest.Event) ([]any, error) {
	months, err := json.Marshal(ev.MonthWrapped)
	if err != nil {
		return nil, fmt.Errorf("marshal month_wrapped: %w", err)
	}
	return []any{
		ev.SourceURL,
		ev.Title,
		ev.Location,
		ev.DateText,
		ev.TimeText,
		months,
		ev.StartsOn,
		ev.EndsOn,
		ev.Description,
		nullable(ev.DescriptionMarkdown),
		nullable(ev.CoverImageURL),
		nullable(ev.GoogleMapsURL),
		nullable(ev.FacebookURL),
		ev.Latitude,
		ev.Longitude,
		tagsOrEmpty(ev.Tags),
		ev.IsFullyScraped,
		ev.IsEnded,
		ev.FirstScrapedAt,
		ev.LastUpdatedAt,
	}, nil
}

func updateArgs(ev ingest.Event) ([]any, error) {
	months, err := json.Marshal(ev.MonthWrapped)
	if err != nil {
		return nil, fmt.Errorf("marshal month_wrapped: %w", err)
	}
	return []any{
		ev.ID,
		ev.Title,
		ev.Location,
		ev.DateText,
		ev.TimeText,
		months,
		ev.StartsOn,
		ev.EndsOn,
		ev.Description,
		nullable(ev.DescriptionMarkdown),
		nullable(ev.CoverImageURL),
		nullable(ev.GoogleMapsURL),
		nullable(ev.FacebookURL),
		ev.Latitude,
		ev.Longitude,
		tagsOrEmpty(ev.Tags),
		ev.IsFullyScraped,
		ev.IsEnded,
		ev.LastUpdatedAt,
	}, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
