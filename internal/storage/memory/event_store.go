package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/events-ingest/internal/clock/system"
	"github.com/JakeFAU/events-ingest/internal/ingest"
)

// Faults injects failures into EventStore operations.
type Faults struct {
	// Upsert, when set, is consulted before every upsert.
	Upsert func(event ingest.Event) error
	// ImageInsert fails the insert half of an image replace after the delete
	// half has run, which must leave the previous gallery intact.
	ImageInsert error
	// Ping is returned by Ping.
	Ping error
}

// EventStore mirrors the Postgres store's upsert rules in memory. A single
// mutex serializes operations, so every method is atomic.
type EventStore struct {
	mu     sync.RWMutex
	clock  ingest.Clock
	nextID int64
	rows   map[string]ingest.Event
	images map[int64][]string
	faults Faults
}

var _ ingest.EventStore = (*EventStore)(nil)

// NewEventStore creates an empty store. A nil clock uses the system clock.
func NewEventStore(clock ingest.Clock) *EventStore {
	if clock == nil {
		clock = system.New()
	}
	return &EventStore{
		clock:  clock,
		rows:   make(map[string]ingest.Event),
		images: make(map[int64][]string),
	}
}

// SetFaults replaces the injected failures.
func (s *EventStore) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Upsert inserts or merges one event.
func (s *EventStore) Upsert(_ context.Context, event ingest.Event, opts ingest.UpsertOptions) (ingest.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, _, err := s.upsertLocked(event, opts)
	if err != nil {
		return ingest.UpsertResult{}, &ingest.StoreError{Op: "upsert", Connection: ingest.IsConnectionError(err), Cause: err}
	}
	return res, nil
}

// UpsertWithImages upserts and replaces the gallery atomically.
func (s *EventStore) UpsertWithImages(
	_ context.Context,
	event ingest.Event,
	images []string,
	opts ingest.UpsertOptions,
) (ingest.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshot so a failed image insert leaves the row untouched.
	prevRow, hadRow := s.rows[event.SourceURL]
	prevNext := s.nextID

	res, detail, err := s.upsertLocked(event, opts)
	if err != nil {
		return ingest.UpsertResult{}, &ingest.StoreError{Op: "upsert_with_images", Connection: ingest.IsConnectionError(err), Cause: err}
	}
	if !detail {
		return res, nil
	}
	if err := s.replaceImagesLocked(res.ID, images); err != nil {
		if hadRow {
			s.rows[event.SourceURL] = prevRow
		} else {
			delete(s.rows, event.SourceURL)
			s.nextID = prevNext
		}
		return ingest.UpsertResult{}, &ingest.StoreError{Op: "upsert_with_images", Cause: err}
	}
	return res, nil
}

func (s *EventStore) upsertLocked(event ingest.Event, opts ingest.UpsertOptions) (ingest.UpsertResult, bool, error) {
	if strings.TrimSpace(event.SourceURL) == "" {
		return ingest.UpsertResult{}, false, fmt.Errorf("source url is required")
	}
	if s.faults.Upsert != nil {
		if err := s.faults.Upsert(event); err != nil {
			return ingest.UpsertResult{}, false, err
		}
	}
	now := s.clock.Now()

	stored, ok := s.rows[event.SourceURL]
	if !ok {
		s.nextID++
		row := ingest.NewEventRow(event, now)
		row.ID = s.nextID
		row.Tags = append([]string(nil), row.Tags...)
		s.rows[row.SourceURL] = row
		return ingest.UpsertResult{ID: row.ID, Outcome: ingest.OutcomeInserted}, true, nil
	}

	merged, outcome := ingest.MergeEvent(stored, event, opts, now)
	s.rows[event.SourceURL] = merged
	detail := !stored.IsFullyScraped || opts.Rescrape
	return ingest.UpsertResult{ID: stored.ID, Outcome: outcome}, detail, nil
}

// ReplaceImages swaps the gallery of an event.
func (s *EventStore) ReplaceImages(_ context.Context, eventID int64, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replaceImagesLocked(eventID, urls); err != nil {
		return &ingest.StoreError{Op: "replace_images", Cause: err}
	}
	return nil
}

func (s *EventStore) replaceImagesLocked(eventID int64, urls []string) error {
	cleaned := ingest.CleanImageURLs(urls)
	if len(cleaned) > 0 && s.faults.ImageInsert != nil {
		return fmt.Errorf("insert images: %w", s.faults.ImageInsert)
	}
	if len(cleaned) == 0 {
		delete(s.images, eventID)
		return nil
	}
	s.images[eventID] = cleaned
	return nil
}

// FullyScraped reports the completeness flag for each URL.
func (s *EventStore) FullyScraped(_ context.Context, sourceURLs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(sourceURLs))
	for _, u := range sourceURLs {
		out[u] = s.rows[u].IsFullyScraped
	}
	return out, nil
}

// Get returns a copy of the stored row.
func (s *EventStore) Get(_ context.Context, sourceURL string) (ingest.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[sourceURL]
	if !ok {
		return ingest.Event{}, fmt.Errorf("event %s: %w", sourceURL, ingest.ErrNotFound)
	}
	return row, nil
}

// Images returns the gallery of an event in position order.
func (s *EventStore) Images(_ context.Context, eventID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.images[eventID]...), nil
}

// Ping returns the injected ping failure, if any.
func (s *EventStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.faults.Ping != nil {
		return &ingest.StoreError{Op: "ping", Connection: true, Cause: s.faults.Ping}
	}
	return nil
}

// Events returns every row ordered by id.
func (s *EventStore) Events() []ingest.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Event, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
