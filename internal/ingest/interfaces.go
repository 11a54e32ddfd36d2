package ingest

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns listing and detail markup into structured fields.
type Extractor interface {
	ExtractListing(html []byte, pageURL string) ([]ListingItem, error)
	ExtractDetail(html []byte, pageURL string) (Detail, error)
}

// Enricher asks a generative-text service for a description, markdown, and tags.
type Enricher interface {
	Enrich(ctx context.Context, rawText string, images []string) (Enrichment, error)
}

// EventStore persists events keyed by source URL.
type EventStore interface {
	Upsert(ctx context.Context, event Event, opts UpsertOptions) (UpsertResult, error)
	UpsertWithImages(ctx context.Context, event Event, images []string, opts UpsertOptions) (UpsertResult, error)
	ReplaceImages(ctx context.Context, eventID int64, urls []string) error
	FullyScraped(ctx context.Context, sourceURLs []string) (map[string]bool, error)
	Get(ctx context.Context, sourceURL string) (Event, error)
	Images(ctx context.Context, eventID int64) ([]string, error)
	Ping(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes upsert notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
