package run

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/clock/manual"
	"github.com/JakeFAU/events-ingest/internal/enrich"
	"github.com/JakeFAU/events-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/events-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/events-ingest/internal/hash/sha256"
	"github.com/JakeFAU/events-ingest/internal/ingest"
	pubmemory "github.com/JakeFAU/events-ingest/internal/publisher/memory"
	"github.com/JakeFAU/events-ingest/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

// site serves listing pages at /events?page=N and detail pages at /e/<slug>.
type site struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	pages   map[int][]string
	details map[string]string
	broken  map[int]bool
	hits    map[string]int
	gate    chan struct{}
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{
		t:       t,
		pages:   map[int][]string{},
		details: map[string]string{},
		broken:  map[int]bool{},
		hits:    map[string]int{},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

func (s *site) listingURL() string {
	return s.server.URL + "/events?page={page}"
}

func (s *site) url(slug string) string {
	return s.server.URL + "/e/" + slug
}

func (s *site) addPage(page int, slugs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page] = slugs
}

func (s *site) addDetail(slug, title, date, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[slug] = fmt.Sprintf(`<html><body>
<h1>%s</h1>
<div class="event-date">%s</div>
<div class="event-location">Old Town Hall</div>
<div class="event-description">%s</div>
<div class="gallery"><img src="/img/%s-1.jpg"><img src="/img/%s-2.jpg"></div>
</body></html>`, title, date, body, slug, slug)
}

func (s *site) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *site) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	gate := s.gate
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/events":
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		s.mu.Lock()
		slugs, broken := s.pages[page], s.broken[page]
		s.mu.Unlock()
		if broken {
			_, _ = w.Write([]byte(`<html><body><p>maintenance</p></body></html>`))
			return
		}
		var b strings.Builder
		b.WriteString(`<html><body><div class="events">`)
		for _, slug := range slugs {
			fmt.Fprintf(&b, `<div class="event"><a href="/e/%s"><h2>%s</h2></a></div>`, slug, slug)
		}
		b.WriteString(`</div></body></html>`)
		_, _ = w.Write([]byte(b.String()))
	case strings.HasPrefix(r.URL.Path, "/e/"):
		if gate != nil {
			<-gate
		}
		s.mu.Lock()
		body, ok := s.details[strings.TrimPrefix(r.URL.Path, "/e/")]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	default:
		http.NotFound(w, r)
	}
}

// scriptedEnricher returns markdown tagged with a version that tests can bump.
type scriptedEnricher struct {
	mu      sync.Mutex
	version int
	calls   int
	failFor map[string]error
}

func (e *scriptedEnricher) Enrich(_ context.Context, rawText string, _ []string) (ingest.Enrichment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	for needle, err := range e.failFor {
		if strings.Contains(rawText, needle) {
			return ingest.Enrichment{}, err
		}
	}
	return ingest.Enrichment{
		Description: "About: " + rawText,
		Markdown:    fmt.Sprintf("# v%d\n\n%s", e.version, rawText),
		Tags:        []string{"test"},
	}, nil
}

func (e *scriptedEnricher) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type harness struct {
	site      *site
	store     *memory.EventStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	clock     *manual.Clock
	ctrl      *Controller
}

func newHarness(t *testing.T, s *site, enricher ingest.Enricher, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	clock := manual.New(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	h := &harness{
		site:      s,
		store:     memory.NewEventStore(clock),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		clock:     clock,
	}
	cfg := Config{
		ListingURL:    s.listingURL(),
		MaxPages:      5,
		Concurrency:   2,
		Retry:         RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		ArchivePrefix: "pages",
		NotifyTopic:   "event-upserts",
	}
	deps := Deps{
		Fetcher:   collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}),
		Extractor: extract.New(extract.Selectors{ListingContainer: ".events"}),
		Dates:     extract.NewDateNormalizer(nil),
		Enricher:  enricher,
		Store:     h.store,
		Archive:   h.blobs,
		Hasher:    sha256.New(),
		Publisher: h.publisher,
		Clock:     clock,
		IDs:       &seqIDs{},
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	ctrl, err := New(cfg, deps)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func staticEnricher(t *testing.T) ingest.Enricher {
	t.Helper()
	e, err := enrich.New(enrich.Static{Tags: []string{"event"}}, enrich.Config{Tokenizer: "runes"}, zap.NewNop())
	require.NoError(t, err)
	return e
}
