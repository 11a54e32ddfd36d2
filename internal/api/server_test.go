package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/ingest"
	"github.com/JakeFAU/events-ingest/internal/run"
	"github.com/JakeFAU/events-ingest/internal/storage/memory"
)

func TestServer_StartScrape_Succeeds(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := NewServer(runner, nil, Options{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/scrape", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body["run_id"])
	require.Equal(t, "2026-01-10T09:00:00Z", body["started_at"])
	require.False(t, runner.lastOpts.Rescrape)
}

func TestServer_StartScrape_Rescrape(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := NewServer(runner, nil, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape?rescrape=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, runner.lastOpts.Rescrape)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape?rescrape=maybe", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StartScrape_AlreadyRunning(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: &ingest.AlreadyRunningError{RunID: "run-0"}}
	server := NewServer(runner, nil, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"error":"scrape already running"}`, rec.Body.String())
}

func TestServer_StartScrape_Failure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: errors.New("redis down")}
	server := NewServer(runner, nil, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "redis")
}

func TestServer_ScrapeStatus(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{status: ingest.RunStatus{RunID: "run-7", State: ingest.RunStateRunning, IsRunning: true, Processed: 3}}
	server := NewServer(runner, nil, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scrape/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got ingest.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-7", got.RunID)
	require.Equal(t, ingest.RunStateRunning, got.State)
	require.Equal(t, 3, got.Processed)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := NewServer(runner, nil, Options{APIKey: "secret"}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, runner.calls())

	for _, wrong := range []string{"secreT", "secret2", "secre"} {
		req := httptest.NewRequest(http.MethodPost, "/scrape", nil)
		req.Header.Set("X-API-Key", wrong)
		rec = httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, wrong)
	}
	require.Zero(t, runner.calls())

	req := httptest.NewRequest(http.MethodPost, "/scrape", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// read-only routes stay open
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scrape/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	store := memory.NewEventStore(nil)
	server := NewServer(&fakeRunner{}, store, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	store.SetFaults(memory.Faults{Ping: errors.New("connection refused")})
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsExposed(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{}, nil, Options{}, zap.NewNop())
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{panics: true}, nil, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scrape/status", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{}, nil, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakeRunner struct {
	mu       sync.Mutex
	n        int
	err      error
	status   ingest.RunStatus
	lastOpts run.StartOptions
	panics   bool
}

func (f *fakeRunner) Start(_ context.Context, opts run.StartOptions) (ingest.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.lastOpts = opts
	if f.err != nil {
		return ingest.RunStatus{}, f.err
	}
	started := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	return ingest.RunStatus{
		RunID:     fmt.Sprintf("run-%d", f.n),
		State:     ingest.RunStateRunning,
		IsRunning: true,
		StartedAt: &started,
	}, nil
}

func (f *fakeRunner) Status() ingest.RunStatus {
	if f.panics {
		panic("status exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
