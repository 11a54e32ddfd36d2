// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics for
// the ingestion service.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_pages_total",
			Help: "Pages fetched, labeled by kind (listing, detail) and status.",
		},
		[]string{"kind", "status"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_fetch_bytes_total",
			Help: "Bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_items_total",
			Help: "Listing items handled, labeled by result (processed, skipped, failed).",
		},
		[]string{"result"},
	)

	itemRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_item_retries_total",
			Help: "Item retries, labeled by the error kind that triggered them.",
		},
		[]string{"kind"},
	)

	upsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_upserts_total",
			Help: "Store upserts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_runs_total",
			Help: "Finished ingestion cycles, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	runRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "events_run_running",
			Help: "1 while an ingestion cycle is running.",
		},
	)

	activeItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "events_active_items",
			Help: "Items currently in the per-item pipeline.",
		},
	)

	enrichDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "events_enrich_duration_seconds",
			Help:    "Latency of generative enrichment calls, labeled by provider and status.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"provider", "status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "events_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the lowercased hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObservePage records a fetched page.
func ObservePage(kind, rawURL, status string, bytesFetched int) {
	pagesTotal.WithLabelValues(kind, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveItem records the terminal result of one listing item.
func ObserveItem(result string) {
	itemsTotal.WithLabelValues(result).Inc()
}

// ObserveRetry records one retry of an item.
func ObserveRetry(kind string) {
	itemRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveUpsert records a store upsert outcome.
func ObserveUpsert(outcome string) {
	upsertsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRunStarted flips the running gauge on.
func ObserveRunStarted() {
	runRunning.Set(1)
}

// ObserveRunFinished records the cycle outcome and flips the running gauge off.
func ObserveRunFinished(outcome string) {
	runRunning.Set(0)
	runsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveItems increments the in-flight item gauge.
func IncActiveItems() {
	activeItems.Inc()
}

// DecActiveItems decrements the in-flight item gauge.
func DecActiveItems() {
	activeItems.Dec()
}

// ObserveEnrich records the latency of one enrichment call.
func ObserveEnrich(provider, status string, duration time.Duration) {
	enrichDurationSeconds.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}
