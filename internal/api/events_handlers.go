package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

const lookupTimeout = 3 * time.Second

// EventReader is the read side of the event store.
type EventReader interface {
	Get(ctx context.Context, sourceURL string) (ingest.Event, error)
	Images(ctx context.Context, eventID int64) ([]string, error)
}

// EventHandler exposes read-only lookups of stored events.
type EventHandler struct {
	repo    EventReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewEventHandler wires the repository and logger.
func NewEventHandler(repo EventReader, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		repo:    repo,
		timeout: lookupTimeout,
		logger:  logger,
	}
}

// GetEvent handles GET /events?url=. It returns {"event": {...}} on success,
// 400 for a missing or relative url, 404 when no row matches, 503 when the
// repository is missing, or 500 otherwise.
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	sourceURL, err := parseSourceURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	event, err := h.repo.Get(ctx, sourceURL)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		h.logger.Error("get event failed", zap.String("url", sourceURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": event})
}

// ListImages handles GET /events/images?url= and returns {"images": [...]}
// in gallery order.
func (h *EventHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	sourceURL, err := parseSourceURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	event, err := h.repo.Get(ctx, sourceURL)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		h.logger.Error("get event failed", zap.String("url", sourceURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	images, err := h.repo.Images(ctx, event.ID)
	if err != nil {
		h.logger.Error("list images failed", zap.Int64("event_id", event.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}
	if images == nil {
		images = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func parseSourceURL(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", errors.New("invalid url")
	}
	return raw, nil
}
