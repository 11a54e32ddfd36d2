// Package promote fetches with a cheap static request and re-fetches through a
// headless renderer when the static response is an unrendered page.
package promote

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

// Detector decides whether a static response needs rendering.
type Detector interface {
	ShouldPromote(resp ingest.FetchResponse) bool
}

// Fetcher chains a static fetcher and a headless fetcher.
type Fetcher struct {
	static   ingest.Fetcher
	headless ingest.Fetcher
	detector Detector
	logger   *zap.Logger
}

var _ ingest.Fetcher = (*Fetcher)(nil)

// New returns a promoting Fetcher. A nil headless fetcher or detector turns
// it into a pass-through for static.
func New(static, headless ingest.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{static: static, headless: headless, detector: detector, logger: logger.Named("promote")}
}

// Fetch implements ingest.Fetcher. A failed headless render falls back to the
// static response.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	resp, err := f.static.Fetch(ctx, req)
	if err != nil || f.headless == nil || f.detector == nil || !f.detector.ShouldPromote(resp) {
		return resp, err
	}
	rendered, err := f.headless.Fetch(ctx, req)
	if err != nil {
		f.logger.Warn("headless render failed; using static response", zap.String("url", req.URL), zap.Error(err))
		return resp, nil
	}
	f.logger.Debug("page rendered headless", zap.String("url", req.URL), zap.Int("static_bytes", len(resp.Body)))
	return rendered, nil
}
