// Package detector decides when a plain fetch came back as an unrendered
// script shell and the page must be rendered headless.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

const (
	defaultThreshold   = 2048
	scriptSharePercent = 25
)

// Heuristic promotes small script-heavy pages and known SPA mount points.
type Heuristic struct {
	BodyLengthThreshold int
	markers             [][]byte
}

// NewHeuristic creates a detector. A zero threshold uses 2 KiB. Extra markers
// are matched case-insensitively against the body.
func NewHeuristic(threshold int, extraMarkers ...string) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	markers := [][]byte{
		[]byte("__next"),
		[]byte(`id="root"`),
		[]byte(`id="app"`),
		[]byte("data-reactroot"),
		[]byte("ng-app"),
	}
	for _, m := range extraMarkers {
		if m = strings.TrimSpace(m); m != "" {
			markers = append(markers, []byte(strings.ToLower(m)))
		}
	}
	return &Heuristic{BodyLengthThreshold: threshold, markers: markers}
}

// ShouldPromote reports whether resp needs a headless render. Only 200
// responses are considered.
func (h *Heuristic) ShouldPromote(resp ingest.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	if len(lower) < h.BodyLengthThreshold && scriptShare(lower) >= scriptSharePercent {
		return true
	}
	for _, marker := range h.markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of the lowercased body covered by
// <script> elements. An unclosed tag covers the rest of the document.
func scriptShare(lower []byte) int {
	total := len(lower)
	if total == 0 {
		return 0
	}
	openTag := []byte("<script")
	closeTag := []byte("</script>")

	covered := 0
	pos := 0
	for pos < total {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if gt := bytes.IndexByte(lower[start:], '>'); gt != -1 {
			content := start + gt + 1
			if closeAt := bytes.Index(lower[content:], closeTag); closeAt != -1 {
				end = content + closeAt + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
