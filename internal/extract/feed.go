package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

// FeedExtractor discovers listing items from an RSS or Atom feed and
// delegates detail pages to an HTML extractor.
type FeedExtractor struct {
	detail *HTMLExtractor
}

// NewFeedExtractor wraps detail for feed-based discovery.
func NewFeedExtractor(detail *HTMLExtractor) *FeedExtractor {
	return &FeedExtractor{detail: detail}
}

// ExtractListing parses a feed document. A feed that cannot be parsed is an
// ExtractionError; an empty feed is the end of the listing.
func (f *FeedExtractor) ExtractListing(data []byte, feedURL string) ([]ingest.ListingItem, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ingest.ExtractionError{URL: feedURL, Reason: "parse feed: " + err.Error()}
	}
	base, err := url.Parse(feedURL)
	if err != nil {
		base = &url.URL{}
	}

	seen := make(map[string]bool)
	items := make([]ingest.ListingItem, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := resolve(base, item.Link)
		if link == "" && strings.HasPrefix(item.GUID, "http") {
			link = resolve(base, item.GUID)
		}
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true
		items = append(items, ingest.ListingItem{
			URL:      link,
			Title:    cleanText(item.Title),
			RawDate:  eventStart(item),
			RawImage: resolve(base, feedImage(item)),
		})
	}
	return items, nil
}

// ExtractDetail delegates to the wrapped HTML extractor.
func (f *FeedExtractor) ExtractDetail(html []byte, pageURL string) (ingest.Detail, error) {
	return f.detail.ExtractDetail(html, pageURL)
}

// eventStart reads the RSS event module start date when present.
func eventStart(item *gofeed.Item) string {
	ev, ok := item.Extensions["ev"]
	if !ok {
		return ""
	}
	for _, key := range []string{"startdate", "startDate"} {
		if vals := ev[key]; len(vals) > 0 {
			return strings.TrimSpace(vals[0].Value)
		}
	}
	return ""
}

func feedImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}
