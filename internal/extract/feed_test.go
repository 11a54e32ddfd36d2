package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:ev="http://purl.org/rss/1.0/modules/event/">
<channel>
  <title>Town events</title>
  <link>https://site.example/</link>
  <item>
    <title>  Jazz   Night </title>
    <link>/e/jazz-night#details</link>
    <ev:startdate>15 January 2026</ev:startdate>
    <enclosure url="/img/jazz.jpg" type="image/jpeg" length="100"/>
  </item>
  <item>
    <title>Winter Market</title>
    <guid>https://site.example/e/market</guid>
  </item>
  <item>
    <title>Jazz Night again</title>
    <link>https://site.example/e/jazz-night</link>
  </item>
</channel>
</rss>`

func TestFeedExtractListing(t *testing.T) {
	t.Parallel()

	f := NewFeedExtractor(New(DefaultSelectors()))
	items, err := f.ExtractListing([]byte(feedXML), "https://site.example/feed.xml")
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.Equal(t, ingest.ListingItem{
		URL:      "https://site.example/e/jazz-night",
		Title:    "Jazz Night",
		RawDate:  "15 January 2026",
		RawImage: "https://site.example/img/jazz.jpg",
	}, items[0])
	require.Equal(t, "https://site.example/e/market", items[1].URL)
	require.Empty(t, items[1].RawDate)
	require.Empty(t, items[1].RawImage)
}

func TestFeedExtractListingRejectsGarbage(t *testing.T) {
	t.Parallel()

	f := NewFeedExtractor(New(DefaultSelectors()))
	_, err := f.ExtractListing([]byte("<html><body>not a feed</body></html>"), "https://site.example/feed.xml")
	var extractErr *ingest.ExtractionError
	require.True(t, errors.As(err, &extractErr))
	require.Equal(t, "https://site.example/feed.xml", extractErr.URL)
}

func TestFeedExtractDetailDelegates(t *testing.T) {
	t.Parallel()

	f := NewFeedExtractor(New(DefaultSelectors()))
	page := `<html><body><h1>Jazz Night</h1><div class="event-description"><p>Live music.</p></div></body></html>`
	detail, err := f.ExtractDetail([]byte(page), "https://site.example/e/jazz-night")
	require.NoError(t, err)
	require.Equal(t, "Jazz Night", detail.Title)
}
