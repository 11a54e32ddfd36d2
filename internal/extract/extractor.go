// Package extract parses listing and detail pages into structured event
// fields and normalizes free-text dates.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

// Selectors holds the CSS selectors used against the target site.
type Selectors struct {
	ListingContainer string `mapstructure:"listing_container"`
	ListingItem      string `mapstructure:"listing_item"`
	ItemLink         string `mapstructure:"item_link"`
	ItemTitle        string `mapstructure:"item_title"`
	ItemDate         string `mapstructure:"item_date"`
	ItemImage        string `mapstructure:"item_image"`
	DetailTitle      string `mapstructure:"detail_title"`
	DetailDate       string `mapstructure:"detail_date"`
	DetailTime       string `mapstructure:"detail_time"`
	DetailLocation   string `mapstructure:"detail_location"`
	DetailBody       string `mapstructure:"detail_body"`
	DetailCover      string `mapstructure:"detail_cover"`
	DetailGallery    string `mapstructure:"detail_gallery"`
}

// DefaultSelectors match a conventional event-listing layout.
func DefaultSelectors() Selectors {
	return Selectors{
		ListingContainer: "",
		ListingItem:      ".event, .event-item, article",
		ItemLink:         "a[href]",
		ItemTitle:        ".event-title, h2, h3",
		ItemDate:         ".event-date, time",
		ItemImage:        "img",
		DetailTitle:      "h1",
		DetailDate:       ".event-date, time",
		DetailTime:       ".event-time",
		DetailLocation:   ".event-location, .location, [itemprop=location]",
		DetailBody:       ".event-description, .description, [itemprop=description]",
		DetailCover:      ".event-cover img, .cover img",
		DetailGallery:    ".gallery img, .event-gallery img",
	}
}

// HTMLExtractor implements ingest.Extractor with goquery selectors.
type HTMLExtractor struct {
	sel Selectors
}

// New builds an HTMLExtractor. Empty selector fields fall back to defaults.
func New(sel Selectors) *HTMLExtractor {
	return &HTMLExtractor{sel: withDefaults(sel)}
}

func withDefaults(sel Selectors) Selectors {
	def := DefaultSelectors()
	pick := func(v, d string) string {
		if strings.TrimSpace(v) == "" {
			return d
		}
		return v
	}
	return Selectors{
		ListingContainer: sel.ListingContainer,
		ListingItem:      pick(sel.ListingItem, def.ListingItem),
		ItemLink:         pick(sel.ItemLink, def.ItemLink),
		ItemTitle:        pick(sel.ItemTitle, def.ItemTitle),
		ItemDate:         pick(sel.ItemDate, def.ItemDate),
		ItemImage:        pick(sel.ItemImage, def.ItemImage),
		DetailTitle:      pick(sel.DetailTitle, def.DetailTitle),
		DetailDate:       pick(sel.DetailDate, def.DetailDate),
		DetailTime:       pick(sel.DetailTime, def.DetailTime),
		DetailLocation:   pick(sel.DetailLocation, def.DetailLocation),
		DetailBody:       pick(sel.DetailBody, def.DetailBody),
		DetailCover:      pick(sel.DetailCover, def.DetailCover),
		DetailGallery:    pick(sel.DetailGallery, def.DetailGallery),
	}
}

// ExtractListing returns the items on a listing page in document order. An
// empty slice means the page has no more items. It fails only when the
// configured listing container is missing.
func (e *HTMLExtractor) ExtractListing(html []byte, pageURL string) ([]ingest.ListingItem, error) {
	doc, base, err := parse(html, pageURL)
	if err != nil {
		return nil, err
	}
	root := doc.Selection
	if e.sel.ListingContainer != "" {
		root = doc.Find(e.sel.ListingContainer)
		if root.Length() == 0 {
			return nil, &ingest.ExtractionError{URL: pageURL, Reason: "listing container not found"}
		}
	}

	seen := make(map[string]bool)
	var items []ingest.ListingItem
	root.Find(e.sel.ListingItem).Each(func(_ int, card *goquery.Selection) {
		link := card.Find(e.sel.ItemLink).First()
		if link.Length() == 0 && card.Is("a[href]") {
			link = card
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs := resolve(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true

		title := cleanText(card.Find(e.sel.ItemTitle).First().Text())
		if title == "" {
			title = cleanText(link.Text())
		}
		items = append(items, ingest.ListingItem{
			URL:      abs,
			Title:    title,
			RawDate:  cleanText(card.Find(e.sel.ItemDate).First().Text()),
			RawImage: resolve(base, imageSource(card.Find(e.sel.ItemImage).First())),
		})
	})
	return items, nil
}

// ExtractDetail pulls event fields out of a detail page. Only a missing title
// is an error; every other field is optional.
func (e *HTMLExtractor) ExtractDetail(html []byte, pageURL string) (ingest.Detail, error) {
	doc, base, err := parse(html, pageURL)
	if err != nil {
		return ingest.Detail{}, err
	}

	title := cleanText(doc.Find(e.sel.DetailTitle).First().Text())
	if title == "" {
		title = metaContent(doc, `meta[property="og:title"]`)
	}
	if title == "" {
		return ingest.Detail{}, &ingest.ExtractionError{URL: pageURL, Reason: "title node not found"}
	}

	detail := ingest.Detail{
		Title:    title,
		DateText: cleanText(doc.Find(e.sel.DetailDate).First().Text()),
		TimeText: cleanText(doc.Find(e.sel.DetailTime).First().Text()),
		Location: cleanText(doc.Find(e.sel.DetailLocation).First().Text()),
		BodyText: cleanText(doc.Find(e.sel.DetailBody).First().Text()),
	}
	if detail.DateText == "" {
		if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
			detail.DateText = strings.TrimSpace(dt)
		}
	}
	if detail.BodyText == "" {
		detail.BodyText = readableText(html, base)
	}

	detail.CoverImageURL = resolve(base, imageSource(doc.Find(e.sel.DetailCover).First()))
	if detail.CoverImageURL == "" {
		detail.CoverImageURL = resolve(base, metaContent(doc, `meta[property="og:image"]`))
	}
	detail.Images = galleryImages(doc.Find(e.sel.DetailGallery), base)

	detail.GoogleMapsURL = mapsLink(doc, base)
	detail.FacebookURL = facebookLink(doc, base)
	detail.Latitude, detail.Longitude = coordinates(doc, detail.GoogleMapsURL)
	return detail, nil
}

func parse(html []byte, pageURL string) (*goquery.Document, *url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, nil, &ingest.ExtractionError{URL: pageURL, Reason: fmt.Sprintf("parse html: %v", err)}
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(href); err == nil {
			base = b
		}
	}
	return doc, base, nil
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-lazy-src"} {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	if srcset, ok := img.Attr("srcset"); ok {
		first := strings.Fields(strings.Split(srcset, ",")[0])
		if len(first) > 0 {
			return first[0]
		}
	}
	return ""
}

func galleryImages(sel *goquery.Selection, base *url.URL) []string {
	seen := make(map[string]bool)
	var out []string
	sel.Each(func(_ int, img *goquery.Selection) {
		src := resolve(base, imageSource(img))
		if src == "" || seen[src] {
			return
		}
		seen[src] = true
		out = append(out, src)
	})
	return out
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

func mapsLink(doc *goquery.Document, base *url.URL) string {
	var found string
	doc.Find(`a[href*="google.com/maps"], a[href*="goo.gl/maps"], a[href*="maps.app.goo.gl"], a[href*="maps.google."]`).
		EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			found = resolve(base, href)
			return found == ""
		})
	if found != "" {
		return found
	}
	src, _ := doc.Find(`iframe[src*="google.com/maps"]`).First().Attr("src")
	return resolve(base, src)
}

func facebookLink(doc *goquery.Document, base *url.URL) string {
	var fallback, event string
	doc.Find(`a[href*="facebook.com"], a[href*="fb.me"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := resolve(base, href)
		if abs == "" || strings.Contains(abs, "sharer") || strings.Contains(abs, "/share") {
			return
		}
		if event == "" && strings.Contains(abs, "/events/") {
			event = abs
		}
		if fallback == "" {
			fallback = abs
		}
	})
	if event != "" {
		return event
	}
	return fallback
}

var (
	mapsAtPattern    = regexp.MustCompile(`@(-?\d{1,3}\.\d+),(-?\d{1,3}\.\d+)`)
	mapsQueryPattern = regexp.MustCompile(`[?&](?:q|ll|query|center)=(-?\d{1,3}\.\d+)(?:,|%2C)\s*(-?\d{1,3}\.\d+)`)
	pairPattern      = regexp.MustCompile(`(-?\d{1,3}\.\d+)\s*[;,]\s*(-?\d{1,3}\.\d+)`)
)

func coordinates(doc *goquery.Document, mapsURL string) (*float64, *float64) {
	for _, attrs := range [][2]string{{"data-lat", "data-lng"}, {"data-latitude", "data-longitude"}, {"data-lat", "data-lon"}} {
		node := doc.Find(fmt.Sprintf("[%s][%s]", attrs[0], attrs[1])).First()
		if node.Length() == 0 {
			continue
		}
		latRaw, _ := node.Attr(attrs[0])
		lngRaw, _ := node.Attr(attrs[1])
		if lat, lng, ok := parsePair(latRaw, lngRaw); ok {
			return lat, lng
		}
	}
	for _, selector := range []string{`meta[name="geo.position"]`, `meta[name="ICBM"]`} {
		if m := pairPattern.FindStringSubmatch(metaContent(doc, selector)); m != nil {
			if lat, lng, ok := parsePair(m[1], m[2]); ok {
				return lat, lng
			}
		}
	}
	for _, re := range []*regexp.Regexp{mapsAtPattern, mapsQueryPattern} {
		if m := re.FindStringSubmatch(mapsURL); m != nil {
			if lat, lng, ok := parsePair(m[1], m[2]); ok {
				return lat, lng
			}
		}
	}
	return nil, nil
}

func parsePair(latRaw, lngRaw string) (*float64, *float64, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, nil, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngRaw), 64)
	if err != nil || lng < -180 || lng > 180 {
		return nil, nil, false
	}
	return &lat, &lng, true
}

// readableText is the fallback body extraction when the description selector
// misses.
func readableText(html []byte, base *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(html), base)
	if err != nil {
		return ""
	}
	return cleanText(article.TextContent)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
