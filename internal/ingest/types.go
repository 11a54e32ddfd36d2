package ingest

import (
	"net/http"
	"strings"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RunID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ListingItem is one candidate event found on a listing page.
type ListingItem struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	RawDate  string `json:"raw_date,omitempty"`
	RawImage string `json:"raw_image,omitempty"`
}

// Detail holds the fields found on an event detail page. Optional fields are
// left empty when the markup does not carry them.
type Detail struct {
	Title         string
	DateText      string
	TimeText      string
	Location      string
	BodyText      string
	CoverImageURL string
	Images        []string
	GoogleMapsURL string
	FacebookURL   string
	Latitude      *float64
	Longitude     *float64
}

// DateRange is the normalized form of a free-text event date. All fields are
// empty when the text could not be parsed.
type DateRange struct {
	Start  *time.Time
	End    *time.Time
	Months MonthSet
}

// Known reports whether the range carries a parsed date.
func (d DateRange) Known() bool {
	return d.Start != nil
}

// Ended reports whether the range finished before the day containing now.
func (d DateRange) Ended(now time.Time) bool {
	last := d.End
	if last == nil {
		last = d.Start
	}
	if last == nil {
		return false
	}
	y, m, day := now.Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	return last.Before(today)
}

// Enrichment is the structured output of the generative-text service.
type Enrichment struct {
	Description string   `json:"description"`
	Markdown    string   `json:"markdown"`
	Tags        []string `json:"tags"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Event is the persistent record keyed by SourceURL.
type Event struct {
	ID                  int64      `json:"id"`
	SourceURL           string     `json:"source_url"`
	Title               string     `json:"title"`
	Location            string     `json:"location,omitempty"`
	DateText            string     `json:"date_text,omitempty"`
	TimeText            string     `json:"time_text,omitempty"`
	MonthWrapped        MonthSet   `json:"month_wrapped"`
	StartsOn            *time.Time `json:"starts_on,omitempty"`
	EndsOn              *time.Time `json:"ends_on,omitempty"`
	Description         string     `json:"description,omitempty"`
	DescriptionMarkdown string     `json:"description_markdown,omitempty"`
	CoverImageURL       string     `json:"cover_image_url,omitempty"`
	GoogleMapsURL       string     `json:"google_maps_url,omitempty"`
	FacebookURL         string     `json:"facebook_url,omitempty"`
	Latitude            *float64   `json:"latitude,omitempty"`
	Longitude           *float64   `json:"longitude,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
	IsFullyScraped      bool       `json:"is_fully_scraped"`
	IsEnded             bool       `json:"is_ended"`
	FirstScrapedAt      time.Time  `json:"first_scraped_at"`
	LastUpdatedAt       time.Time  `json:"last_updated_at"`
}

// HasFullDetail reports whether the record carries the title, the date text,
// and an enriched description. Only such input may mark a row fully scraped.
func (e Event) HasFullDetail() bool {
	return strings.TrimSpace(e.Title) != "" &&
		strings.TrimSpace(e.DateText) != "" &&
		strings.TrimSpace(e.Description) != ""
}

// UpsertOutcome reports what an upsert did to the stored row.
type UpsertOutcome string

// Upsert outcomes.
const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// UpsertResult identifies the affected row and the outcome.
type UpsertResult struct {
	ID      int64
	Outcome UpsertOutcome
}

// UpsertOptions tunes upsert policy.
type UpsertOptions struct {
	// Rescrape lets a fully scraped row take new detail fields.
	Rescrape bool
}

// RunState is the lifecycle state of the run controller.
type RunState string

// Run states. Completed and failed are shown after a cycle ends; the
// controller accepts a new Start from any state but running.
const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// RunOutcome is the terminal result of a finished cycle.
type RunOutcome string

// Run outcomes.
const (
	RunOutcomeCompleted RunOutcome = "completed"
	RunOutcomeFailed    RunOutcome = "failed"
)

// RunStatus is a point-in-time snapshot of the run controller.
type RunStatus struct {
	RunID        string     `json:"run_id,omitempty"`
	State        RunState   `json:"state"`
	IsRunning    bool       `json:"is_running"`
	Rescrape     bool       `json:"rescrape,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	PagesScanned int        `json:"pages_scanned"`
	Discovered   int        `json:"discovered"`
	Processed    int        `json:"processed"`
	Skipped      int        `json:"skipped"`
	Failed       int        `json:"failed"`
	LastOutcome  RunOutcome `json:"last_outcome,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// UpsertNotification is published after a row is inserted or updated.
type UpsertNotification struct {
	RunID          string        `json:"run_id"`
	EventID        int64         `json:"event_id"`
	SourceURL      string        `json:"source_url"`
	Outcome        UpsertOutcome `json:"outcome"`
	IsFullyScraped bool          `json:"is_fully_scraped"`
	Months         MonthSet      `json:"months"`
	ArchiveURI     string        `json:"archive_uri,omitempty"`
	At             time.Time     `json:"at"`
}
