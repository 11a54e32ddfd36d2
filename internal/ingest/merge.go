package ingest

import (
	"strings"
	"time"
)

// MergeEvent applies input onto the stored row and reports the outcome.
// Both store implementations share these rules:
//   - a fully scraped row only refreshes IsEnded and LastUpdatedAt unless
//     opts.Rescrape is set, and is unchanged when IsEnded did not flip;
//   - otherwise non-empty input fields overwrite, empty ones keep the stored value;
//   - IsFullyScraped never goes back to false.
func MergeEvent(stored, input Event, opts UpsertOptions, now time.Time) (Event, UpsertOutcome) {
	merged := stored
	merged.LastUpdatedAt = now

	if stored.IsFullyScraped && !opts.Rescrape {
		merged.IsEnded = input.IsEnded
		if stored.IsEnded == input.IsEnded {
			return merged, OutcomeUnchanged
		}
		return merged, OutcomeUpdated
	}

	mergeString(&merged.Title, input.Title)
	mergeString(&merged.Location, input.Location)
	mergeString(&merged.DateText, input.DateText)
	mergeString(&merged.TimeText, input.TimeText)
	mergeString(&merged.Description, input.Description)
	mergeString(&merged.DescriptionMarkdown, input.DescriptionMarkdown)
	mergeString(&merged.CoverImageURL, input.CoverImageURL)
	mergeString(&merged.GoogleMapsURL, input.GoogleMapsURL)
	mergeString(&merged.FacebookURL, input.FacebookURL)
	if len(input.MonthWrapped) > 0 {
		merged.MonthWrapped = input.MonthWrapped
	}
	if input.StartsOn != nil {
		merged.StartsOn = input.StartsOn
	}
	if input.EndsOn != nil {
		merged.EndsOn = input.EndsOn
	}
	if input.Latitude != nil && input.Longitude != nil {
		merged.Latitude = input.Latitude
		merged.Longitude = input.Longitude
	}
	if len(input.Tags) > 0 {
		merged.Tags = input.Tags
	}
	merged.IsEnded = input.IsEnded
	merged.IsFullyScraped = stored.IsFullyScraped || input.HasFullDetail()
	return merged, OutcomeUpdated
}

// NewEventRow prepares input for insertion.
func NewEventRow(input Event, now time.Time) Event {
	row := input
	row.ID = 0
	row.FirstScrapedAt = now
	row.LastUpdatedAt = now
	row.IsFullyScraped = input.HasFullDetail()
	if row.MonthWrapped == nil {
		row.MonthWrapped = MonthSet{}
	}
	return row
}

func mergeString(dst *string, src string) {
	if strings.TrimSpace(src) != "" {
		*dst = src
	}
}

// CleanImageURLs trims, drops blanks, and removes duplicates keeping first
// occurrence order.
func CleanImageURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
