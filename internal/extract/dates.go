package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

var defaultMonthNames = map[string]time.Month{
	// English
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
	// Lithuanian, nominative and genitive
	"sausis": time.January, "sausio": time.January,
	"vasaris": time.February, "vasario": time.February,
	"kovas": time.March, "kovo": time.March,
	"balandis": time.April, "balandžio": time.April,
	"gegužė": time.May, "gegužės": time.May,
	"birželis": time.June, "birželio": time.June,
	"liepa": time.July, "liepos": time.July,
	"rugpjūtis": time.August, "rugpjūčio": time.August,
	"rugsėjis": time.September, "rugsėjo": time.September,
	"spalis": time.October, "spalio": time.October,
	"lapkritis": time.November, "lapkričio": time.November,
	"gruodis": time.December, "gruodžio": time.December,
	// German
	"januar": time.January, "jänner": time.January,
	"februar": time.February,
	"märz": time.March, "maerz": time.March,
	"mai": time.May,
	"juni": time.June,
	"juli": time.July,
	"oktober": time.October,
	"dezember": time.December,
}

var rangeWords = map[string]bool{
	"to": true, "until": true, "till": true, "through": true,
	"iki": true, "bis": true,
}

var (
	isoDatePattern     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	numericDatePattern = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})?`)
	clockPattern       = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	dateTokenPattern   = regexp.MustCompile(`\d+|\p{L}+|-`)
	dashReplacer       = strings.NewReplacer("–", "-", "—", "-", "‒", "-", "−", "-", "~", "-")
)

// DateNormalizer turns free-text event dates into normalized ranges.
type DateNormalizer struct {
	months map[string]time.Month
}

// NewDateNormalizer builds a normalizer with the built-in month lexicon plus
// any extra names (lowercased name to month number).
func NewDateNormalizer(extra map[string]int) *DateNormalizer {
	months := make(map[string]time.Month, len(defaultMonthNames)+len(extra))
	for k, v := range defaultMonthNames {
		months[k] = v
	}
	for k, v := range extra {
		if v >= 1 && v <= 12 {
			months[strings.ToLower(strings.TrimSpace(k))] = time.Month(v)
		}
	}
	return &DateNormalizer{months: months}
}

// dateSide is the partial date found on one side of a range separator.
type dateSide struct {
	days  []int
	month time.Month
	year  int
}

func (s dateSide) empty() bool {
	return len(s.days) == 0 && s.month == 0 && s.year == 0
}

func (s dateSide) complete() bool {
	return len(s.days) > 0 && s.month != 0 && s.year != 0
}

// Normalize parses raw relative to now. Unparseable input yields an empty
// DateRange rather than an error.
func (n *DateNormalizer) Normalize(raw string, now time.Time) ingest.DateRange {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return ingest.DateRange{}
	}
	if r, ok := n.normalizeISO(text); ok {
		return r
	}
	text = dashReplacer.Replace(text)
	text = clockPattern.ReplaceAllString(text, " ")
	if r, ok := n.normalizeNumeric(text, now); ok {
		return r
	}

	left, right, ok := n.scan(text)
	if !ok {
		return ingest.DateRange{}
	}
	return resolveSides(left, right, now)
}

func (n *DateNormalizer) normalizeISO(text string) (ingest.DateRange, bool) {
	matches := isoDatePattern.FindAllStringSubmatch(text, 2)
	if len(matches) == 0 {
		return ingest.DateRange{}, false
	}
	dates := make([]time.Time, 0, len(matches))
	for _, m := range matches {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		t, ok := buildDate(y, time.Month(mo), d)
		if !ok {
			return ingest.DateRange{}, true
		}
		dates = append(dates, t)
	}
	start, end := dates[0], dates[len(dates)-1]
	return finish(start, end), true
}

func (n *DateNormalizer) normalizeNumeric(text string, now time.Time) (ingest.DateRange, bool) {
	matches := numericDatePattern.FindAllStringSubmatch(text, 2)
	if len(matches) == 0 {
		return ingest.DateRange{}, false
	}
	sides := make([]dateSide, 0, 2)
	for _, m := range matches {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if mo < 1 || mo > 12 {
			return ingest.DateRange{}, false
		}
		side := dateSide{days: []int{d}, month: time.Month(mo)}
		if m[3] != "" {
			side.year, _ = strconv.Atoi(m[3])
		}
		sides = append(sides, side)
	}
	if len(sides) == 1 {
		return resolveSides(sides[0], dateSide{}, now), true
	}
	return resolveSides(sides[0], sides[1], now), true
}

// scan splits the token stream at the first range separator and collects the
// day, month, and year found on each side.
func (n *DateNormalizer) scan(text string) (dateSide, dateSide, bool) {
	var sides [2]dateSide
	idx := 0
	found := false
	for _, tok := range dateTokenPattern.FindAllString(text, -1) {
		if tok == "-" || rangeWords[tok] {
			if !sides[0].empty() {
				idx = 1
			}
			continue
		}
		if num, err := strconv.Atoi(tok); err == nil {
			switch {
			case num >= 1900 && num <= 2100:
				sides[idx].year = num
				found = true
			case sides[idx].complete():
				// Trailing numbers after a full date ("doors open 7") are not days.
			case num >= 1 && num <= 31:
				sides[idx].days = append(sides[idx].days, num)
				found = true
			}
			continue
		}
		if month, ok := n.months[tok]; ok {
			if sides[idx].month != 0 && idx == 0 && len(sides[0].days) > 0 {
				// "june 30 july 2" without a separator: treat the second month as the end.
				idx = 1
			}
			sides[idx].month = month
			found = true
		}
	}
	if !found || (sides[0].month == 0 && sides[1].month == 0) {
		return dateSide{}, dateSide{}, false
	}
	return sides[0], sides[1], true
}

func resolveSides(left, right dateSide, now time.Time) ingest.DateRange {
	if right.empty() {
		right = left
		if len(left.days) > 1 {
			left.days = left.days[:1]
			right.days = right.days[len(right.days)-1:]
		}
	}
	if left.month == 0 {
		left.month = right.month
	}
	if right.month == 0 {
		right.month = left.month
	}
	if left.month == 0 {
		return ingest.DateRange{}
	}

	startDay, endDay := 1, 0
	if len(left.days) > 0 {
		startDay = left.days[0]
	}
	if len(right.days) > 0 {
		endDay = right.days[len(right.days)-1]
	}

	switch {
	case left.year == 0 && right.year != 0:
		// "28 December - 3 January 2027": the start is in the previous year.
		left.year = right.year
		if right.month < left.month {
			left.year--
		}
	case right.year == 0 && left.year != 0:
		right.year = left.year
		if right.month < left.month {
			right.year++
		}
	}
	if left.year != 0 {
		return span(left.year, left.month, startDay, right.year, right.month, endDay)
	}

	// No year anywhere: take the nearest occurrence that has not ended yet.
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for base := now.Year() - 1; base <= now.Year()+1; base++ {
		endYear := base
		if right.month < left.month {
			endYear++
		}
		r := span(base, left.month, startDay, endYear, right.month, endDay)
		if r.Known() && !r.End.Before(today) {
			return r
		}
	}
	return ingest.DateRange{}
}

func span(startYear int, startMonth time.Month, startDay, endYear int, endMonth time.Month, endDay int) ingest.DateRange {
	start, ok := buildDate(startYear, startMonth, startDay)
	if !ok {
		return ingest.DateRange{}
	}
	if endDay == 0 {
		endDay = daysIn(endYear, endMonth)
	}
	end, ok := buildDate(endYear, endMonth, endDay)
	if !ok {
		return ingest.DateRange{}
	}
	return finish(start, end)
}

func finish(start, end time.Time) ingest.DateRange {
	if end.Before(start) {
		return ingest.DateRange{}
	}
	return ingest.DateRange{
		Start:  &start,
		End:    &end,
		Months: ingest.MonthSetBetween(start, end),
	}
}

func buildDate(year int, month time.Month, day int) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 || day > daysIn(year, month) {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
