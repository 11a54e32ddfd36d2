package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

var monthTokenPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// MonthSet is an ordered set of "YYYY-MM" tokens covering the months an event
// spans. The zero value is an empty set.
type MonthSet []string

// NewMonthSet validates the tokens and returns them sorted and de-duplicated.
func NewMonthSet(tokens ...string) (MonthSet, error) {
	out := make(MonthSet, 0, len(tokens))
	for _, raw := range tokens {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}
		if !monthTokenPattern.MatchString(token) {
			return nil, fmt.Errorf("invalid month token %q", raw)
		}
		out = append(out, token)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// MonthSetBetween returns every month from start to end inclusive. It returns
// an empty set when end precedes start.
func MonthSetBetween(start, end time.Time) MonthSet {
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out MonthSet
	for !cur.After(last) {
		out = append(out, cur.Format("2006-01"))
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// Contains reports whether token is a member.
func (m MonthSet) Contains(token string) bool {
	return slices.Contains(m, token)
}

// Strings returns a copy of the tokens.
func (m MonthSet) Strings() []string {
	return append([]string(nil), m...)
}

// MarshalJSON always encodes a JSON array, never null.
func (m MonthSet) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal([]string(m))
	if err != nil {
		return nil, fmt.Errorf("marshal month set: %w", err)
	}
	return data, nil
}

// UnmarshalJSON accepts an array of tokens, null, or a string. A string may
// hold a single bare token or a JSON-encoded array, both of which older rows
// carry.
func (m *MonthSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = MonthSet{}
		return nil
	}
	var tokens []string
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &tokens); err != nil {
			return fmt.Errorf("decode month set: %w", err)
		}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode month set: %w", err)
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &tokens); err != nil {
				return fmt.Errorf("decode embedded month set: %w", err)
			}
		} else {
			tokens = strings.Split(s, ",")
		}
	default:
		return fmt.Errorf("decode month set: unexpected JSON %s", string(data))
	}
	set, err := NewMonthSet(tokens...)
	if err != nil {
		return err
	}
	*m = set
	return nil
}
