package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewMonthSetSortsAndDeduplicates(t *testing.T) {
	t.Parallel()

	set, err := NewMonthSet("2026-07", " 2026-06", "2026-07", "")
	require.NoError(t, err)
	require.Equal(t, MonthSet{"2026-06", "2026-07"}, set)

	_, err = NewMonthSet("2026-13")
	require.Error(t, err)
}

func TestMonthSetBetweenSpansYearBoundary(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, time.November, 28, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.February, 2, 0, 0, 0, 0, time.UTC)
	require.Equal(t, MonthSet{"2025-11", "2025-12", "2026-01", "2026-02"}, MonthSetBetween(start, end))
	require.Empty(t, MonthSetBetween(end, start))
}

func TestMonthSetMarshalNeverNull(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(MonthSet(nil))
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(data))
}

func TestMonthSetUnmarshalShapes(t *testing.T) {
	t.Parallel()

	cases := map[string]MonthSet{
		`["2026-07","2026-06"]`:     {"2026-06", "2026-07"},
		`"2026-01"`:                 {"2026-01"},
		`"[\"2026-02\",\"2026-03\"]"`: {"2026-02", "2026-03"},
		`null`:                      {},
		`"2026-04,2026-05"`:         {"2026-04", "2026-05"},
	}
	for input, want := range cases {
		var got MonthSet
		require.NoError(t, json.Unmarshal([]byte(input), &got), input)
		require.Equal(t, want, got, input)
	}

	var bad MonthSet
	require.Error(t, json.Unmarshal([]byte(`"January"`), &bad))
	require.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestDateRangeEnded(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)
	day := func(d int) *time.Time {
		v := time.Date(2026, time.March, d, 0, 0, 0, 0, time.UTC)
		return &v
	}
	require.True(t, DateRange{Start: day(1), End: day(9)}.Ended(now))
	require.False(t, DateRange{Start: day(1), End: day(10)}.Ended(now))
	require.False(t, DateRange{Start: day(11)}.Ended(now))
	require.False(t, DateRange{}.Ended(now))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	require.True(t, (&FetchError{URL: "u", StatusCode: 503}).Temporary())
	require.True(t, (&FetchError{URL: "u", StatusCode: 429}).Temporary())
	require.False(t, (&FetchError{URL: "u", StatusCode: 404}).Temporary())

	err := error(&AlreadyRunningError{RunID: "run-1"})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	wrapped := &StoreError{Op: "upsert", Connection: true, Cause: ErrNotFound}
	require.True(t, IsConnectionError(wrapped))
	require.ErrorIs(t, wrapped, ErrNotFound)
}
