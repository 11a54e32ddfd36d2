//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

func TestEventStoreAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	pg, err := tcpostgres.RunContainer(ctx,
		tcpostgres.WithDatabase("events"),
		tcpostgres.WithUsername("events"),
		tcpostgres.WithPassword("events"),
		tcpostgres.WithSQLDriver("pgx"),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var store *EventStore
	require.Eventually(t, func() bool {
		store, err = NewEventStore(ctx, Config{DSN: dsn}, zap.NewNop())
		return err == nil && store.Ping(ctx) == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))

	ev := ingest.Event{
		SourceURL:           "https://events.example/e/1",
		Title:               "Jazz Night",
		DateText:            "15–18 January 2026",
		Description:         "Live jazz.",
		DescriptionMarkdown: "# Jazz",
		MonthWrapped:        ingest.MonthSet{"2026-01"},
		Tags:                []string{"music"},
	}
	res, err := store.UpsertWithImages(ctx, ev, []string{"https://img.example/1.jpg", "https://img.example/2.jpg"}, ingest.UpsertOptions{})
	require.NoError(t, err)
	require.Equal(t, ingest.OutcomeInserted, res.Outcome)

	again, err := store.Upsert(ctx, ingest.Event{SourceURL: ev.SourceURL, DescriptionMarkdown: "# Changed"}, ingest.UpsertOptions{})
	require.NoError(t, err)
	require.Equal(t, ingest.OutcomeUnchanged, again.Outcome)
	require.Equal(t, res.ID, again.ID)

	got, err := store.Get(ctx, ev.SourceURL)
	require.NoError(t, err)
	require.Equal(t, "# Jazz", got.DescriptionMarkdown)
	require.True(t, got.IsFullyScraped)
	require.Equal(t, ingest.MonthSet{"2026-01"}, got.MonthWrapped)

	images, err := store.Images(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://img.example/1.jpg", "https://img.example/2.jpg"}, images)

	flags, err := store.FullyScraped(ctx, []string{ev.SourceURL, "https://events.example/none"})
	require.NoError(t, err)
	require.True(t, flags[ev.SourceURL])
	require.False(t, flags["https://events.example/none"])
}
