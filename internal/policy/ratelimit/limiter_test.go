package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterPacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://events.example/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://EVENTS.example/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiterDisabledAndCanceled(t *testing.T) {
	t.Parallel()

	unlimited := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Wait(context.Background(), "https://a.example/"))
	}

	slow := New(Config{RPS: 0.01, Burst: 1})
	require.NoError(t, slow.Wait(context.Background(), "https://a.example/"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, slow.Wait(ctx, "https://a.example/"))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "events.example", hostOf("https://Events.Example:8443/x"))
	require.Equal(t, "unknown", hostOf("::bad"))
}
