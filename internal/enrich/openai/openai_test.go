package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/events-ingest/internal/enrich"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := New(Config{})
	require.ErrorContains(t, err, "missing API key")
}

func TestGenerateAgainstCompatibleServer(t *testing.T) {
	var (
		mu       sync.Mutex
		lastBody map[string]any
	)
	gotBody := func() map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return lastBody
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		body := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		lastBody = body
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-5-nano",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"markdown\":\"hi\",\"tags\":[]}"}}]
		}`))
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := p.Generate(context.Background(), enrich.Request{System: "sys", Prompt: "user", MaxOutputTokens: 512})
	require.NoError(t, err)
	require.JSONEq(t, `{"markdown":"hi","tags":[]}`, out)
	require.Equal(t, "gpt-5-nano", gotBody()["model"])
	require.Len(t, gotBody()["messages"], 2)
	require.EqualValues(t, 512, gotBody()["max_completion_tokens"])

	_, err = p.Generate(context.Background(), enrich.Request{System: "sys", Prompt: "user"})
	require.NoError(t, err)
	require.NotContains(t, gotBody(), "max_completion_tokens")
}
