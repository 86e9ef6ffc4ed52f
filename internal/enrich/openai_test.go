package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorded struct {
	mu   sync.Mutex
	auth string
	body map[string]any
}

func TestOpenAIBackendRoundTrip(t *testing.T) {
	t.Parallel()

	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.auth = r.Header.Get("Authorization")
		rec.body = body
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"text\": \"normalized\"}"}}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	cfg := snapshot()
	cfg.APIKey = ""
	backend := NewOpenAIBackend(srv.URL, "test-key", srv.Client())
	got, err := New(backend, Config{}, nil).NormalizeDescription(context.Background(), cfg, "raw")
	require.NoError(t, err)
	require.Equal(t, "normalized", got)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, "Bearer test-key", rec.auth)
	require.Equal(t, "gpt-test", rec.body["model"])
	format, ok := rec.body["response_format"].(map[string]any)
	require.True(t, ok, "response_format must be sent")
	require.Equal(t, "json_object", format["type"])
	messages, ok := rec.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
}

func TestOpenAIBackendCachesClients(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend("http://127.0.0.1:1", "", nil)
	a, err := backend.client("k", "m")
	require.NoError(t, err)
	b, err := backend.client("k", "m")
	require.NoError(t, err)
	require.Same(t, a, b)
	c, err := backend.client("k", "other")
	require.NoError(t, err)
	require.NotSame(t, a, c)
}

func TestOpenAIBackendRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAIBackend("", "", nil).Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
}
