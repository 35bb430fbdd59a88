package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"model":   "test-model",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
}

func TestChatSendsMessagesAndReturnsContent(t *testing.T) {
	var body map[string]any
	srv := completionServer(t, `{"title":"ok"}`, &body)
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model", Temperature: 0.7})
	require.NoError(t, err)
	out, err := c.Chat(context.Background(), []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"ok"}`, out)

	assert.Equal(t, "test-model", body["model"])
	assert.EqualValues(t, 1024, body["max_tokens"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestChatHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "m"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}})
	assert.Error(t, err)
}

func TestChatReportsProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "m"})
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	assert.Error(t, err)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{Model: "m"})
	assert.Error(t, err)
	_, err = NewClient(Config{APIKey: "k"})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := completionServer(t, "pong", nil)
	defer srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model", RatePerSecond: 5})
	require.NoError(t, err)
	assert.NoError(t, c.Ping(context.Background()))
}
