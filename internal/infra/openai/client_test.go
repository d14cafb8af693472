package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chat-rag/internal/core/dispatch"
)

type recordedRequest struct {
	auth string
	body map[string]any
}

func newChatServer(t *testing.T, status int, payload string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{auth: r.Header.Get("Authorization"), body: body})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

const completionPayload = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "test-model",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "Good evening."}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func TestChatClient_Complete(t *testing.T) {
	srv, recorded := newChatServer(t, http.StatusOK, completionPayload)
	client := NewChatClient(WithBaseURL(srv.URL+"/"), WithModel("test-model"), WithMaxTokens(64))

	resp, err := client.Complete(context.Background(), dispatch.Credential{Key: "key-a"}, dispatch.CompletionRequest{
		SystemPrompt: "You are Jarvis",
		History: []dispatch.Turn{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		Message: "how are you?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Good evening.", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)

	reqs := recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer key-a", reqs[0].auth)
	assert.Equal(t, "test-model", reqs[0].body["model"])

	messages, ok := reqs[0].body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 4)
	roles := make([]string, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestChatClient_RateLimitIsClassified(t *testing.T) {
	srv, recorded := newChatServer(t, http.StatusTooManyRequests,
		`{"error": {"message": "Rate limit reached for tokens per day", "type": "tokens", "code": "rate_limit_exceeded"}}`)
	client := NewChatClient(WithBaseURL(srv.URL + "/"))

	_, err := client.Complete(context.Background(), dispatch.Credential{Key: "key-a"}, dispatch.CompletionRequest{Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrRateLimited)
	assert.True(t, dispatch.IsRateLimit(err))
	assert.Len(t, recorded(), 1, "SDK retries must be disabled")
}

func TestChatClient_ServerErrorIsNotRateLimit(t *testing.T) {
	srv, _ := newChatServer(t, http.StatusInternalServerError, `{"error": {"message": "boom"}}`)
	client := NewChatClient(WithBaseURL(srv.URL + "/"))

	_, err := client.Complete(context.Background(), dispatch.Credential{Key: "key-a"}, dispatch.CompletionRequest{Message: "hi"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, dispatch.ErrRateLimited)
}

func TestChatClient_CachesClientPerCredential(t *testing.T) {
	srv, recorded := newChatServer(t, http.StatusOK, completionPayload)
	client := NewChatClient(WithBaseURL(srv.URL + "/"))
	ctx := context.Background()

	for _, key := range []string{"key-a", "key-b", "key-a"} {
		_, err := client.Complete(ctx, dispatch.Credential{Key: key}, dispatch.CompletionRequest{Message: "hi"})
		require.NoError(t, err)
	}

	assert.Len(t, client.clients, 2)
	reqs := recorded()
	require.Len(t, reqs, 3)
	assert.Equal(t, "Bearer key-b", reqs[1].auth)
}
