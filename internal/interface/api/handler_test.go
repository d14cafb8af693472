package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chat-rag/internal/core/chat"
	"github.com/jinford/chat-rag/internal/core/conversation"
	"github.com/jinford/chat-rag/internal/core/dispatch"
	"github.com/jinford/chat-rag/internal/core/index"
	"github.com/jinford/chat-rag/internal/core/refresh"
)

type stubChat struct {
	lastParams chat.ChatParams
	lastMode   string
	err        error
	history    []conversation.Message
}

func (s *stubChat) reply(mode string, params chat.ChatParams) (*chat.ChatResult, error) {
	s.lastParams = params
	s.lastMode = mode
	if s.err != nil {
		return nil, s.err
	}
	return &chat.ChatResult{SessionID: params.SessionID.OrElse("generated-id"), Reply: mode + " reply"}, nil
}

func (s *stubChat) Chat(ctx context.Context, params chat.ChatParams) (*chat.ChatResult, error) {
	return s.reply("general", params)
}

func (s *stubChat) ChatRealtime(ctx context.Context, params chat.ChatParams) (*chat.ChatResult, error) {
	return s.reply("realtime", params)
}

func (s *stubChat) History(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	if err := conversation.ValidateID(sessionID); err != nil {
		return nil, err
	}
	return s.history, nil
}

type stubSnapshot struct{ snap *index.Snapshot }

func (s stubSnapshot) Current() *index.Snapshot { return s.snap }

type stubRefresher struct{}

func (stubRefresher) Status() refresh.Status { return refresh.Status{State: "idle"} }

type stubPool struct{}

func (stubPool) PoolSize() int { return 3 }

func newTestServer(t *testing.T, svc *stubChat, opts ...HandlerOption) *echo.Echo {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(svc, append([]HandlerOption{WithLogger(quiet)}, opts...)...)
	return NewServer(h, "127.0.0.1", 0, quiet).Echo()
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestChat_Success(t *testing.T) {
	svc := &stubChat{}
	e := newTestServer(t, svc)

	rec := do(t, e, http.MethodPost, "/chat", `{"message":"hi","session_id":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ChatResponse](t, rec)
	assert.Equal(t, "general reply", resp.Response)
	assert.Equal(t, "abc", resp.SessionID)
	assert.Equal(t, "hi", svc.lastParams.Message)

	rec = do(t, e, http.MethodPost, "/chat/realtime", `{"message":"news?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[ChatResponse](t, rec)
	assert.Equal(t, "realtime reply", resp.Response)
	assert.Equal(t, "generated-id", resp.SessionID)
	assert.True(t, svc.lastParams.SessionID.IsAbsent())
}

func TestChat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{
			name:       "invalid message",
			err:        chat.ErrInvalidMessage,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid identifier",
			err:        conversation.ErrInvalidIdentifier,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "all credentials rate limited",
			err:        &dispatch.ExhaustedError{Attempts: 2, RateLimited: true, Last: dispatch.ErrRateLimited},
			wantStatus: http.StatusTooManyRequests,
			wantDetail: RateLimitMessage,
		},
		{
			name:       "upstream exhausted",
			err:        &dispatch.ExhaustedError{Attempts: 2, Last: errors.New("connection reset")},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unexpected",
			err:        conversation.ErrStorage,
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(t, &stubChat{err: tt.err})

			rec := do(t, e, http.MethodPost, "/chat", `{"message":"hi"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Detail)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, resp.Detail)
			}
		})
	}
}

func TestChat_MalformedBody(t *testing.T) {
	e := newTestServer(t, &stubChat{})

	rec := do(t, e, http.MethodPost, "/chat", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	svc := &stubChat{history: []conversation.Message{
		{Role: conversation.RoleUser, Content: "hi", Timestamp: time.Now()},
		{Role: conversation.RoleAssistant, Content: "hello"},
	}}
	e := newTestServer(t, svc)

	rec := do(t, e, http.MethodGet, "/chat/history/abc-123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HistoryResponse](t, rec)
	assert.Equal(t, "abc-123", resp.SessionID)
	assert.Equal(t, []HistoryMessage{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}, resp.Messages)

	svc.history = nil
	rec = do(t, e, http.MethodGet, "/chat/history/unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"unknown","messages":[]}`, rec.Body.String())

	rec = do(t, e, http.MethodGet, "/chat/history/.hidden", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRootAndHealth(t *testing.T) {
	snap := index.NewSnapshot(5, time.Now(), 2, []index.Segment{{ID: "x", Vector: []float32{1, 0}}})
	e := newTestServer(t, &stubChat{},
		WithIndex(stubSnapshot{snap: snap}),
		WithRefresher(stubRefresher{}),
		WithPool(stubPool{}),
		WithAssistantName("Friday"),
		WithRealtimeSearch(true),
	)

	rec := do(t, e, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message":"Friday API"`)
	assert.Contains(t, rec.Body.String(), "/chat/realtime")

	rec = do(t, e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.EqualValues(t, 5, health.IndexGeneration)
	assert.Equal(t, 1, health.IndexSegments)
	assert.Equal(t, 3, health.CredentialPool)
	assert.True(t, health.RealtimeSearch)
	require.NotNil(t, health.Refresher)
	assert.Equal(t, "idle", health.Refresher.State)
}

func TestUnknownRouteUsesErrorBody(t *testing.T) {
	e := newTestServer(t, &stubChat{})

	rec := do(t, e, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", decode[ErrorResponse](t, rec).Detail)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(NewHandler(&stubChat{}, WithLogger(quiet)), "127.0.0.1", 0, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
