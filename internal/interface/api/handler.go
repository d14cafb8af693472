// Package api はチャットサービスの HTTP インターフェースを提供する
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/samber/mo"

	"github.com/jinford/chat-rag/internal/core/chat"
	"github.com/jinford/chat-rag/internal/core/conversation"
	"github.com/jinford/chat-rag/internal/core/index"
	"github.com/jinford/chat-rag/internal/core/refresh"
)

// ChatService は HTTP から呼び出す会話処理
type ChatService interface {
	Chat(ctx context.Context, params chat.ChatParams) (*chat.ChatResult, error)
	ChatRealtime(ctx context.Context, params chat.ChatParams) (*chat.ChatResult, error)
	History(ctx context.Context, sessionID string) ([]conversation.Message, error)
}

// SnapshotReader は提供中のスナップショットを返す
type SnapshotReader interface {
	Current() *index.Snapshot
}

// RefreshStatusReader は Refresher の状態を返す
type RefreshStatusReader interface {
	Status() refresh.Status
}

// PoolReporter は資格情報プールの大きさを返す
type PoolReporter interface {
	PoolSize() int
}

// Handler は HTTP リクエストを処理する
type Handler struct {
	chat      ChatService
	index     SnapshotReader
	refresher RefreshStatusReader
	pool      PoolReporter
	name      string
	realtime  bool
	logger    *slog.Logger
}

// HandlerOption は Handler のオプション
type HandlerOption func(*Handler)

// WithIndex はヘルスチェックで報告するインデックスを設定する
func WithIndex(idx SnapshotReader) HandlerOption {
	return func(h *Handler) { h.index = idx }
}

// WithRefresher はヘルスチェックで報告する Refresher を設定する
func WithRefresher(r RefreshStatusReader) HandlerOption {
	return func(h *Handler) { h.refresher = r }
}

// WithPool はヘルスチェックで報告する資格情報プールを設定する
func WithPool(p PoolReporter) HandlerOption {
	return func(h *Handler) { h.pool = p }
}

// WithAssistantName はサービス名に使うアシスタント名を設定する
func WithAssistantName(name string) HandlerOption {
	return func(h *Handler) {
		if name != "" {
			h.name = name
		}
	}
}

// WithRealtimeSearch は Web 検索が有効かどうかを設定する
func WithRealtimeSearch(enabled bool) HandlerOption {
	return func(h *Handler) { h.realtime = enabled }
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler は新しい Handler を作成する
func NewHandler(svc ChatService, opts ...HandlerOption) *Handler {
	h := &Handler{
		chat:   svc,
		name:   "Jarvis",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes はルートを登録する
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.HTTPErrorHandler = h.errorHandler

	e.GET("/", h.Root)
	e.GET("/health", h.Health)
	e.POST("/chat", h.Chat)
	e.POST("/chat/realtime", h.ChatRealtime)
	e.GET("/chat/history/:session_id", h.History)
}

// ChatRequest は POST /chat と POST /chat/realtime のリクエストボディ
type ChatRequest struct {
	Message   string  `json:"message"`
	SessionID *string `json:"session_id,omitempty"`
}

// ChatResponse は会話エンドポイントのレスポンスボディ
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// HistoryMessage は履歴の 1 発言
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryResponse は GET /chat/history/:session_id のレスポンスボディ
type HistoryResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []HistoryMessage `json:"messages"`
}

// HealthResponse は GET /health のレスポンスボディ
type HealthResponse struct {
	Status          string          `json:"status"`
	IndexGeneration uint64          `json:"index_generation"`
	IndexSegments   int             `json:"index_segments"`
	Refresher       *refresh.Status `json:"refresher,omitempty"`
	CredentialPool  int             `json:"credential_pool"`
	RealtimeSearch  bool            `json:"realtime_search"`
}

// Root はサービス名とエンドポイントの一覧を返す
func (h *Handler) Root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"message": h.name + " API",
		"endpoints": map[string]string{
			"/chat":                      "General chat (learning data and past conversations)",
			"/chat/realtime":             "Realtime chat (with web search)",
			"/chat/history/{session_id}": "Get chat history",
			"/health":                    "System health check",
		},
	})
}

// Health はインデックスと依存コンポーネントの状態を返す
func (h *Handler) Health(c echo.Context) error {
	resp := HealthResponse{Status: "healthy", RealtimeSearch: h.realtime}
	if h.index != nil {
		snap := h.index.Current()
		resp.IndexGeneration = snap.Generation()
		resp.IndexSegments = snap.Len()
	}
	if h.refresher != nil {
		status := h.refresher.Status()
		resp.Refresher = &status
	}
	if h.pool != nil {
		resp.CredentialPool = h.pool.PoolSize()
	}
	return c.JSON(http.StatusOK, resp)
}

// Chat は一般会話を処理する
func (h *Handler) Chat(c echo.Context) error {
	return h.handleChat(c, h.chat.Chat)
}

// ChatRealtime は Web 検索付きの会話を処理する
func (h *Handler) ChatRealtime(c echo.Context) error {
	return h.handleChat(c, h.chat.ChatRealtime)
}

type chatFunc func(ctx context.Context, params chat.ChatParams) (*chat.ChatResult, error)

func (h *Handler) handleChat(c echo.Context, fn chatFunc) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	params := chat.ChatParams{Message: req.Message, SessionID: mo.None[string]()}
	if req.SessionID != nil && strings.TrimSpace(*req.SessionID) != "" {
		params.SessionID = mo.Some(*req.SessionID)
	}

	result, err := fn(c.Request().Context(), params)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ChatResponse{
		Response:  result.Reply,
		SessionID: result.SessionID,
	})
}

// History はセッションの発言列を返す。未知のセッションは空配列
func (h *Handler) History(c echo.Context) error {
	sessionID := c.Param("session_id")
	messages, err := h.chat.History(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}

	resp := HistoryResponse{SessionID: sessionID, Messages: make([]HistoryMessage, 0, len(messages))}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return c.JSON(http.StatusOK, resp)
}
