package chat

import (
	"context"

	"github.com/samber/mo"

	"github.com/jinford/chat-rag/internal/core/conversation"
	"github.com/jinford/chat-rag/internal/core/dispatch"
	"github.com/jinford/chat-rag/internal/core/index"
)

// Mode は会話の種別
type Mode string

const (
	ModeGeneral  Mode = "general"
	ModeRealtime Mode = "realtime"
)

// ChatParams は 1 回の会話リクエスト
type ChatParams struct {
	SessionID mo.Option[string] // 未指定なら新規に採番する
	Message   string
}

// ChatResult は会話リクエストの結果
type ChatResult struct {
	SessionID string
	Reply     string
	Model     string
	Sources   []SourceRef
}

// SourceRef は応答の根拠として渡したセグメント
type SourceRef struct {
	Kind     index.SourceKind
	SourceID string
	Score    float64
}

// WebResult は Web 検索の 1 件
type WebResult struct {
	Title   string
	Content string
	URL     string
}

// ConversationStore は会話ログの境界
type ConversationStore interface {
	GetOrCreate(id string) (conversation.Session, error)
	Append(id string, role conversation.Role, content string) (conversation.Message, error)
	History(id string) ([]conversation.Message, error)
}

// Retriever はセマンティックインデックスの検索境界
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]index.Result, error)
}

// Invoker は生成モデル呼び出しの境界
type Invoker interface {
	Invoke(ctx context.Context, req dispatch.CompletionRequest) (*dispatch.CompletionResponse, error)
}

// Searcher は Web 検索の境界（リアルタイム会話のみで使用、失敗しても続行する）
type Searcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// TokenCounter はトークン数の計測と切り詰めを提供する
type TokenCounter interface {
	CountTokens(text string) int
	TrimToTokenLimit(text string, maxTokens int) string
}

// Config は会話処理の設定
type Config struct {
	RetrievalK         int
	RealtimeK          int
	MaxHistoryTurns    int
	MaxMessageLength   int
	ContextTokenBudget int
	AssistantName      string
	UserTitle          string
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		RetrievalK:         index.DefaultK,
		RealtimeK:          10,
		MaxHistoryTurns:    20,
		MaxMessageLength:   32000,
		ContextTokenBudget: 3000,
		AssistantName:      "Jarvis",
	}
}
