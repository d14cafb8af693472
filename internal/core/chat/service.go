package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jinford/chat-rag/internal/core/conversation"
	"github.com/jinford/chat-rag/internal/core/dispatch"
	"github.com/jinford/chat-rag/internal/core/index"
)

// ChatService は会話 1 ターン分の処理（履歴取得、文脈検索、生成、記録）を提供する
type ChatService struct {
	store     ConversationStore
	retriever Retriever
	invoker   Invoker
	searcher  Searcher
	counter   TokenCounter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// ChatServiceOption は ChatService のオプション
type ChatServiceOption func(*ChatService)

// WithSearcher はリアルタイム会話で使う Web 検索を設定する
func WithSearcher(searcher Searcher) ChatServiceOption {
	return func(s *ChatService) {
		s.searcher = searcher
	}
}

// WithTokenCounter は参照文脈の切り詰めに使うトークンカウンタを設定する
func WithTokenCounter(counter TokenCounter) ChatServiceOption {
	return func(s *ChatService) {
		s.counter = counter
	}
}

// WithChatLogger は ChatService にロガーを設定する
func WithChatLogger(logger *slog.Logger) ChatServiceOption {
	return func(s *ChatService) {
		s.logger = logger
	}
}

// WithChatClock は時刻の取得元を差し替える
func WithChatClock(now func() time.Time) ChatServiceOption {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewChatService は新しい ChatService を作成する
func NewChatService(
	store ConversationStore,
	retriever Retriever,
	invoker Invoker,
	cfg Config,
	opts ...ChatServiceOption,
) *ChatService {
	defaults := DefaultConfig()
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = defaults.RetrievalK
	}
	if cfg.RealtimeK <= 0 {
		cfg.RealtimeK = defaults.RealtimeK
	}
	if cfg.MaxHistoryTurns < 0 {
		cfg.MaxHistoryTurns = 0
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaults.MaxMessageLength
	}

	svc := &ChatService{
		store:     store,
		retriever: retriever,
		invoker:   invoker,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	return svc
}

// Chat は学習データと過去の会話を文脈にして応答する
func (s *ChatService) Chat(ctx context.Context, params ChatParams) (*ChatResult, error) {
	return s.respond(ctx, ModeGeneral, params)
}

// ChatRealtime は Web 検索結果も文脈に加えて応答する。検索の失敗は応答を妨げない
func (s *ChatService) ChatRealtime(ctx context.Context, params ChatParams) (*ChatResult, error) {
	return s.respond(ctx, ModeRealtime, params)
}

// History はセッションの発言列を返す。未知のセッションは空
func (s *ChatService) History(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.History(sessionID)
}

func (s *ChatService) respond(ctx context.Context, mode Mode, params ChatParams) (*ChatResult, error) {
	// 1. バリデーション
	message := strings.TrimSpace(params.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(params.Message); n > s.cfg.MaxMessageLength {
		return nil, fmt.Errorf("%w: %d characters exceeds the limit of %d", ErrInvalidMessage, n, s.cfg.MaxMessageLength)
	}

	sessionID := strings.TrimSpace(params.SessionID.OrElse(""))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// 2. 履歴の取得（今回の発言を追加する前の状態）
	session, err := s.store.GetOrCreate(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	history := recentTurns(session.Messages, s.cfg.MaxHistoryTurns)

	// 3. 発言を先に記録する。生成に失敗しても発言は残る
	if _, err := s.store.Append(sessionID, conversation.RoleUser, params.Message); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	// 4. 文脈検索
	k := s.cfg.RetrievalK
	if mode == ModeRealtime {
		k = s.cfg.RealtimeK
	}
	results, err := s.retriever.Query(ctx, params.Message, k)
	if err != nil {
		if mode != ModeRealtime {
			return nil, fmt.Errorf("context retrieval failed: %w", err)
		}
		s.logger.Warn("context retrieval failed, continuing without context", "sessionID", sessionID, "error", err)
		results = nil
	}

	var searchBlock string
	if mode == ModeRealtime {
		searchBlock = s.webSearch(ctx, sessionID, params.Message)
	}

	prompt := systemPrompt{
		persona: PersonaPrompt(s.cfg.AssistantName, s.cfg.UserTitle),
		now:     s.now(),
		search:  searchBlock,
		context: ContextBlock(results, s.counter, s.cfg.ContextTokenBudget),
	}

	s.logger.Info("generating reply",
		"sessionID", sessionID,
		"mode", string(mode),
		"history", len(history),
		"segments", len(results),
		"searched", searchBlock != "",
	)

	// 5. 生成
	resp, err := s.invoker.Invoke(ctx, dispatch.CompletionRequest{
		SystemPrompt: prompt.String(),
		History:      history,
		Message:      params.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate reply: %w", err)
	}

	// 6. 応答の記録
	if _, err := s.store.Append(sessionID, conversation.RoleAssistant, resp.Content); err != nil {
		return nil, fmt.Errorf("failed to record assistant reply: %w", err)
	}

	return &ChatResult{
		SessionID: sessionID,
		Reply:     resp.Content,
		Model:     resp.Model,
		Sources:   sourceRefs(results),
	}, nil
}

func (s *ChatService) webSearch(ctx context.Context, sessionID, query string) string {
	if s.searcher == nil {
		return ""
	}
	results, err := s.searcher.Search(ctx, query)
	if err != nil {
		s.logger.Warn("web search failed, continuing without search results", "sessionID", sessionID, "error", err)
		return ""
	}
	return FormatSearchResults(query, results)
}

// recentTurns は直近 maxTurns 往復分の発言を Turn に変換する
func recentTurns(messages []conversation.Message, maxTurns int) []dispatch.Turn {
	limit := maxTurns * 2
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	turns := make([]dispatch.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, dispatch.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

func sourceRefs(results []index.Result) []SourceRef {
	refs := make([]SourceRef, 0, len(results))
	for _, r := range results {
		refs = append(refs, SourceRef{
			Kind:     r.Segment.Kind,
			SourceID: r.Segment.SourceID,
			Score:    r.Score,
		})
	}
	return refs
}
