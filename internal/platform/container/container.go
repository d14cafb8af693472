package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jinford/chat-rag/internal/core/chat"
	"github.com/jinford/chat-rag/internal/core/chunk"
	"github.com/jinford/chat-rag/internal/core/conversation"
	"github.com/jinford/chat-rag/internal/core/corpus"
	"github.com/jinford/chat-rag/internal/core/dispatch"
	"github.com/jinford/chat-rag/internal/core/index"
	"github.com/jinford/chat-rag/internal/core/refresh"
	"github.com/jinford/chat-rag/internal/infra/hashembed"
	"github.com/jinford/chat-rag/internal/infra/openai"
	"github.com/jinford/chat-rag/internal/infra/postgres"
	"github.com/jinford/chat-rag/internal/infra/snapshotfile"
	"github.com/jinford/chat-rag/internal/infra/tavily"
	"github.com/jinford/chat-rag/internal/infra/tokenizer"
	"github.com/jinford/chat-rag/internal/platform/config"
	"github.com/jinford/chat-rag/internal/platform/database"
)

// ErrChatUnavailable は資格情報が無く会話処理を組み立てられないことを示す
var ErrChatUnavailable = errors.New("chat service unavailable: set GROQ_API_KEY")

// ServiceContainer はアプリケーションの依存関係を保持する
type ServiceContainer struct {
	Config        *config.Config
	Corpus        *corpus.FileStore
	Conversations *conversation.Store
	Index         *index.Index
	Refresher     *refresh.Refresher
	Snapshots     *snapshotfile.Store
	Segments      *postgres.SegmentStore // DATABASE_URL 未設定なら nil
	Dispatcher    *dispatch.Dispatcher   // 資格情報が無ければ nil
	ChatService   *chat.ChatService      // 資格情報が無ければ nil
	Searcher      chat.Searcher          // TAVILY_API_KEY 未設定なら nil
	Embedder      index.Embedder
	EmbedderName  string

	logger   *slog.Logger
	database *database.Database
}

type containerOptions struct {
	logger       *slog.Logger
	embedder     index.Embedder
	embedderName string
	llmClient    dispatch.Client
	searcher     chat.Searcher
	tokenCounter chat.TokenCounter
	readOnly     bool
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder index.Embedder, name string) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
		opts.embedderName = name
	}
}

// WithContainerLLMClient は生成モデルのクライアントを差し替える
func WithContainerLLMClient(client dispatch.Client) ContainerOption {
	return func(opts *containerOptions) {
		opts.llmClient = client
	}
}

// WithContainerSearcher は Web 検索を差し替える
func WithContainerSearcher(searcher chat.Searcher) ContainerOption {
	return func(opts *containerOptions) {
		opts.searcher = searcher
	}
}

// WithContainerTokenCounter は TokenCounter を差し替える
func WithContainerTokenCounter(counter chat.TokenCounter) ContainerOption {
	return func(opts *containerOptions) {
		opts.tokenCounter = counter
	}
}

// WithReadOnly は会話ログを読み取り専用で開く。サーバ稼働中に履歴を参照するコマンド向け
func WithReadOnly() ContainerOption {
	return func(opts *containerOptions) {
		opts.readOnly = true
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &ServiceContainer{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	// Document Store
	if err := os.MkdirAll(cfg.Storage.CorpusDir, 0o755); err != nil {
		return nil, fmt.Errorf("学習データディレクトリの作成に失敗しました: %w", err)
	}
	c.Corpus = corpus.NewFileStore(cfg.Storage.CorpusDir,
		corpus.WithExtensions(cfg.Storage.CorpusExtensions...),
		corpus.WithStoreLogger(logger),
	)

	// Conversation Store
	convOpts := []conversation.StoreOption{conversation.WithLogger(logger)}
	if options.readOnly {
		if err := os.MkdirAll(cfg.Storage.ChatsDir, 0o755); err != nil {
			return nil, fmt.Errorf("会話ログディレクトリの作成に失敗しました: %w", err)
		}
		convOpts = append(convOpts, conversation.ReadOnly())
	}
	conversations, err := conversation.Open(cfg.Storage.ChatsDir, convOpts...)
	if err != nil {
		return nil, fmt.Errorf("会話ログの初期化に失敗しました: %w", err)
	}
	c.Conversations = conversations

	// Embedder / Semantic Index
	embedder, name, err := newEmbedder(cfg, options)
	if err != nil {
		return nil, fmt.Errorf("Embedder 初期化に失敗しました: %w", err)
	}
	c.Embedder = embedder
	c.EmbedderName = name
	c.Index = index.New(embedder,
		index.WithLogger(logger),
		index.WithDefaultK(cfg.Index.RetrievalK),
	)

	// Snapshot sinks
	c.Snapshots = snapshotfile.New(cfg.Storage.SnapshotDir,
		snapshotfile.WithEmbedderName(name),
		snapshotfile.WithLogger(logger),
	)
	sinks := []refresh.SnapshotSink{c.Snapshots}
	if cfg.Database.URL != "" {
		db, err := database.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
		}
		c.database = db
		c.Segments = postgres.NewSegmentStore(db, postgres.WithLogger(logger))
		if err := c.Segments.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("スキーマ作成に失敗しました: %w", err)
		}
		sinks = append(sinks, c.Segments)
	}

	// Index Refresher
	splitter, err := chunk.New(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("Chunker 初期化に失敗しました: %w", err)
	}
	c.Refresher = refresh.New(c.Index, splitter,
		[]refresh.Source{
			{Kind: index.SourceDocument, Store: c.Corpus},
			{Kind: index.SourceConversation, Store: c.Conversations},
		},
		refresh.WithInterval(cfg.Index.RefreshInterval),
		refresh.WithSinks(sinks...),
		refresh.WithLogger(logger),
	)

	// Web 検索
	c.Searcher = options.searcher
	if c.Searcher == nil && cfg.Search.APIKey != "" {
		searcher, err := tavily.NewClient(cfg.Search.APIKey,
			tavily.WithBaseURL(cfg.Search.BaseURL),
			tavily.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("Web 検索クライアントの初期化に失敗しました: %w", err)
		}
		c.Searcher = searcher
	}

	// Upstream Dispatcher / Chat
	if len(cfg.LLM.APIKeys) > 0 {
		client := options.llmClient
		if client == nil {
			client = openai.NewChatClient(
				openai.WithBaseURL(cfg.LLM.BaseURL),
				openai.WithModel(cfg.LLM.Model),
				openai.WithTemperature(cfg.LLM.Temperature),
				openai.WithMaxTokens(cfg.LLM.MaxTokens),
			)
		}
		dispatcher, err := dispatch.New(cfg.LLM.APIKeys, client,
			dispatch.WithTimeout(cfg.LLM.Timeout),
			dispatch.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("Dispatcher 初期化に失敗しました: %w", err)
		}
		c.Dispatcher = dispatcher

		chatOpts := []chat.ChatServiceOption{
			chat.WithChatLogger(logger),
			chat.WithTokenCounter(newTokenCounter(options, logger)),
		}
		if c.Searcher != nil {
			chatOpts = append(chatOpts, chat.WithSearcher(c.Searcher))
		}
		c.ChatService = chat.NewChatService(c.Conversations, c.Index, c.Dispatcher, chat.Config{
			RetrievalK:         cfg.Index.RetrievalK,
			RealtimeK:          cfg.Index.RealtimeK,
			MaxHistoryTurns:    cfg.Chat.MaxHistoryTurns,
			MaxMessageLength:   cfg.Chat.MaxMessageLength,
			ContextTokenBudget: cfg.Chat.ContextTokenBudget,
			AssistantName:      cfg.Chat.AssistantName,
			UserTitle:          cfg.Chat.UserTitle,
		}, chatOpts...)
	} else {
		logger.Warn("no upstream credentials configured, chat is disabled")
	}

	ok = true
	return c, nil
}

func newEmbedder(cfg *config.Config, options containerOptions) (index.Embedder, string, error) {
	if options.embedder != nil {
		return options.embedder, options.embedderName, nil
	}

	switch cfg.Embedding.Provider {
	case "openai":
		if cfg.Embedding.APIKey == "" {
			return nil, "", errors.New("OPENAI_API_KEY is required when EMBEDDER=openai")
		}
		e := openai.NewEmbedder(cfg.Embedding.APIKey,
			openai.WithEmbeddingModel(cfg.Embedding.Model),
			openai.WithEmbeddingDimension(cfg.Embedding.Dimension),
		)
		return e, e.ModelName(), nil
	case "hash", "":
		e, err := hashembed.New(cfg.Embedding.Dimension)
		if err != nil {
			return nil, "", err
		}
		return e, e.ModelName(), nil
	default:
		return nil, "", fmt.Errorf("unknown embedder %q", cfg.Embedding.Provider)
	}
}

func newTokenCounter(options containerOptions, logger *slog.Logger) chat.TokenCounter {
	if options.tokenCounter != nil {
		return options.tokenCounter
	}
	counter, err := tokenizer.New()
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, estimating token counts", "error", err)
		return tokenizer.NewEstimator()
	}
	return counter
}

// RequireChat は会話処理を返す。資格情報が無ければ ErrChatUnavailable
func (c *ServiceContainer) RequireChat() (*chat.ChatService, error) {
	if c.ChatService == nil {
		return nil, ErrChatUnavailable
	}
	return c.ChatService, nil
}

// Restore は保存済みスナップショットを提供中にする。ファイルを優先し、無ければ pgvector ミラーから読む。
// 埋め込みモデルか次元が現在の設定と異なるものは使わない
func (c *ServiceContainer) Restore(ctx context.Context) bool {
	if m, err := c.Snapshots.ReadManifest(); err == nil {
		if m.Embedder != "" && m.Embedder != c.EmbedderName {
			c.logger.Info("ignoring snapshot built with another embedder", "embedder", m.Embedder)
		} else if snap, err := c.Snapshots.Load(ctx); err != nil {
			c.logger.Warn("failed to load snapshot file", "error", err)
		} else if c.compatible(snap) {
			c.Index.Restore(snap)
			return true
		}
	} else if !errors.Is(err, snapshotfile.ErrNotFound) {
		c.logger.Warn("failed to read snapshot manifest", "error", err)
	}

	if c.Segments != nil {
		snap, err := c.Segments.Load(ctx)
		switch {
		case errors.Is(err, postgres.ErrNoSnapshot):
		case err != nil:
			c.logger.Warn("failed to load mirrored snapshot", "error", err)
		case c.compatible(snap):
			c.Index.Restore(snap)
			return true
		}
	}
	return false
}

func (c *ServiceContainer) compatible(snap *index.Snapshot) bool {
	if snap.Len() > 0 && snap.Dimension() != c.Embedder.Dimension() {
		c.logger.Info("ignoring snapshot with different dimension",
			"snapshot", snap.Dimension(),
			"embedder", c.Embedder.Dimension(),
		)
		return false
	}
	return true
}

// Warmup は保存済みスナップショットを復元してから 1 回走査する。走査の失敗は致命的ではない
func (c *ServiceContainer) Warmup(ctx context.Context) {
	if c.Restore(ctx) {
		c.logger.Info("snapshot restored", "generation", c.Index.Current().Generation(), "segments", c.Index.Current().Len())
	}
	if _, err := c.Refresher.RefreshOnce(ctx); err != nil {
		c.logger.Error("initial index build failed, serving previous snapshot", "error", err)
	}
}

// Close は内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.Conversations != nil {
		if err := c.Conversations.Close(); err != nil {
			c.Logger().Warn("failed to close conversation store", "error", err)
		}
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す。未設定なら nil
func (c *ServiceContainer) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}
