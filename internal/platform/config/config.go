package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// 保存先ディレクトリ
	Storage StorageConfig

	// インデックス設定
	Index IndexConfig

	// 会話設定
	Chat ChatConfig

	// 生成モデル（OpenAI 互換 API）設定
	LLM LLMConfig

	// Embedding 設定
	Embedding EmbeddingConfig

	// Web 検索設定（リアルタイムチャット用）
	Search SearchConfig

	// Database設定（pgvector ミラー、任意）
	Database DatabaseConfig

	// HTTP サーバー設定
	HTTP HTTPConfig

	// ログ設定
	Log LogConfig
}

// StorageConfig はファイル保存先の設定
type StorageConfig struct {
	CorpusDir        string
	CorpusExtensions []string
	ChatsDir         string
	SnapshotDir      string
}

// IndexConfig はセマンティックインデックスの設定
type IndexConfig struct {
	RefreshInterval time.Duration
	ChunkSize       int
	ChunkOverlap    int
	RetrievalK      int
	RealtimeK       int
}

// ChatConfig は会話処理の設定
type ChatConfig struct {
	MaxHistoryTurns    int
	MaxMessageLength   int
	ContextTokenBudget int
	AssistantName      string
	UserTitle          string
}

// LLMConfig は生成モデルの設定
type LLMConfig struct {
	APIKeys     []string // 資格情報プール（順序付き）
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // 1 試行あたりのタイムアウト
}

// EmbeddingConfig は Embedder の設定
type EmbeddingConfig struct {
	Provider  string // "hash" or "openai"
	Dimension int
	APIKey    string
	Model     string
}

// SearchConfig は Web 検索プロバイダの設定
type SearchConfig struct {
	APIKey  string
	BaseURL string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	URL string // 空の場合はミラーを無効化
}

// HTTPConfig は HTTP サーバー設定
type HTTPConfig struct {
	Host string
	Port int
}

// LogConfig はログ出力設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Storage: StorageConfig{
			CorpusDir:        getEnv("CORPUS_DIR", "database/learning_data"),
			CorpusExtensions: getEnvAsList("CORPUS_EXTENSIONS", []string{".txt", ".md"}),
			ChatsDir:         getEnv("CHATS_DIR", "database/chats_data"),
			SnapshotDir:      getEnv("SNAPSHOT_DIR", "database/vector_store"),
		},
		Index: IndexConfig{
			RefreshInterval: getEnvAsDuration("INDEX_REFRESH_INTERVAL", 15*time.Second),
			ChunkSize:       getEnvAsInt("CHUNK_SIZE", 1000),
			ChunkOverlap:    getEnvAsInt("CHUNK_OVERLAP", 200),
			RetrievalK:      getEnvAsInt("RETRIEVAL_K", 6),
			RealtimeK:       getEnvAsInt("REALTIME_RETRIEVAL_K", 10),
		},
		Chat: ChatConfig{
			MaxHistoryTurns:    getEnvAsInt("MAX_CHAT_HISTORY_TURNS", 20),
			MaxMessageLength:   getEnvAsInt("MAX_MESSAGE_LENGTH", 32000),
			ContextTokenBudget: getEnvAsInt("CONTEXT_TOKEN_BUDGET", 3000),
			AssistantName:      getEnv("ASSISTANT_NAME", "Jarvis"),
			UserTitle:          getEnv("USER_TITLE", ""),
		},
		LLM: LLMConfig{
			APIKeys:     loadKeyPool("GROQ_API_KEY"),
			BaseURL:     getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
			Model:       getEnv("LLM_MODEL", "llama-3.3-70b-versatile"),
			Temperature: getEnvAsFloat("LLM_TEMPERATURE", 0.6),
			MaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 2048),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider:  getEnv("EMBEDDER", "hash"),
			Dimension: getEnvAsInt("EMBEDDING_DIMENSION", 384),
			APIKey:    getEnv("OPENAI_API_KEY", ""),
			Model:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Search: SearchConfig{
			APIKey:  getEnv("TAVILY_API_KEY", ""),
			BaseURL: getEnv("TAVILY_BASE_URL", "https://api.tavily.com"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		HTTP: HTTPConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnvAsInt("HTTP_PORT", 8000),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	var errs []error
	if c.Index.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be positive: %d", c.Index.ChunkSize))
	}
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE): %d", c.Index.ChunkOverlap))
	}
	if c.Index.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("INDEX_REFRESH_INTERVAL must be positive: %s", c.Index.RefreshInterval))
	}
	if c.Index.RetrievalK <= 0 || c.Index.RealtimeK <= 0 {
		errs = append(errs, errors.New("RETRIEVAL_K and REALTIME_RETRIEVAL_K must be positive"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("LLM_TIMEOUT must be positive: %s", c.LLM.Timeout))
	}
	if c.Chat.MaxMessageLength <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_LENGTH must be positive: %d", c.Chat.MaxMessageLength))
	}
	return errors.Join(errs...)
}

// loadKeyPool は PREFIX, PREFIX_2, PREFIX_3 ... の順に資格情報を読み込み、最初の未設定で打ち切ります
func loadKeyPool(prefix string) []string {
	var keys []string
	if k := strings.TrimSpace(os.Getenv(prefix)); k != "" {
		keys = append(keys, k)
	} else {
		return nil
	}
	for i := 2; ; i++ {
		k := strings.TrimSpace(os.Getenv(fmt.Sprintf("%s_%d", prefix, i)))
		if k == "" {
			break
		}
		keys = append(keys, k)
	}
	return keys
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します。単位なしの数値は秒として扱います
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数をスライスとして取得します
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
