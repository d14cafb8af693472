package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/chat-rag/internal/core/dispatch"
)

const (
	// DefaultBaseURL は OpenAI 互換 API のデフォルトエンドポイント（Groq）
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModel はデフォルトで使用するモデル
	DefaultModel = "llama-3.3-70b-versatile"

	// DefaultTemperature はデフォルトのサンプリング温度
	DefaultTemperature = 0.6
)

// ChatClient は OpenAI 互換の Chat Completions API を呼び出す dispatch.Client 実装。
// リトライは Dispatcher が資格情報を切り替えて行うため、SDK 側のリトライは無効にする
type ChatClient struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int

	mu      sync.Mutex
	clients map[string]openai.Client
}

type chatClientOptions struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
}

// ChatClientOption は ChatClient のオプション設定
type ChatClientOption func(*chatClientOptions)

// WithBaseURL はエンドポイントを上書きする
func WithBaseURL(baseURL string) ChatClientOption {
	return func(o *chatClientOptions) {
		o.baseURL = baseURL
	}
}

// WithModel はモデル名を上書きする
func WithModel(model string) ChatClientOption {
	return func(o *chatClientOptions) {
		o.model = model
	}
}

// WithTemperature はサンプリング温度を上書きする
func WithTemperature(t float64) ChatClientOption {
	return func(o *chatClientOptions) {
		o.temperature = t
	}
}

// WithMaxTokens は生成トークン数の上限を設定する。0 以下は API のデフォルト
func WithMaxTokens(n int) ChatClientOption {
	return func(o *chatClientOptions) {
		o.maxTokens = n
	}
}

// NewChatClient は新しい ChatClient を作成する
func NewChatClient(opts ...ChatClientOption) *ChatClient {
	options := chatClientOptions{
		baseURL:     DefaultBaseURL,
		model:       DefaultModel,
		temperature: DefaultTemperature,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &ChatClient{
		baseURL:     options.baseURL,
		model:       options.model,
		temperature: options.temperature,
		maxTokens:   options.maxTokens,
		clients:     make(map[string]openai.Client),
	}
}

// ModelName はモデル名を返す
func (c *ChatClient) ModelName() string {
	return c.model
}

// Complete は指定の資格情報で 1 回だけ API を呼び出す。429 は dispatch.ErrRateLimited で包む
func (c *ChatClient) Complete(ctx context.Context, cred dispatch.Credential, req dispatch.CompletionRequest) (*dispatch.CompletionResponse, error) {
	client := c.clientFor(cred.Key)

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    buildMessages(req),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		if isRateLimitError(err) {
			return nil, fmt.Errorf("%w: %w", dispatch.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned")
	}

	return &dispatch.CompletionResponse{
		Content:          completion.Choices[0].Message.Content,
		Model:            string(completion.Model),
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// clientFor は資格情報ごとの SDK クライアントを返す。接続は資格情報間で共有しない
func (c *ChatClient) clientFor(key string) openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}
	client := openai.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(c.baseURL),
		option.WithMaxRetries(0),
	)
	c.clients[key] = client
	return client
}

func buildMessages(req dispatch.CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.History {
		switch strings.ToLower(turn.Role) {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Message))
	return messages
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}

// インターフェース実装の確認
var _ dispatch.Client = (*ChatClient)(nil)
