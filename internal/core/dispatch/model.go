package dispatch

import (
	"context"
	"strings"
)

// Credential は資格情報プールの 1 要素。順序は起動時に固定される
type Credential struct {
	Key      string
	Position int
}

// Masked はログ出力用に末尾 4 文字以外を伏せた表現を返す
func (c Credential) Masked() string {
	if len(c.Key) <= 4 {
		return strings.Repeat("*", len(c.Key))
	}
	return "****" + c.Key[len(c.Key)-4:]
}

// Turn は生成モデルに渡す過去の発言
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// CompletionRequest は生成モデルへの 1 回分の入力
type CompletionRequest struct {
	SystemPrompt string
	History      []Turn
	Message      string
}

// CompletionResponse は生成モデルの応答
type CompletionResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client は指定した資格情報で生成モデルを 1 回呼び出す
type Client interface {
	Complete(ctx context.Context, cred Credential, req CompletionRequest) (*CompletionResponse, error)
}
