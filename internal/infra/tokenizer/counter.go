package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/chat-rag/internal/core/chat"
)

// DefaultEncoding は使用する BPE エンコーディング
const DefaultEncoding = "cl100k_base"

// runesPerToken は推定時に 1 トークンとみなす文字数
const runesPerToken = 3

// Counter はトークン数の計測と切り詰めを提供する。
// エンコーディングが無い場合は文字数からの推定で動作する
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// New は cl100k_base エンコーディングの Counter を作成する。
// BPE 定義の取得にネットワークを使うことがある
func New() (*Counter, error) {
	encoding, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &Counter{
		encoding: encoding,
	}, nil
}

// NewEstimator は文字数から推定する Counter を作成する
func NewEstimator() *Counter {
	return &Counter{}
}

// Exact は正確なエンコーディングを使っているかを返す
func (c *Counter) Exact() bool {
	return c.encoding != nil
}

// CountTokens はテキストのトークン数をカウントする
func (c *Counter) CountTokens(text string) int {
	if c.encoding == nil {
		return EstimateTokens(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// TrimToTokenLimit はテキストを先頭から maxTokens トークン分に切り詰める
func (c *Counter) TrimToTokenLimit(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if c.encoding == nil {
		limit := maxTokens * runesPerToken
		if utf8.RuneCountInString(text) <= limit {
			return text
		}
		return string([]rune(text)[:limit])
	}

	tokens := c.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return c.encoding.Decode(tokens[:maxTokens])
}

// EstimateTokens はテキストの推定トークン数を返す（約 3 文字で 1 トークン、端数は切り上げ）
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + runesPerToken - 1) / runesPerToken
}

// インターフェース実装の確認
var _ chat.TokenCounter = (*Counter)(nil)
