// Package hashembed は外部 API を使わない特徴ハッシュ方式の埋め込みを提供する。
// 単語とその文字 3-gram を xxhash で固定次元に写像し、L2 正規化する
package hashembed

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/jinford/chat-rag/internal/core/index"
)

const (
	// DefaultDimension はデフォルトのベクトル次元
	DefaultDimension = 384

	// ModelName は生成するベクトルの識別名
	ModelName = "hash-trigram-v1"

	trigramWeight = 0.5
	maxBatchSize  = 256
)

var tokenPattern = regexp.MustCompile(`\p{L}+|\p{N}+`)

// 頻出語は語としては数えず、3-gram のみ寄与させる
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "with": {},
}

// Embedder は決定的な特徴ハッシュ埋め込み
type Embedder struct {
	dimension int
}

// New は次元 dimension の Embedder を作成する
func New(dimension int) (*Embedder, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("hash embedding dimension must be positive: %d", dimension)
	}
	return &Embedder{dimension: dimension}, nil
}

// Embed は text のベクトルを返す。語を含まないテキストはゼロベクトル
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

// BatchEmbed は texts を順にベクトル化する
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(t)
	}
	return out, nil
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize はバッチ処理の最大サイズを返す
func (e *Embedder) MaxBatchSize() int {
	return maxBatchSize
}

// ModelName は識別名を返す
func (e *Embedder) ModelName() string {
	return ModelName
}

func (e *Embedder) vector(text string) []float32 {
	acc := make([]float64, e.dimension)
	for _, tok := range Tokenize(text) {
		if _, stop := stopwords[tok]; !stop {
			e.add(acc, "w:"+tok, 1)
		}
		for _, g := range trigrams(tok) {
			e.add(acc, "g:"+g, trigramWeight)
		}
	}

	var sum float64
	for _, x := range acc {
		sum += x * x
	}
	out := make([]float32, e.dimension)
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range acc {
		out[i] = float32(x * inv)
	}
	return out
}

// add は特徴 feature をハッシュ値の位置に符号付きで加算する
func (e *Embedder) add(acc []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	pos := h % uint64(e.dimension)
	if h>>63 == 1 {
		weight = -weight
	}
	acc[pos] += weight
}

// Tokenize は text を小文字の語と数の列に分ける
func Tokenize(text string) []string {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	return tokens
}

func trigrams(tok string) []string {
	runes := []rune("^" + tok + "$")
	if len(runes) < 3 {
		return nil
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

// インターフェース実装の確認
var _ index.BatchEmbedder = (*Embedder)(nil)
