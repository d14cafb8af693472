package index

import "context"

// Embedder はテキストを固定長ベクトルに変換する。同一入力には同一ベクトルを返すこと
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// BatchEmbedder は複数テキストをまとめて変換できる Embedder
type BatchEmbedder interface {
	Embedder
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	MaxBatchSize() int
}
