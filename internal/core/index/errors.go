package index

import "errors"

var (
	// ErrEmbedding は Embedder の呼び出しに失敗した、または不正なベクトルが返されたことを示す
	ErrEmbedding = errors.New("embedding failure")
)
