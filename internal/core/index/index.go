package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// DefaultK は k 未指定時の取得件数
	DefaultK = 6
	// defaultBatchSize は BatchEmbedder の上限が不明な場合のバッチサイズ
	defaultBatchSize = 64
)

// Index は現在のスナップショットを保持し、再構築と検索を提供する。
// 検索は atomic なポインタ読み出しのみで、再構築とは競合しない
type Index struct {
	embedder   Embedder
	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	defaultK   int
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time
}

// Option は Index のオプション
type Option func(*Index)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithDefaultK は k 未指定時の取得件数を変更する
func WithDefaultK(k int) Option {
	return func(i *Index) {
		if k > 0 {
			i.defaultK = k
		}
	}
}

// WithBatchSize は再構築時の埋め込みバッチサイズを変更する
func WithBatchSize(n int) Option {
	return func(i *Index) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithClock は時刻関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(i *Index) {
		if now != nil {
			i.now = now
		}
	}
}

// New は空のスナップショットを持つ Index を作成する
func New(embedder Embedder, opts ...Option) *Index {
	idx := &Index{
		embedder:  embedder,
		defaultK:  DefaultK,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.current.Store(emptySnapshot())
	return idx
}

// Current は現在提供中のスナップショットを返す
func (i *Index) Current() *Snapshot {
	return i.current.Load()
}

// Swap は提供中のスナップショットを置き換え、直前のものを返す
func (i *Index) Swap(next *Snapshot) *Snapshot {
	if next == nil {
		next = emptySnapshot()
	}
	prev := i.current.Swap(next)
	i.logger.Info("index snapshot swapped",
		"generation", next.Generation(),
		"segments", next.Len(),
		"previousGeneration", prev.Generation(),
	)
	return prev
}

// Restore は永続化されたスナップショットを提供中にし、世代番号を引き継ぐ
func (i *Index) Restore(s *Snapshot) {
	for {
		cur := i.generation.Load()
		if s.Generation() <= cur || i.generation.CompareAndSwap(cur, s.Generation()) {
			break
		}
	}
	i.Swap(s)
}

// Rebuild は全セグメントを埋め込み、新しいスナップショットを返す。
// 提供中のスナップショットには触れない
func (i *Index) Rebuild(ctx context.Context, drafts []Draft) (*Snapshot, error) {
	started := i.now()

	unique := dedupe(drafts)
	texts := make([]string, len(unique))
	for n, d := range unique {
		texts[n] = d.Text
	}

	vectors, err := i.embedAll(ctx, texts)
	if err != nil {
		return nil, err
	}

	dimension := i.embedder.Dimension()
	if len(vectors) > 0 && dimension <= 0 {
		dimension = len(vectors[0])
	}

	segments := make([]Segment, len(unique))
	for n, d := range unique {
		v := vectors[n]
		if len(v) != dimension || !finite(v) {
			return nil, fmt.Errorf("%w: invalid vector for %s@%d (len=%d, want %d)", ErrEmbedding, d.SourceID, d.Offset, len(v), dimension)
		}
		segments[n] = Segment{
			ID:       SegmentID(d.SourceID, d.Offset),
			Kind:     d.Kind,
			SourceID: d.SourceID,
			Offset:   d.Offset,
			Text:     d.Text,
			Vector:   normalizeL2(v),
		}
	}

	snap := &Snapshot{
		generation: i.generation.Add(1),
		builtAt:    i.now(),
		dimension:  dimension,
		segments:   segments,
	}

	i.logger.Info("index snapshot built",
		"generation", snap.generation,
		"segments", len(segments),
		"duplicates", len(drafts)-len(unique),
		"elapsed", i.now().Sub(started).String(),
	)
	return snap, nil
}

// Query は提供中のスナップショットから text に近い上位 k 件を返す。
// k <= 0 の場合は既定値を使う。セグメントが 0 件なら空を返す
func (i *Index) Query(ctx context.Context, text string, k int) ([]Result, error) {
	snap := i.current.Load()
	if snap.Len() == 0 {
		return []Result{}, nil
	}
	if k <= 0 {
		k = i.defaultK
	}

	vector, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %w", ErrEmbedding, err)
	}
	if len(vector) != snap.Dimension() || !finite(vector) {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, snapshot has %d", ErrEmbedding, len(vector), snap.Dimension())
	}

	results := snap.Search(normalizeL2(vector), k)
	i.logger.Debug("index query",
		"generation", snap.Generation(),
		"k", k,
		"results", len(results),
	)
	return results, nil
}

func (i *Index) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batcher, ok := i.embedder.(BatchEmbedder)
	if !ok {
		vectors := make([][]float32, 0, len(texts))
		for _, t := range texts {
			v, err := i.embedder.Embed(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
			}
			vectors = append(vectors, v)
		}
		return vectors, nil
	}

	size := i.batchSize
	if m := batcher.MaxBatchSize(); m > 0 && m < size {
		size = m
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		batch, err := batcher.BatchEmbed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d-%d: %w", ErrEmbedding, start, end, err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("%w: batch %d-%d returned %d vectors", ErrEmbedding, start, end, len(batch))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// dedupe は同一 ID（sourceID+offset）のドラフトを先勝ちで除去し、空テキストも捨てる
func dedupe(drafts []Draft) []Draft {
	seen := make(map[string]struct{}, len(drafts))
	out := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		id := SegmentID(d.SourceID, d.Offset)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, d)
	}
	return out
}
