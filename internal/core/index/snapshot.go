package index

import (
	"cmp"
	"slices"
	"time"
)

// Result は検索結果 1 件
type Result struct {
	Segment Segment
	Score   float64
}

// Snapshot はセグメント集合とその検索構造の不変なビュー
type Snapshot struct {
	generation uint64
	builtAt    time.Time
	dimension  int
	segments   []Segment
}

// NewSnapshot は正規化済みセグメントからスナップショットを組み立てる。
// 永続化されたスナップショットの復元にも使う
func NewSnapshot(generation uint64, builtAt time.Time, dimension int, segments []Segment) *Snapshot {
	return &Snapshot{
		generation: generation,
		builtAt:    builtAt,
		dimension:  dimension,
		segments:   slices.Clone(segments),
	}
}

func emptySnapshot() *Snapshot {
	return &Snapshot{}
}

// Generation は再構築ごとに増える世代番号
func (s *Snapshot) Generation() uint64 { return s.generation }

// BuiltAt は構築時刻
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Dimension はベクトル次元数（空のスナップショットでは 0）
func (s *Snapshot) Dimension() int { return s.dimension }

// Len はセグメント数
func (s *Snapshot) Len() int { return len(s.segments) }

// Segments はセグメントのコピーを返す
func (s *Snapshot) Segments() []Segment {
	return slices.Clone(s.segments)
}

// Search は正規化済みクエリベクトルに対する上位 k 件を返す。
// スコア降順、同点は ID 昇順
func (s *Snapshot) Search(query []float32, k int) []Result {
	if k <= 0 || len(s.segments) == 0 {
		return []Result{}
	}

	results := make([]Result, len(s.segments))
	for i, seg := range s.segments {
		results[i] = Result{Segment: seg, Score: dot(query, seg.Vector)}
	}

	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Segment.ID, b.Segment.ID)
	})

	if k < len(results) {
		results = results[:k]
	}
	return results
}
