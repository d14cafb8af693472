package corpus

import (
	"context"
	"sort"
	"time"
)

// Document は読み込まれたテキストファイル 1 件を表す
type Document struct {
	Path string // ルートからの相対パス（スラッシュ区切り）
	Text string
}

// Fingerprint は変更検知用のファイル署名
type Fingerprint struct {
	Path    string
	ModTime time.Time
	Size    int64
	Hash    string // 内容の sha256（16進）
}

// Equal は 2 つの指紋が同一内容を指すかを返す
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Path == other.Path &&
		f.Size == other.Size &&
		f.Hash == other.Hash &&
		f.ModTime.Equal(other.ModTime)
}

// FingerprintSet はパスをキーとする指紋の集合
type FingerprintSet map[string]Fingerprint

// Equal は集合同士が完全に一致するかを返す
func (s FingerprintSet) Equal(other FingerprintSet) bool {
	if len(s) != len(other) {
		return false
	}
	for path, fp := range s {
		o, ok := other[path]
		if !ok || !fp.Equal(o) {
			return false
		}
	}
	return true
}

// Diff は s を基準に other との差分（追加・削除・変更）を返す
func (s FingerprintSet) Diff(other FingerprintSet) Delta {
	var d Delta
	for path, fp := range other {
		prev, ok := s[path]
		switch {
		case !ok:
			d.Added = append(d.Added, path)
		case !prev.Equal(fp):
			d.Changed = append(d.Changed, path)
		}
	}
	for path := range s {
		if _, ok := other[path]; !ok {
			d.Removed = append(d.Removed, path)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Changed)
	sort.Strings(d.Removed)
	return d
}

// Delta は FingerprintSet.Diff の結果
type Delta struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty は差分がないかを返す
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Source は文書一覧と指紋を提供する読み取り専用の境界
type Source interface {
	Documents(ctx context.Context) ([]Document, error)
	Fingerprints(ctx context.Context) (FingerprintSet, error)
}
