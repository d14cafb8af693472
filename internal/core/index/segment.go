package index

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// SourceKind はセグメントの出所の種別
type SourceKind string

const (
	SourceDocument     SourceKind = "document"
	SourceConversation SourceKind = "conversation"
)

// Draft は埋め込み前のセグメント
type Draft struct {
	Kind     SourceKind
	SourceID string
	Offset   int
	Text     string
}

// Segment は埋め込み済みの検索単位。生成後は変更しない
type Segment struct {
	ID       string
	Kind     SourceKind
	SourceID string
	Offset   int
	Text     string
	Vector   []float32 // L2 正規化済み
}

// SegmentID は sourceID と offset から安定した ID を導出する
func SegmentID(sourceID string, offset int) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(offset)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
