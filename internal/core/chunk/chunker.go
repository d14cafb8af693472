package chunk

import (
	"fmt"
	"strings"
)

// separators は分割位置として優先する区切り（先頭ほど優先度が高い）
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune(" "),
}

// Piece は分割されたテキスト片と元テキストでの開始位置（rune 単位）
type Piece struct {
	Text   string
	Offset int
}

// Chunker はテキストを最大長以内かつ直前の片と重なるように分割する
type Chunker struct {
	size    int // 最大長（rune 数）
	overlap int // 直前の片との重なり（rune 数）
}

// New は新しい Chunker を作成します
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive: %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d): %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size は最大長を返す
func (c *Chunker) Size() int { return c.size }

// Overlap は重なり幅を返す
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk はテキストを分割して文字列として返す
func (c *Chunker) Chunk(text string) []string {
	pieces := c.Split(text)
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = p.Text
	}
	return out
}

// Split はテキストを分割し、開始位置付きで返す。
// 最大長以下のテキストは 1 片、空白のみのテキストは 0 片になる
func (c *Chunker) Split(text string) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	if n <= c.size {
		return []Piece{{Text: text, Offset: 0}}
	}

	var pieces []Piece
	start := 0
	for {
		limit := start + c.size
		if limit >= n {
			pieces = appendPiece(pieces, runes, start, n)
			break
		}

		end := c.breakpoint(runes, start, limit)
		pieces = appendPiece(pieces, runes, start, end)

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return pieces
}

// breakpoint は (start+overlap, limit] の範囲で最も後ろにある区切り直後の位置を返す。
// 見つからなければ limit で切る
func (c *Chunker) breakpoint(runes []rune, start, limit int) int {
	floor := start + c.overlap
	for _, sep := range separators {
		for end := limit; end > floor; end-- {
			if hasSuffixAt(runes, end, sep) {
				return end
			}
		}
	}
	return limit
}

func hasSuffixAt(runes []rune, end int, sep []rune) bool {
	begin := end - len(sep)
	if begin < 0 {
		return false
	}
	for i, r := range sep {
		if runes[begin+i] != r {
			return false
		}
	}
	return true
}

func appendPiece(pieces []Piece, runes []rune, start, end int) []Piece {
	text := string(runes[start:end])
	if strings.TrimSpace(text) == "" {
		return pieces
	}
	return append(pieces, Piece{Text: text, Offset: start})
}
