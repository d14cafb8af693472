package conversation

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role は発言者の種別
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid はロールが既知の値かを返す
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message はセッション内の 1 発言
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session はセッション ID と発言列
type Session struct {
	ID       string    `json:"session_id"`
	Messages []Message `json:"messages"`
}

func (s Session) clone() Session {
	return Session{ID: s.ID, Messages: slices.Clone(s.Messages)}
}

// Transcript はセッションを "User: ..." / "Assistant: ..." 形式の行に整形する
func (s Session) Transcript() string {
	var b strings.Builder
	for i, m := range s.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		switch m.Role {
		case RoleUser:
			b.WriteString("User: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			fmt.Fprintf(&b, "%s: ", m.Role)
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// maxIdentifierLength はファイル名として扱える長さの上限（拡張子分を除く）
const maxIdentifierLength = 200

// ValidateID はセッション ID がファイル名として安全かを検証する。
// パス区切り文字を含む ID は必ず拒否する
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidIdentifier, id)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidIdentifier)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidIdentifier, id)
	case len(id) > maxIdentifierLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentifier, maxIdentifierLength)
	}
	return nil
}
