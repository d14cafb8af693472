package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jinford/chat-rag/internal/core/index"
)

func TestTimeInfo(t *testing.T) {
	got := TimeInfo(fixedNow)
	assert.Equal(t, "Current Real-time Information:\nDay: Thursday\nDate: 05\nMonth: February\nYear: 2026\nTime: 09 hours, 07 minutes, 03 seconds\n", got)
}

func TestPersonaPrompt(t *testing.T) {
	p := PersonaPrompt("Friday", "")
	assert.Contains(t, p, "You are Friday")
	assert.NotContains(t, p, "address the user as")

	p = PersonaPrompt("", "Sir")
	assert.Contains(t, p, "You are Jarvis")
	assert.Contains(t, p, "you may address the user as: Sir")
}

func TestFormatSearchResults(t *testing.T) {
	assert.Empty(t, FormatSearchResults("q", nil))

	got := FormatSearchResults("go release", []WebResult{
		{Title: "Go 1.30", Content: "Released", URL: "https://go.dev"},
		{Title: "Notes", Content: "Details", URL: "https://go.dev/doc"},
	})
	assert.Equal(t, "Search results for 'go release':\n[start]\n"+
		"Title: Go 1.30\nDescription: Released\nURL: https://go.dev\n\n"+
		"Title: Notes\nDescription: Details\nURL: https://go.dev/doc\n\n[end]", got)
}

func TestContextBlock(t *testing.T) {
	results := []index.Result{
		{Segment: index.Segment{Text: "  first  "}},
		{Segment: index.Segment{Text: "second"}},
	}
	assert.Empty(t, ContextBlock(nil, wordCounter{}, 10))
	assert.Equal(t, "first\n\nsecond", ContextBlock(results, nil, 0))
	assert.Equal(t, "first\n\nsecond", ContextBlock(results, wordCounter{}, 10))
	assert.Equal(t, "first", ContextBlock(results, wordCounter{}, 1))

	ranked := []index.Result{
		{Segment: index.Segment{Text: "one two"}},
		{Segment: index.Segment{Text: "three four five"}},
		{Segment: index.Segment{Text: "six"}},
	}
	// 2 件目で予算を超えるので以降は落とす
	assert.Equal(t, "one two", ContextBlock(ranked, wordCounter{}, 4))
	// 最上位だけで超える場合は切り詰める
	assert.Equal(t, "one", ContextBlock(ranked, wordCounter{}, 1))
}
