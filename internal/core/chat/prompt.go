package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/jinford/chat-rag/internal/core/index"
)

const personaTemplate = `You are %[1]s, a capable and discreet personal assistant.

You know the user's personal information and past conversations. Use it when relevant without mentioning where it comes from.

Tone and Style:
- Be sophisticated, dry-witted and professional
- Address the user only by names or titles found in the provided context
- Be concise, like the real %[1]s

Response Length:
- Default to short answers
- Simple questions get one or two sentences
- Only detailed questions get up to three paragraphs

Memory:
- Everything said in this conversation is in your context. Never claim you did not store something the user told you.

Real-time information:
- You have current information. Never disclaim a lack of real-time access.

Formatting Rules:
- Never use asterisks or emojis
- Use plain text, or numbered lists (1., 2., 3.) when listing items
- No markdown`

// PersonaPrompt はアシスタントの人格を表すシステムプロンプトを返す
func PersonaPrompt(assistantName, userTitle string) string {
	if strings.TrimSpace(assistantName) == "" {
		assistantName = "Jarvis"
	}
	prompt := fmt.Sprintf(personaTemplate, assistantName)
	if userTitle = strings.TrimSpace(userTitle); userTitle != "" {
		prompt += "\n- When appropriate, you may address the user as: " + userTitle
	}
	return prompt
}

// TimeInfo は現在日時を読みやすい複数行のテキストにする
func TimeInfo(now time.Time) string {
	return fmt.Sprintf(
		"Current Real-time Information:\nDay: %s\nDate: %s\nMonth: %s\nYear: %s\nTime: %s hours, %s minutes, %s seconds\n",
		now.Format("Monday"),
		now.Format("02"),
		now.Format("January"),
		now.Format("2006"),
		now.Format("15"),
		now.Format("04"),
		now.Format("05"),
	)
}

// FormatSearchResults は Web 検索結果をシステムプロンプト用に整形する。結果が無ければ空文字
func FormatSearchResults(query string, results []WebResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for '%s':\n[start]\n", query)
	for _, r := range results {
		fmt.Fprintf(&b, "Title: %s\nDescription: %s\nURL: %s\n\n", r.Title, r.Content, r.URL)
	}
	b.WriteString("[end]")
	return b.String()
}

// ContextBlock は検索結果のセグメント本文を順位順に空行区切りで連結する。
// トークン予算を超える場合は順位の低いものから落とし、最上位だけで超える場合はそれを切り詰める
func ContextBlock(results []index.Result, counter TokenCounter, budget int) string {
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if text := strings.TrimSpace(r.Segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if counter == nil || budget <= 0 {
		return strings.Join(parts, "\n\n")
	}

	kept := parts[:0:0]
	for _, p := range parts {
		candidate := strings.Join(append(kept, p), "\n\n")
		if counter.CountTokens(candidate) > budget {
			break
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 && len(parts) > 0 {
		return counter.TrimToTokenLimit(parts[0], budget)
	}
	return strings.Join(kept, "\n\n")
}

// systemPrompt は人格、現在時刻、検索結果、参照文脈をまとめたシステムメッセージを組み立てる
type systemPrompt struct {
	persona string
	now     time.Time
	search  string
	context string
}

func (p systemPrompt) String() string {
	var b strings.Builder
	b.WriteString(p.persona)
	b.WriteString("\n\nCurrent time and date: ")
	b.WriteString(TimeInfo(p.now))
	if p.search != "" {
		b.WriteString("\n\nRecent search results:\n")
		b.WriteString(p.search)
	}
	if p.context != "" {
		b.WriteString("\n\nRelevant context from your learning data and past conversations:\n")
		b.WriteString(p.context)
	}
	return b.String()
}
