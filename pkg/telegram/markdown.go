package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const Ellipsis = "…"

// Escape escapes user- or model-supplied text for MarkdownV2.
func Escape(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, text)
}

// Italic wraps already-escaped text in MarkdownV2 italics.
func Italic(text string) string {
	return "_" + text + "_"
}

// ExpandableQuote renders already-escaped text as a collapsed MarkdownV2
// blockquote the user can expand. Used for finalized thinking sections.
func ExpandableQuote(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == 0 {
			b.WriteString("**>")
		} else {
			b.WriteString("\n>")
		}
		b.WriteString(line)
	}
	b.WriteString("||")
	return b.String()
}

// Truncate cuts text at the platform message limit, marking the cut with an
// ellipsis. Limits are counted in runes the way Telegram counts them.
func Truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + Ellipsis
}

// Split breaks long text into chunks within the limit, preferring paragraph
// boundaries, then line boundaries, then a hard cut. A chunk that ends inside
// a code fence gets the fence closed and reopened in the next chunk so each
// piece renders on its own.
func Split(text string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var fence string
	remaining := text
	for len([]rune(remaining)) > limit {
		head := string([]rune(remaining)[:limit])

		cut := strings.LastIndex(head, "\n\n")
		if cut < limit/2 {
			if nl := strings.LastIndex(head, "\n"); nl >= limit/2 {
				cut = nl
			}
		}
		if cut < limit/2 {
			cut = len(head)
		}

		chunk := strings.TrimRight(remaining[:cut], "\n")
		remaining = strings.TrimLeft(remaining[cut:], "\n")

		// Each emitted chunk is self-contained: an open fence is closed
		// here and reopened at the head of the next chunk.
		fence = openFence(chunk)
		if fence != "" {
			chunk += "\n```"
			remaining = fence + "\n" + remaining
		}
		chunks = append(chunks, chunk)
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// openFence returns the opening fence line if chunk leaves a code block open.
func openFence(chunk string) string {
	var open string
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open == "" {
			open = trimmed
		} else {
			open = ""
		}
	}
	return open
}
