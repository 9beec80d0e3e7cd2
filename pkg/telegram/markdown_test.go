package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	assert.Equal(t, `a\.b\*c\_d`, Escape("a.b*c_d"))
	assert.Equal(t, "plain text", Escape("plain text"))
}

func TestExpandableQuote(t *testing.T) {
	assert.Equal(t, "**>only line||", ExpandableQuote("only line"))
	assert.Equal(t, "**>first\n>second||", ExpandableQuote("first\nsecond\n"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))

	got := Truncate(strings.Repeat("x", 20), 10)
	assert.Equal(t, 10, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, Ellipsis))
}

func TestSplitShortTextUntouched(t *testing.T) {
	chunks := Split("hello world", 4096)
	assert.Equal(t, []string{"hello world"}, chunks)
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
	chunks := Split(text, 100)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 60), chunks[0])
	assert.Equal(t, strings.Repeat("b", 60), chunks[1])
}

func TestSplitReopensCodeFence(t *testing.T) {
	text := "intro\n\n```go\n" + strings.Repeat("code line\n", 20) + "```\ntail"
	chunks := Split(text, 120)

	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0], "```"), "open fence closed at chunk end")
	assert.True(t, strings.HasPrefix(chunks[1], "```go"), "fence reopened in next chunk")
}

func TestSplitChunksWithinLimit(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	for _, chunk := range Split(text, 300) {
		assert.LessOrEqual(t, len([]rune(chunk)), 310)
	}
}
