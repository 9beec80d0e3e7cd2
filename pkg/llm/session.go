package llm

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	jsoniter "github.com/json-iterator/go"

	"quill/pkg/telegram"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BlockKind classifies a display block of the streaming view.
type BlockKind int

const (
	BlockThinking BlockKind = iota
	BlockText
	BlockToolMarker
	BlockSystem
)

// DisplayBlock is one visible segment of the in-progress response.
type DisplayBlock struct {
	Kind BlockKind
	Text string
}

// PendingTool is a client-side tool invocation the model requested this
// iteration, in the order the model emitted it.
type PendingTool struct {
	ID    string
	Name  string
	Input jsoniter.RawMessage
}

// Session is the pure state of one LLM stream iteration. Exactly one
// goroutine touches it; handlers mutate state and do no I/O themselves.
type Session struct {
	ShowThinking bool

	display   []DisplayBlock
	open      int // index of the block receiving deltas, -1 when closed
	pending   []PendingTool
	captured  *anthropic.BetaMessage
	stop      string
	sentParts []string
}

func NewSession(showThinking bool) *Session {
	return &Session{ShowThinking: showThinking, open: -1}
}

// ThinkingDelta appends a chunk to the current thinking block.
func (s *Session) ThinkingDelta(chunk string) {
	s.appendDelta(BlockThinking, chunk)
}

// TextDelta appends a chunk to the current text block.
func (s *Session) TextDelta(chunk string) {
	s.appendDelta(BlockText, chunk)
}

// ToolUseStart closes any open block and inserts a marker so the user sees
// which tool is running. Server-side tools get a marker too; they execute on
// the API side and never enter the pending set.
func (s *Session) ToolUseStart(name string) {
	s.open = -1
	s.display = append(s.display, DisplayBlock{Kind: BlockToolMarker, Text: name})
}

// BlockEnd closes the block currently receiving deltas.
func (s *Session) BlockEnd() {
	s.open = -1
}

// SystemNote appends an advisory line (interruption, refusal, context
// overflow) to the display.
func (s *Session) SystemNote(text string) {
	s.open = -1
	s.display = append(s.display, DisplayBlock{Kind: BlockSystem, Text: text})
}

// Complete records the fully accumulated message and extracts the client
// tools to execute. Order follows the message content, which is the order
// the executor launches them in.
func (s *Session) Complete(msg *anthropic.BetaMessage) {
	s.captured = msg
	s.stop = string(msg.StopReason)
	s.open = -1

	s.pending = nil
	for _, block := range msg.Content {
		if tu, ok := block.AsAny().(anthropic.BetaToolUseBlock); ok {
			s.pending = append(s.pending, PendingTool{
				ID:    tu.ID,
				Name:  tu.Name,
				Input: jsoniter.RawMessage(tu.JSON.Input.Raw()),
			})
		}
	}
}

// StopReason returns the stop reason of the completed iteration, empty while
// the stream is still running.
func (s *Session) StopReason() string { return s.stop }

// PendingTools lists the client tools awaiting execution.
func (s *Session) PendingTools() []PendingTool { return s.pending }

// Captured returns the accumulated assistant message, nil before Complete.
func (s *Session) Captured() *anthropic.BetaMessage { return s.captured }

// ContentBlob serializes the captured content for byte-identical replay on
// the next turn. Rebuilding blocks from plain text loses the thinking
// signatures and the API rejects the conversation, so the raw JSON is kept.
func (s *Session) ContentBlob() (jsoniter.RawMessage, error) {
	if s.captured == nil {
		return nil, nil
	}
	return json.Marshal(s.captured.Content)
}

// TextContent is the unstyled concatenation of the text blocks, the durable
// text_content column of the assistant row.
func (s *Session) TextContent() string {
	var b strings.Builder
	for _, block := range s.display {
		if block.Kind == BlockText {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// StreamText renders the display for the live draft: thinking as italics,
// tool markers inline.
func (s *Session) StreamText() string {
	return s.render(false)
}

// FinalText renders the permanent message: tool markers stripped, thinking
// folded into an expandable quote.
func (s *Session) FinalText() string {
	return s.render(true)
}

// CommitSegment archives the current display as an already-sent part and
// starts a fresh segment. Used when a mid-turn file delivery forces the text
// so far to be committed.
func (s *Session) CommitSegment() {
	if text := s.FinalText(); text != "" {
		s.sentParts = append(s.sentParts, text)
	}
	s.display = nil
	s.open = -1
}

// SentParts lists segments already committed as permanent messages.
func (s *Session) SentParts() []string { return s.sentParts }

// HasVisibleText reports whether anything user-facing has accumulated.
func (s *Session) HasVisibleText() bool {
	for _, block := range s.display {
		if block.Kind == BlockText || block.Kind == BlockSystem {
			if strings.TrimSpace(block.Text) != "" {
				return true
			}
		}
	}
	return false
}

func (s *Session) appendDelta(kind BlockKind, chunk string) {
	if s.open >= 0 && s.display[s.open].Kind == kind {
		s.display[s.open].Text += chunk
		return
	}
	s.display = append(s.display, DisplayBlock{Kind: kind, Text: chunk})
	s.open = len(s.display) - 1
}

func (s *Session) render(final bool) string {
	var parts []string
	for _, block := range s.display {
		switch block.Kind {
		case BlockThinking:
			if !s.ShowThinking || strings.TrimSpace(block.Text) == "" {
				continue
			}
			if final {
				parts = append(parts, telegram.ExpandableQuote(telegram.Escape(block.Text)))
			} else {
				parts = append(parts, telegram.Italic(telegram.Escape(block.Text)))
			}
		case BlockText:
			if block.Text != "" {
				parts = append(parts, telegram.Escape(block.Text))
			}
		case BlockToolMarker:
			if !final {
				parts = append(parts, telegram.Escape("⚙ "+block.Text+"…"))
			}
		case BlockSystem:
			parts = append(parts, telegram.Italic(telegram.Escape(block.Text)))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
