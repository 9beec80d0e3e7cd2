package llm

import (
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"quill/pkg/model"
)

// Budget bounds how much history fits into one call. The formatter keeps the
// newest tail that fits window minus the output reservation and a safety
// buffer. Token counts are estimated at four characters per token.
type Budget struct {
	WindowTokens    int
	MaxOutputTokens int
	BufferPct       int
}

func (b Budget) available() int {
	return b.WindowTokens - b.MaxOutputTokens - b.WindowTokens*b.BufferPct/100
}

// BuildHistory renders stored rows into the message list for the next call.
//
// User rows become a text block with an optional context header. Assistant
// rows with a stored content blob are replayed verbatim; the signatures on
// thinking blocks are bound to the exact bytes, so rebuilding them from the
// text column would get the conversation rejected. Rows whose content
// collapses to empty are dropped, as the API refuses empty turns.
func BuildHistory(history []model.Message, isGroup bool, budget Budget) ([]anthropic.BetaMessageParam, error) {
	type rendered struct {
		param  anthropic.BetaMessageParam
		tokens int
	}

	var all []rendered
	for _, m := range history {
		switch m.Role {
		case model.RoleAssistant:
			param, tokens, err := assistantParam(m)
			if err != nil {
				return nil, err
			}
			if tokens == 0 {
				continue
			}
			all = append(all, rendered{param: param, tokens: tokens})
		default:
			text := userText(m, isGroup)
			if strings.TrimSpace(text) == "" {
				continue
			}
			all = append(all, rendered{
				param:  anthropic.NewBetaUserMessage(anthropic.NewBetaTextBlock(text)),
				tokens: estimateTokens(len(text)),
			})
		}
	}

	// Tail fit: newest messages win.
	avail := budget.available()
	start := len(all)
	used := 0
	for start > 0 {
		next := used + all[start-1].tokens
		if next > avail {
			break
		}
		used = next
		start--
	}

	// The conversation must open with a user turn.
	for start < len(all) && all[start].param.Role == anthropic.BetaMessageParamRoleAssistant {
		start++
	}

	out := make([]anthropic.BetaMessageParam, 0, len(all)-start)
	for _, r := range all[start:] {
		out = append(out, r.param)
	}
	return out, nil
}

// BuildUserTurn renders a coalesced batch of processed messages into the
// opening user message of a new call: one text block per message (with
// header when context demands it) plus typed blocks for uploaded files.
func BuildUserTurn(batch []model.ProcessedMessage, isGroup bool) (anthropic.BetaMessageParam, bool) {
	var blocks []anthropic.BetaContentBlockParamUnion
	for _, p := range batch {
		if text := processedText(&p, isGroup); strings.TrimSpace(text) != "" {
			blocks = append(blocks, anthropic.NewBetaTextBlock(text))
		}
		for _, f := range p.Files {
			blocks = append(blocks, fileBlock(f))
		}
	}
	if len(blocks) == 0 {
		return anthropic.BetaMessageParam{}, false
	}
	return anthropic.NewBetaUserMessage(blocks...), true
}

// fileBlock references an uploaded file in message content. Images and PDFs
// are consumed by the model directly; other kinds are surfaced as a text
// note carrying the file handle so tools can fetch them.
func fileBlock(f model.ProcessedFile) anthropic.BetaContentBlockParamUnion {
	switch f.Kind {
	case model.FileKindImage:
		return anthropic.BetaContentBlockParamUnion{
			OfImage: &anthropic.BetaImageBlockParam{
				Source: anthropic.BetaImageBlockParamSourceUnion{
					OfFile: &anthropic.BetaFileImageSourceParam{FileID: f.APIFileID},
				},
			},
		}
	case model.FileKindPDF:
		return anthropic.BetaContentBlockParamUnion{
			OfDocument: &anthropic.BetaRequestDocumentBlockParam{
				Source: anthropic.BetaRequestDocumentBlockSourceUnionParam{
					OfFile: &anthropic.BetaFileDocumentSourceParam{FileID: f.APIFileID},
				},
			},
		}
	default:
		note := fmt.Sprintf("[Attached file %q (%s), file_id: %s]", f.FileName, f.MimeType, f.APIFileID)
		return anthropic.NewBetaTextBlock(note)
	}
}

func assistantParam(m model.Message) (anthropic.BetaMessageParam, int, error) {
	if len(m.ContentBlob) == 0 {
		if strings.TrimSpace(m.Text) == "" {
			return anthropic.BetaMessageParam{}, 0, nil
		}
		param := anthropic.BetaMessageParam{
			Role:    anthropic.BetaMessageParamRoleAssistant,
			Content: []anthropic.BetaContentBlockParamUnion{anthropic.NewBetaTextBlock(m.Text)},
		}
		return param, estimateTokens(len(m.Text)), nil
	}

	var blocks []anthropic.BetaContentBlockUnion
	if err := json.Unmarshal([]byte(m.ContentBlob), &blocks); err != nil {
		return anthropic.BetaMessageParam{}, 0, fmt.Errorf("llm: decode content blob for message %d: %w", m.MessageID, err)
	}
	if len(blocks) == 0 {
		return anthropic.BetaMessageParam{}, 0, nil
	}

	params := make([]anthropic.BetaContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		params = append(params, b.ToParam())
	}

	param := anthropic.BetaMessageParam{Role: anthropic.BetaMessageParamRoleAssistant, Content: params}
	ScrubAssistantParam(&param)
	return param, estimateTokens(len(m.ContentBlob)), nil
}

// ScrubAssistantParam removes API-only response fields that the messages
// endpoint rejects on replay. Thinking, redacted-thinking and tool-use
// blocks pass through untouched.
func ScrubAssistantParam(p *anthropic.BetaMessageParam) {
	for i := range p.Content {
		if text := p.Content[i].OfText; text != nil {
			text.Citations = nil
		}
	}
}

// userText renders a stored user row with its context header.
func userText(m model.Message, isGroup bool) string {
	header := headerLines(isGroup, m.SenderName, m.Forward, m.ReplySender, m.ReplySnippet, m.Quote, m.EditCount)
	if header == "" {
		return m.Text
	}
	return header + "\n" + m.Text
}

func processedText(p *model.ProcessedMessage, isGroup bool) string {
	var sender string
	if p.Sender != nil {
		sender = p.Sender.DisplayName()
	}
	editCount := 0
	if p.IsEdit {
		editCount = 1
	}
	header := headerLines(isGroup, sender, p.Forward, p.ReplySender, p.ReplySnippet, p.Quote, editCount)
	if header == "" {
		return p.Body()
	}
	return header + "\n" + p.Body()
}

// headerLines builds the context header for a user message. Emitted only
// when the surrounding context matters: group chats, replies, quotes,
// forwards and edits.
func headerLines(isGroup bool, sender string, fwd *model.ForwardOrigin, replySender, replySnippet string, quote *model.Quote, editCount int) string {
	needed := isGroup || fwd != nil || replySnippet != "" || quote != nil || editCount > 0
	if !needed {
		return ""
	}

	var lines []string
	if sender != "" {
		lines = append(lines, fmt.Sprintf("[From: %s]", sender))
	}
	if fwd != nil {
		lines = append(lines, fmt.Sprintf("[Forwarded from %s: %s]", fwd.Kind, fwd.Name))
	}
	if replySnippet != "" {
		if replySender != "" {
			lines = append(lines, fmt.Sprintf("[Replying to %s: %q]", replySender, replySnippet))
		} else {
			lines = append(lines, fmt.Sprintf("[Replying to: %q]", replySnippet))
		}
	}
	if quote != nil && quote.Text != "" {
		lines = append(lines, fmt.Sprintf("[Quote: %q]", quote.Text))
	}
	if editCount > 0 {
		lines = append(lines, fmt.Sprintf("[edited %dx]", editCount))
	}
	return strings.Join(lines, "\n")
}

func estimateTokens(chars int) int {
	return chars/4 + 8
}
