package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transcript is the speech-to-text result attached to a voice or video note.
type Transcript struct {
	Text     string
	Seconds  int // rounded up to the whole second
	Language string
	Cost     decimal.Decimal // USD, metered per started minute
}

// ProcessedFile is one attachment with all blocking I/O already resolved:
// the bytes are cached and the LLM files-API handle exists.
type ProcessedFile struct {
	TelegramID string
	APIFileID  string
	Kind       FileKind
	MimeType   string
	FileName   string
	SizeBytes  int64
}

// ProcessedMessage is a platform event after normalization. Everything a
// downstream consumer needs is present; no field requires further network
// calls to interpret.
type ProcessedMessage struct {
	ChatID    int64
	MessageID int
	TopicID   int
	UserID    int64
	ChatKind  string

	Sender     *User
	Text       string
	Transcript *Transcript
	Files      []ProcessedFile

	ReplySnippet string
	ReplySender  string
	Quote        *Quote
	Forward      *ForwardOrigin

	IsEdit     bool
	EditOfText string

	ReceivedAt time.Time
}

// Body returns the text the LLM should see for this message: the caption or
// body, with voice transcripts rendered in their bracketed form.
func (p *ProcessedMessage) Body() string {
	if p.Transcript != nil {
		return p.Transcript.Rendered()
	}
	return p.Text
}

// Rendered formats a transcript the way it is persisted and shown to the LLM.
func (t *Transcript) Rendered() string {
	return fmt.Sprintf("[VOICE MESSAGE - %ds]: %s", t.Seconds, t.Text)
}
