// Package model holds the persistent and in-flight domain types shared by
// the normalizer, orchestrator, store, and queue. Types here carry no
// behavior beyond construction helpers; all I/O lives in the owning packages.
package model

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

// Role identifies the author of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// User is one Telegram account known to the service.
type User struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username,omitempty"`
	FirstName     string          `json:"first_name,omitempty"`
	LastName      string          `json:"last_name,omitempty"`
	Model         string          `json:"model,omitempty"` // preferred LLM model id, empty = default
	Preamble      string          `json:"preamble,omitempty"`
	MessageCount  int64           `json:"message_count"`
	TokenCount    int64           `json:"token_count"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
	LastMessageAt time.Time       `json:"last_message_at"`
}

// DisplayName renders the user the way headers and audit rows refer to them.
func (u *User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

// Chat is an addressable conversation container (private chat, group, channel).
type Chat struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // "private", "group", "supergroup", "channel"
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsGroup reports whether messages in this chat need sender headers.
func (c *Chat) IsGroup() bool {
	return c.Kind == "group" || c.Kind == "supergroup"
}

// Thread is the unit of LLM context: (chat, user, optional forum topic).
// Threads are created lazily and deleted logically via the Deleted flag.
type Thread struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	TopicID   int       `json:"topic_id"` // 0 when the chat has no forum topics
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one stored conversation turn, keyed by (chat, telegram message id).
type Message struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
	ThreadID  int64 `json:"thread_id"`
	UserID    int64 `json:"user_id"`
	Role      Role  `json:"role"`
	Text      string `json:"text"`

	// ContentBlob is the verbatim JSON content array emitted by the LLM for
	// assistant turns. It is replayed byte-identical on the next call;
	// signatures on thinking blocks are cryptographically bound to it.
	ContentBlob jsoniter.RawMessage `json:"content_blob,omitempty"`

	SenderName   string         `json:"sender_name,omitempty"`
	ReplySnippet string         `json:"reply_snippet,omitempty"`
	ReplySender  string         `json:"reply_sender,omitempty"`
	Quote        *Quote         `json:"quote,omitempty"`
	Forward      *ForwardOrigin `json:"forward,omitempty"`

	HasVoice     bool   `json:"has_voice,omitempty"`
	HasPhoto     bool   `json:"has_photo,omitempty"`
	HasDocument  bool   `json:"has_document,omitempty"`
	EditCount    int    `json:"edit_count,omitempty"`
	OriginalText string `json:"original_text,omitempty"` // pre-edit body, set on first edit

	Model        string          `json:"model,omitempty"` // assistant rows: the model that produced the text
	InputTokens  int64           `json:"input_tokens,omitempty"`
	OutputTokens int64           `json:"output_tokens,omitempty"`
	Cost         decimal.Decimal `json:"cost"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Quote is an explicit excerpt the user attached when replying.
type Quote struct {
	Text     string `json:"text"`
	Position int    `json:"position"`
	IsManual bool   `json:"is_manual"`
}

// ForwardOrigin describes where a forwarded message came from.
type ForwardOrigin struct {
	Kind string `json:"kind"` // "user", "chat", "channel", "hidden"
	Name string `json:"name"`
}

// FileKind classifies an uploaded file for content formatting.
type FileKind string

const (
	FileKindImage    FileKind = "image"
	FileKindAudio    FileKind = "audio"
	FileKindVideo    FileKind = "video"
	FileKindPDF      FileKind = "pdf"
	FileKindDocument FileKind = "document"
)

// UploadedFile binds a Telegram file handle to an LLM files-API handle.
type UploadedFile struct {
	ID         int64     `json:"id,omitempty"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int       `json:"message_id"`
	TelegramID string    `json:"telegram_id"`
	APIFileID  string    `json:"api_file_id"`
	Kind       FileKind  `json:"kind"`
	MimeType   string    `json:"mime_type"`
	FileName   string    `json:"file_name,omitempty"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the files-API handle is past its TTL.
func (f *UploadedFile) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// BalanceOpKind enumerates the audit record kinds.
type BalanceOpKind string

const (
	BalanceOpPayment    BalanceOpKind = "payment"
	BalanceOpUsage      BalanceOpKind = "usage"
	BalanceOpRefund     BalanceOpKind = "refund"
	BalanceOpAdminTopup BalanceOpKind = "admin_topup"
)

// BalanceOperation is an immutable audit record. Amount is signed; the sum of
// amounts for a user plus the starter balance equals the current balance.
type BalanceOperation struct {
	ID             int64           `json:"id,omitempty"`
	UserID         int64           `json:"user_id"`
	Kind           BalanceOpKind   `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	RelatedChatID  int64           `json:"related_chat_id,omitempty"`
	RelatedMessage int             `json:"related_message,omitempty"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ToolCallRecord is the audit row for one executed client-side tool.
type ToolCallRecord struct {
	ID         int64               `json:"id,omitempty"`
	ChatID     int64               `json:"chat_id"`
	MessageID  int                 `json:"message_id"`
	UserID     int64               `json:"user_id"`
	ToolName   string              `json:"tool_name"`
	Input      jsoniter.RawMessage `json:"input,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	IsError    bool                `json:"is_error"`
	CreatedAt  time.Time           `json:"created_at"`
}

// UserStats is the queued counter increment for one user turn.
type UserStats struct {
	UserID        int64     `json:"user_id"`
	Messages      int64     `json:"messages"`
	Tokens        int64     `json:"tokens"`
	LastMessageAt time.Time `json:"last_message_at"`
}
