// Package telegram wraps the Bot API client with the send, edit, download and
// presence primitives the rest of the service uses.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client is a thin wrapper over tgbotapi.BotAPI. Topic routing uses the
// reply-to mechanism: a forum topic id is the id of its root message, and a
// reply to it lands in the topic.
type Client struct {
	bot          *tgbotapi.BotAPI
	httpClient   *http.Client
	messageLimit int
}

func NewClient(bot *tgbotapi.BotAPI, messageLimit int, downloadTimeout time.Duration) *Client {
	return &Client{
		bot:          bot,
		httpClient:   &http.Client{Timeout: downloadTimeout},
		messageLimit: messageLimit,
	}
}

// Send posts a message and returns its id. With markdown set, the text is
// sent as MarkdownV2 and retried plain if Telegram rejects the entities.
func (c *Client) Send(chatID int64, topicID int, text string, markdown bool) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if topicID != 0 {
		msg.ReplyToMessageID = topicID
	}
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdownV2
	}

	sent, err := c.bot.Send(msg)
	if err != nil && markdown && isParseError(err) {
		msg.ParseMode = ""
		sent, err = c.bot.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("telegram send failed: %w", err)
	}
	return sent.MessageID, nil
}

// Edit replaces the text of an existing message, with the same markdown
// fallback as Send. An edit to identical content is reported by Telegram as
// an error and swallowed here.
func (c *Client) Edit(chatID int64, messageID int, text string, markdown bool) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if markdown {
		edit.ParseMode = tgbotapi.ModeMarkdownV2
	}

	_, err := c.bot.Send(edit)
	if err != nil && markdown && isParseError(err) {
		edit.ParseMode = ""
		_, err = c.bot.Send(edit)
	}
	if err != nil && isNotModified(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("telegram edit failed: %w", err)
	}
	return nil
}

func (c *Client) Delete(chatID int64, messageID int) error {
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("telegram delete failed: %w", err)
	}
	return nil
}

// SendChatAction fires an ephemeral presence indicator (typing, upload_photo,
// ...). Errors are returned but callers generally ignore them.
func (c *Client) SendChatAction(chatID int64, topicID int, action string) error {
	cfg := tgbotapi.NewChatAction(chatID, action)
	_, err := c.bot.Request(cfg)
	return err
}

// SendPhoto delivers image bytes as a photo message.
func (c *Client) SendPhoto(chatID int64, topicID int, name string, data []byte, caption string) (int, error) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	if topicID != 0 {
		photo.ReplyToMessageID = topicID
	}
	photo.Caption = caption

	sent, err := c.bot.Send(photo)
	if err != nil {
		return 0, fmt.Errorf("telegram send photo failed: %w", err)
	}
	return sent.MessageID, nil
}

// SendDocument delivers arbitrary bytes as a document message.
func (c *Client) SendDocument(chatID int64, topicID int, name string, data []byte, caption string) (int, error) {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	if topicID != 0 {
		doc.ReplyToMessageID = topicID
	}
	doc.Caption = caption

	sent, err := c.bot.Send(doc)
	if err != nil {
		return 0, fmt.Errorf("telegram send document failed: %w", err)
	}
	return sent.MessageID, nil
}

// FileBytes downloads a Telegram-hosted file into memory and returns the
// bytes plus the server-side path (its extension identifies the format).
func (c *Client) FileBytes(ctx context.Context, fileID string) ([]byte, string, error) {
	info, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file info: %w", err)
	}

	// Build the download URL from the token directly to save a round trip.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.Link(c.bot.Token), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download file: status code %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	return data, info.FilePath, nil
}

// MessageLimit reports the per-message character cap.
func (c *Client) MessageLimit() int {
	return c.messageLimit
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
