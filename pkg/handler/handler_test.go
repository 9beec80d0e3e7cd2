package handler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/pkg/agent"
	"quill/pkg/config"
	"quill/pkg/model"
	"quill/pkg/normalize"
)

func TestBuildUserRows(t *testing.T) {
	now := time.Now()
	batch := []model.ProcessedMessage{
		{
			ChatID:    100,
			MessageID: 1,
			UserID:    7,
			Sender:    &model.User{ID: 7, FirstName: "Ada"},
			Text:      "hello",
			Files: []model.ProcessedFile{
				{Kind: model.FileKindImage},
				{Kind: model.FileKindPDF},
			},
			ReceivedAt: now,
		},
		{
			ChatID:     100,
			MessageID:  2,
			UserID:     7,
			Sender:     &model.User{ID: 7, FirstName: "Ada"},
			Transcript: &model.Transcript{Text: "spoken", Seconds: 3},
			IsEdit:     true,
			ReceivedAt: now,
		},
	}

	rows := buildUserRows(batch, 55)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(55), rows[0].ThreadID)
	assert.Equal(t, model.RoleUser, rows[0].Role)
	assert.Equal(t, "hello", rows[0].Text)
	assert.Equal(t, "Ada", rows[0].SenderName)
	assert.True(t, rows[0].HasPhoto)
	assert.True(t, rows[0].HasDocument)
	assert.False(t, rows[0].HasVoice)
	assert.Zero(t, rows[0].EditCount)

	assert.Equal(t, "[VOICE MESSAGE - 3s]: spoken", rows[1].Text)
	assert.True(t, rows[1].HasVoice)
	assert.Equal(t, 1, rows[1].EditCount)
}

func TestBuildAssistantRow(t *testing.T) {
	result := &agent.StreamResult{
		Text:        "the answer",
		ContentBlob: []byte(`[{"type":"text","text":"the answer"}]`),
		Usage:       anthropic.BetaUsage{InputTokens: 120, OutputTokens: 40},
	}

	row := buildAssistantRow(55, 100, 7, 901, "claude-sonnet-4-5", result)

	assert.Equal(t, model.RoleAssistant, row.Role)
	assert.Equal(t, int64(55), row.ThreadID)
	assert.Equal(t, 901, row.MessageID, "anchored to the delivered telegram message")
	assert.Equal(t, "claude-sonnet-4-5", row.Model)
	assert.Equal(t, int64(120), row.InputTokens)
	assert.Equal(t, int64(40), row.OutputTokens)
	assert.Equal(t, "the answer", row.Text)
	assert.Equal(t, jsoniter.RawMessage(result.ContentBlob), row.ContentBlob)
}

func TestAddressedToBot(t *testing.T) {
	const botID, botName = int64(42), "quill_bot"

	mention := &tgbotapi.Message{Text: "hey @quill_bot what is this"}
	assert.True(t, addressedToBot(mention, botID, botName))

	caption := &tgbotapi.Message{Caption: "@Quill_Bot look at this photo"}
	assert.True(t, addressedToBot(caption, botID, botName), "caption mention, any case")

	reply := &tgbotapi.Message{
		Text:           "and this?",
		ReplyToMessage: &tgbotapi.Message{From: &tgbotapi.User{ID: botID}},
	}
	assert.True(t, addressedToBot(reply, botID, botName))

	bystander := &tgbotapi.Message{
		Text:           "just chatting",
		ReplyToMessage: &tgbotapi.Message{From: &tgbotapi.User{ID: 9}},
	}
	assert.False(t, addressedToBot(bystander, botID, botName))
	assert.False(t, addressedToBot(&tgbotapi.Message{Text: "hello"}, botID, botName))
}

func TestTranscriptCost(t *testing.T) {
	batch := []model.ProcessedMessage{
		{Transcript: &model.Transcript{Cost: decimal.NewFromFloat(0.006)}},
		{Text: "no voice"},
		{Transcript: &model.Transcript{Cost: decimal.NewFromFloat(0.012)}},
	}
	assert.Equal(t, "0.018", transcriptCost(batch).String())
	assert.True(t, transcriptCost(nil).IsZero())
}

func TestPaymentAmount(t *testing.T) {
	assert.Equal(t, "5", paymentAmount(500).String())
	assert.Equal(t, "0.99", paymentAmount(99).String())
	assert.True(t, paymentAmount(0).IsZero())
}

func TestNormalizeErrorText(t *testing.T) {
	wrapped := fmt.Errorf("%w: http 500", normalize.ErrDownloadFailed)
	assert.Contains(t, normalizeErrorText(wrapped), "download")
	assert.Contains(t, normalizeErrorText(normalize.ErrTranscriptionFailed), "transcribe")
	assert.Contains(t, normalizeErrorText(normalize.ErrUploadFailed), "attachment")
	assert.Contains(t, normalizeErrorText(errors.New("other")), "could not process")
}

func TestModelChoices(t *testing.T) {
	h := &Handler{cfg: &config.Config{
		DefaultModel: "claude-sonnet-4-5",
		Models:       []string{"claude-opus-4-6", "claude-sonnet-4-5", "claude-haiku-4-5"},
	}}

	choices := h.modelChoices()
	assert.Equal(t, []string{"claude-sonnet-4-5", "claude-opus-4-6", "claude-haiku-4-5"}, choices,
		"default first, duplicates removed")

	assert.True(t, h.knownModel("claude-opus-4-6"))
	assert.False(t, h.knownModel("gpt-4"))
}
