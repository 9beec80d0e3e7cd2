package handler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"quill/pkg/agent"
	"quill/pkg/billing"
	"quill/pkg/llm"
	"quill/pkg/model"
	"quill/pkg/queue"
	"quill/pkg/telegram"
	"quill/pkg/tools"
)

// continuationCap bounds how many turn-break segments one batch may produce.
const continuationCap = 5

// runTurn drives one coalesced batch through the full pipeline: thread
// resolution, context assembly, the streaming tool loop, billing and
// write-behind persistence. It is the batch coordinator's emit callback.
func (h *Handler) runTurn(msgs []model.ProcessedMessage) {
	first := msgs[0]
	chatID, topicID, userID := first.ChatID, first.TopicID, first.UserID

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.sys.LLMTimeoutMs)*time.Millisecond)
	defer cancel()

	thread, err := h.store.EnsureThread(ctx, chatID, userID, topicID)
	if err != nil {
		slog.ErrorContext(ctx, "Thread resolution failed", "chat_id", chatID, "error", err)
		return
	}

	isGroup := first.ChatKind == "group" || first.ChatKind == "supergroup"

	rows, err := h.history.Get(ctx, thread.ID)
	if err != nil {
		slog.ErrorContext(ctx, "History load failed", "thread_id", thread.ID, "error", err)
		return
	}

	budget := llm.Budget{
		WindowTokens:    h.sys.ContextWindowTokens,
		MaxOutputTokens: h.sys.MaxOutputTokens,
		BufferPct:       h.sys.ContextBufferPct,
	}
	conversation, err := llm.BuildHistory(rows, isGroup, budget)
	if err != nil {
		slog.ErrorContext(ctx, "History formatting failed", "thread_id", thread.ID, "error", err)
		return
	}

	userTurn, ok := llm.BuildUserTurn(msgs, isGroup)
	if !ok {
		return
	}
	conversation = append(conversation, userTurn)

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "User load failed", "user_id", userID, "error", err)
		return
	}
	modelID := user.Model
	if modelID == "" {
		modelID = h.cfg.DefaultModel
	}
	system := h.cfg.SystemPrompt
	if user.Preamble != "" {
		system = system + "\n\n" + user.Preamble
	}

	gen := h.gens.Begin(chatID, topicID, userID)
	defer gen.End()

	drafts := telegram.NewDraftManager(h.client, chatID, topicID,
		time.Duration(h.sys.DraftUpdateIntervalMs)*time.Millisecond,
		time.Duration(h.sys.DraftKeepaliveMs)*time.Millisecond)
	actions := h.actions.For(chatID, topicID)

	req := agent.Request{
		ModelID:      modelID,
		System:       system,
		Conversation: conversation,
		Tools:        h.tools.Params(tools.WebSearchParam(5)),
		Drafts:       drafts,
		Actions:      actions,
		Gen:          gen,
		OnFile: func(res tools.ExecResult) {
			h.deliverFile(chatID, topicID, res)
		},
	}

	// Persist the user side up front; the assistant side lands per segment.
	userRows := buildUserRows(msgs, thread.ID)
	for _, row := range userRows {
		h.queue.Queue(ctx, queue.KindMessage, row)
	}
	h.history.Append(thread.ID, userRows...)

	totalCost := transcriptCost(msgs)
	var totalTokens int64

	for segment := 0; segment < continuationCap; segment++ {
		result, err := h.orch.Stream(ctx, req)
		if err != nil {
			slog.ErrorContext(ctx, "Generation failed", "chat_id", chatID, "error", err)
			h.notifyFailure(chatID, topicID)
			break
		}

		totalCost = totalCost.Add(billing.CostForUsage(modelID, result.Usage))
		totalTokens += billing.TotalTokens(result.Usage)

		h.persistSegment(ctx, thread.ID, chatID, userID, modelID, drafts, result)

		if !result.NeedsContinuation || result.WasCancelled {
			break
		}

		// A turn-break tool ended the segment; continue the same conversation
		// in a fresh draft.
		req.Conversation = result.Conversation
		drafts = telegram.NewDraftManager(h.client, chatID, topicID,
			time.Duration(h.sys.DraftUpdateIntervalMs)*time.Millisecond,
			time.Duration(h.sys.DraftKeepaliveMs)*time.Millisecond)
		req.Drafts = drafts
	}

	if totalCost.IsPositive() {
		desc := "generation with " + modelID
		if _, err := h.billing.Charge(ctx, userID, totalCost, desc, chatID, first.MessageID); err != nil {
			slog.ErrorContext(ctx, "Charge failed", "user_id", userID, "error", err)
		}
	}

	h.queue.Queue(ctx, queue.KindUserStats, model.UserStats{
		UserID:        userID,
		Messages:      int64(len(msgs)),
		Tokens:        totalTokens,
		LastMessageAt: time.Now(),
	})
}

// persistSegment enqueues the assistant row and tool-call audit rows of one
// stream segment, and mirrors the row into the history cache.
func (h *Handler) persistSegment(ctx context.Context, threadID, chatID, userID int64, modelID string, drafts *telegram.DraftManager, result *agent.StreamResult) {
	sent := drafts.SentIDs()
	if len(sent) == 0 {
		// Nothing reached the chat; nothing to anchor the rows to.
		return
	}
	lastID := sent[len(sent)-1]

	row := buildAssistantRow(threadID, chatID, userID, lastID, modelID, result)
	h.queue.Queue(ctx, queue.KindMessage, row)
	h.history.Append(threadID, row)

	for _, tc := range result.ToolCalls {
		h.queue.Queue(ctx, queue.KindToolCall, model.ToolCallRecord{
			ChatID:     chatID,
			MessageID:  lastID,
			UserID:     userID,
			ToolName:   tc.Name,
			Input:      tc.Input,
			DurationMs: tc.Duration.Milliseconds(),
			IsError:    tc.IsError,
			CreatedAt:  time.Now(),
		})
	}
}

// buildAssistantRow shapes one stream segment into its durable message row,
// anchored to the last delivered telegram message id.
func buildAssistantRow(threadID, chatID, userID int64, messageID int, modelID string, result *agent.StreamResult) model.Message {
	return model.Message{
		ChatID:       chatID,
		MessageID:    messageID,
		ThreadID:     threadID,
		UserID:       userID,
		Role:         model.RoleAssistant,
		Text:         result.Text,
		ContentBlob:  result.ContentBlob,
		Model:        modelID,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CreatedAt:    time.Now(),
	}
}

// deliverFile sends a tool-produced file into the chat, as a photo when the
// MIME type says so, otherwise as a document.
func (h *Handler) deliverFile(chatID int64, topicID int, res tools.ExecResult) {
	mgr := h.actions.For(chatID, topicID)
	kind := model.FileKindDocument
	if strings.HasPrefix(res.FileMime, "image/") {
		kind = model.FileKindImage
	}
	scope := mgr.Push(telegram.PhaseUploading, kind)
	defer mgr.Pop(scope)

	var err error
	if kind == model.FileKindImage {
		_, err = h.client.SendPhoto(chatID, topicID, res.FileName, res.FileBytes, "")
	} else {
		_, err = h.client.SendDocument(chatID, topicID, res.FileName, res.FileBytes, "")
	}
	if err != nil {
		slog.Warn("File delivery failed", "chat_id", chatID, "file", res.FileName, "error", err)
	}
}

func (h *Handler) notifyFailure(chatID int64, topicID int) {
	text := telegram.Escape("Something went wrong while generating a response, please try again.")
	if _, err := h.client.Send(chatID, topicID, text, true); err != nil {
		slog.Warn("Failure notice failed", "chat_id", chatID, "error", err)
	}
}

// buildUserRows converts a processed batch into the message rows that go to
// Postgres and into the history cache.
func buildUserRows(msgs []model.ProcessedMessage, threadID int64) []model.Message {
	rows := make([]model.Message, 0, len(msgs))
	for _, p := range msgs {
		var sender string
		if p.Sender != nil {
			sender = p.Sender.DisplayName()
		}
		editCount := 0
		if p.IsEdit {
			editCount = 1
		}

		hasPhoto, hasDocument := false, false
		for _, f := range p.Files {
			if f.Kind == model.FileKindImage {
				hasPhoto = true
			} else {
				hasDocument = true
			}
		}

		rows = append(rows, model.Message{
			ChatID:       p.ChatID,
			MessageID:    p.MessageID,
			ThreadID:     threadID,
			UserID:       p.UserID,
			Role:         model.RoleUser,
			Text:         p.Body(),
			SenderName:   sender,
			ReplySnippet: p.ReplySnippet,
			ReplySender:  p.ReplySender,
			Quote:        p.Quote,
			Forward:      p.Forward,
			HasVoice:     p.Transcript != nil,
			HasPhoto:     hasPhoto,
			HasDocument:  hasDocument,
			EditCount:    editCount,
			CreatedAt:    p.ReceivedAt,
		})
	}
	return rows
}

// transcriptCost sums the speech-to-text cost of a batch so it rides the
// same charge as the generation.
func transcriptCost(msgs []model.ProcessedMessage) decimal.Decimal {
	total := decimal.Zero
	for _, p := range msgs {
		if p.Transcript != nil {
			total = total.Add(p.Transcript.Cost)
		}
	}
	return total
}

func senderModel(u *tgbotapi.User) *model.User {
	return &model.User{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func chatModel(c *tgbotapi.Chat) *model.Chat {
	title := c.Title
	if title == "" {
		title = c.UserName
	}
	return &model.Chat{ID: c.ID, Kind: c.Type, Title: title}
}
