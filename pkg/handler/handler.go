// Package handler is the service's ingress: it runs the Telegram long-poll
// loop and carries each update through gate, normalizer, batch coordinator,
// orchestrator, billing and persistence.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"quill/pkg/agent"
	"quill/pkg/batch"
	"quill/pkg/billing"
	"quill/pkg/cache"
	"quill/pkg/config"
	"quill/pkg/normalize"
	"quill/pkg/queue"
	"quill/pkg/store"
	"quill/pkg/telegram"
	"quill/pkg/tools"
)

// Handler owns the update loop and the per-turn pipeline.
type Handler struct {
	bot     *tgbotapi.BotAPI
	client  *telegram.Client
	store   *store.Store
	history *cache.History
	norm    *normalize.Normalizer
	orch    *agent.Orchestrator
	gens    *agent.Registry
	actions *telegram.ActionRegistry
	gate    *billing.Gate
	billing *billing.Service
	queue   *queue.WriteQueue
	tools   *tools.Registry

	cfg *config.Config
	sys *config.SystemConfig

	coord   *batch.Coordinator
	starter decimal.Decimal
}

// Deps bundles the constructed subsystems main wires together.
type Deps struct {
	Bot        *tgbotapi.BotAPI
	Client     *telegram.Client
	Store      *store.Store
	History    *cache.History
	Normalizer *normalize.Normalizer
	Orch       *agent.Orchestrator
	Gens       *agent.Registry
	Actions    *telegram.ActionRegistry
	Gate       *billing.Gate
	Billing    *billing.Service
	Queue      *queue.WriteQueue
	Tools      *tools.Registry
	Config     *config.Config
	SysConfig  *config.SystemConfig
}

func New(d Deps) *Handler {
	h := &Handler{
		bot:     d.Bot,
		client:  d.Client,
		store:   d.Store,
		history: d.History,
		norm:    d.Normalizer,
		orch:    d.Orch,
		gens:    d.Gens,
		actions: d.Actions,
		gate:    d.Gate,
		billing: d.Billing,
		queue:   d.Queue,
		tools:   d.Tools,
		cfg:     d.Config,
		sys:     d.SysConfig,
	}

	h.starter = decimal.Zero
	if s, err := decimal.NewFromString(d.Config.StarterBalance); err == nil {
		h.starter = s
	}

	window := time.Duration(d.SysConfig.BatchWindowMs) * time.Millisecond
	h.coord = batch.NewCoordinator(window, h.runTurn)
	return h
}

// Run polls for updates until ctx is cancelled, then flushes any open batch
// windows so no accepted message is dropped.
func (h *Handler) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := h.bot.GetUpdatesChan(u)

	slog.Info("Update loop started", "bot", h.bot.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			h.bot.StopReceivingUpdates()
			h.coord.Flush()
			return nil
		case update, ok := <-updates:
			if !ok {
				h.coord.Flush()
				return nil
			}
			h.dispatch(ctx, update)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		h.approvePreCheckout(update.PreCheckoutQuery)

	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)

	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		h.handlePayment(ctx, update.Message)

	case update.Message != nil && update.Message.IsCommand():
		h.handleCommand(ctx, update.Message)

	case update.Message != nil:
		h.handleMessage(ctx, update.Message, false)

	case update.EditedMessage != nil:
		h.handleEdit(ctx, update.EditedMessage)
	}
}

// handleMessage gates, registers and normalizes one incoming message, then
// hands it to the batch coordinator. Normalization downloads and uploads, so
// it runs off the poll loop.
func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message, isEdit bool) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	if (msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()) && !addressedToBot(msg, h.bot.Self.ID, h.bot.Self.UserName) {
		return
	}

	if !h.gate.Allow(ctx, msg.From.ID, "") {
		h.reply(msg, "Your balance is exhausted. Use /balance to check it and top up to continue.")
		return
	}

	if _, err := h.store.EnsureUser(ctx, senderModel(msg.From), h.starter); err != nil {
		slog.ErrorContext(ctx, "Ensure user failed", "user_id", msg.From.ID, "error", err)
	}
	if err := h.store.EnsureChat(ctx, chatModel(msg.Chat)); err != nil {
		slog.ErrorContext(ctx, "Ensure chat failed", "chat_id", msg.Chat.ID, "error", err)
	}

	go func() {
		scope := h.actions.For(msg.Chat.ID, 0).Push(telegram.PhaseDownloading, "")
		p, err := h.norm.Normalize(ctx, msg, isEdit)
		h.actions.For(msg.Chat.ID, 0).Pop(scope)

		if err != nil {
			slog.WarnContext(ctx, "Normalization failed", "chat_id", msg.Chat.ID, "message_id", msg.MessageID, "error", err)
			h.reply(msg, normalizeErrorText(err))
			return
		}
		h.coord.Add(*p)
	}()
}

// handleEdit records the edit and re-feeds the message as a new turn marked
// edited, so the model sees the corrected text.
func (h *Handler) handleEdit(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	newText := msg.Text
	if newText == "" {
		newText = msg.Caption
	}
	if _, err := h.store.MarkEdited(ctx, msg.Chat.ID, msg.MessageID, newText); err != nil {
		slog.DebugContext(ctx, "Edit of unknown message", "chat_id", msg.Chat.ID, "message_id", msg.MessageID, "error", err)
		return
	}

	if thread, err := h.store.EnsureThread(ctx, msg.Chat.ID, msg.From.ID, 0); err == nil {
		h.history.Invalidate(thread.ID)
	}

	h.handleMessage(ctx, msg, true)
}

// addressedToBot reports whether a group message is meant for the bot: an
// @mention of its username in the text or caption, or a reply to one of its
// messages. Everything else in a group is other people's conversation.
func addressedToBot(msg *tgbotapi.Message, botID int64, botName string) bool {
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == botID {
		return true
	}
	if botName == "" {
		return false
	}
	mention := strings.ToLower("@" + botName)
	body := strings.ToLower(msg.Text)
	if body == "" {
		body = strings.ToLower(msg.Caption)
	}
	return strings.Contains(body, mention)
}

func normalizeErrorText(err error) string {
	switch {
	case errors.Is(err, normalize.ErrDownloadFailed):
		return "I could not download that attachment, please try sending it again."
	case errors.Is(err, normalize.ErrTranscriptionFailed):
		return "I could not transcribe that voice message, please try again."
	case errors.Is(err, normalize.ErrUploadFailed):
		return "I could not process that attachment, please try again."
	default:
		return "I could not process that message."
	}
}

// reply sends a plain-text reply to the message's chat, logging failures.
func (h *Handler) reply(msg *tgbotapi.Message, text string) {
	if _, err := h.client.Send(msg.Chat.ID, 0, telegram.Escape(text), true); err != nil {
		slog.Warn("Reply failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (h *Handler) replyf(msg *tgbotapi.Message, format string, args ...any) {
	h.reply(msg, fmt.Sprintf(format, args...))
}
