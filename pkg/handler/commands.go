package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"quill/pkg/model"
)

const helpText = `I am a conversational assistant.

Send me text, voice messages, photos or documents and I will respond.
In groups, mention me or reply to my messages.

Commands:
/stop - stop the current response
/clear - start a fresh conversation
/balance - show your balance
/model - choose the model
/preamble <text> - set a personal instruction, empty to clear
/help - this message`

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !h.gate.Allow(ctx, userID, cmd) {
		h.reply(msg, "Your balance is exhausted. Use /balance to check it.")
		return
	}

	switch cmd {
	case "start":
		if _, err := h.store.EnsureUser(ctx, senderModel(msg.From), h.starter); err != nil {
			slog.ErrorContext(ctx, "Ensure user failed", "user_id", userID, "error", err)
		}
		h.replyf(msg, "Hello %s! Send me a message to get started, or /help for what I can do.", msg.From.FirstName)

	case "help":
		h.reply(msg, helpText)

	case "stop":
		if h.gens.Stop(chatID, 0, userID, "user_stop") {
			h.reply(msg, "Stopped.")
		} else {
			h.reply(msg, "Nothing is running.")
		}

	case "clear":
		thread, err := h.store.EnsureThread(ctx, chatID, userID, 0)
		if err != nil {
			slog.ErrorContext(ctx, "Thread lookup for clear failed", "chat_id", chatID, "error", err)
			h.reply(msg, "Could not clear the conversation, please try again.")
			return
		}
		if err := h.store.ClearThread(ctx, chatID, userID, 0); err != nil {
			slog.ErrorContext(ctx, "Clear thread failed", "chat_id", chatID, "error", err)
			h.reply(msg, "Could not clear the conversation, please try again.")
			return
		}
		h.history.Invalidate(thread.ID)
		h.reply(msg, "Conversation cleared. The next message starts fresh.")

	case "balance":
		user, err := h.store.GetUser(ctx, userID)
		if err != nil {
			h.reply(msg, "You are not registered yet, send /start first.")
			return
		}
		h.replyf(msg, "Balance: $%s\nMessages: %d, tokens: %d",
			user.Balance.StringFixed(4), user.MessageCount, user.TokenCount)

	case "model":
		h.handleModelCommand(ctx, msg)

	case "preamble":
		preamble := strings.TrimSpace(msg.CommandArguments())
		if err := h.store.SetUserPreamble(ctx, userID, preamble); err != nil {
			slog.ErrorContext(ctx, "Set preamble failed", "user_id", userID, "error", err)
			h.reply(msg, "Could not save the preamble, please try again.")
			return
		}
		if preamble == "" {
			h.reply(msg, "Preamble cleared.")
		} else {
			h.reply(msg, "Preamble saved.")
		}

	default:
		h.reply(msg, "Unknown command, see /help.")
	}
}

// handleModelCommand sets the model when an argument is given, otherwise
// offers the configured models on an inline keyboard.
func (h *Handler) handleModelCommand(ctx context.Context, msg *tgbotapi.Message) {
	if arg := strings.TrimSpace(msg.CommandArguments()); arg != "" {
		if !h.knownModel(arg) {
			h.replyf(msg, "Unknown model %q, use /model to see the options.", arg)
			return
		}
		if err := h.store.SetUserModel(ctx, msg.From.ID, arg); err != nil {
			slog.ErrorContext(ctx, "Set model failed", "user_id", msg.From.ID, "error", err)
			h.reply(msg, "Could not save the model choice, please try again.")
			return
		}
		h.replyf(msg, "Model set to %s.", arg)
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, id := range h.modelChoices() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(id, "model:"+id),
		))
	}

	prompt := tgbotapi.NewMessage(msg.Chat.ID, "Pick a model:")
	prompt.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := h.bot.Send(prompt); err != nil {
		slog.Warn("Model keyboard failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	if !strings.HasPrefix(data, "model:") {
		return
	}
	modelID := strings.TrimPrefix(data, "model:")

	answer := tgbotapi.NewCallback(cb.ID, "")
	if !h.knownModel(modelID) {
		answer.Text = "Unknown model"
		h.bot.Request(answer)
		return
	}

	if err := h.store.SetUserModel(ctx, cb.From.ID, modelID); err != nil {
		slog.ErrorContext(ctx, "Set model via callback failed", "user_id", cb.From.ID, "error", err)
		answer.Text = "Could not save the choice"
		h.bot.Request(answer)
		return
	}

	answer.Text = "Model set"
	h.bot.Request(answer)

	if cb.Message != nil {
		edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
			fmt.Sprintf("Model set to %s.", modelID))
		h.bot.Send(edit)
	}
}

func (h *Handler) modelChoices() []string {
	choices := make([]string, 0, len(h.cfg.Models)+1)
	seen := map[string]bool{}
	for _, id := range append([]string{h.cfg.DefaultModel}, h.cfg.Models...) {
		if id != "" && !seen[id] {
			seen[id] = true
			choices = append(choices, id)
		}
	}
	return choices
}

func (h *Handler) knownModel(id string) bool {
	for _, m := range h.modelChoices() {
		if m == id {
			return true
		}
	}
	return false
}

// approvePreCheckout accepts every pre-checkout query; validation already
// happened when the invoice was issued.
func (h *Handler) approvePreCheckout(q *tgbotapi.PreCheckoutQuery) {
	cfg := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: q.ID, OK: true}
	if _, err := h.bot.Request(cfg); err != nil {
		slog.Error("Pre-checkout answer failed", "query_id", q.ID, "error", err)
	}
}

// handlePayment credits a confirmed Telegram payment. Amounts arrive in the
// currency's smallest unit.
func (h *Handler) handlePayment(ctx context.Context, msg *tgbotapi.Message) {
	sp := msg.SuccessfulPayment
	amount := paymentAmount(sp.TotalAmount)

	if err := h.store.RecordPayment(ctx, msg.From.ID, sp.TelegramPaymentChargeID, amount, sp.Currency); err != nil {
		slog.ErrorContext(ctx, "Record payment failed", "user_id", msg.From.ID, "error", err)
	}

	after, err := h.billing.Credit(ctx, msg.From.ID, amount, model.BalanceOpPayment,
		"telegram payment "+sp.TelegramPaymentChargeID)
	if err != nil {
		slog.ErrorContext(ctx, "Payment credit failed", "user_id", msg.From.ID, "error", err)
		h.reply(msg, "Your payment arrived but crediting failed, it will be resolved shortly.")
		return
	}

	h.replyf(msg, "Thank you! $%s added, your balance is now $%s.",
		amount.StringFixed(2), after.StringFixed(4))
}

// paymentAmount converts Telegram's smallest-unit integer into dollars.
func paymentAmount(totalAmount int) decimal.Decimal {
	return decimal.NewFromInt(int64(totalAmount)).Div(decimal.NewFromInt(100))
}
