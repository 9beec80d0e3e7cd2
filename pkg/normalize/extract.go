package normalize

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"quill/pkg/model"
)

const replySnippetLimit = 200

// extractReply captures a short excerpt of the replied-to message and the
// display name of its author.
func extractReply(msg *tgbotapi.Message) (snippet, sender string) {
	reply := msg.ReplyToMessage
	if reply == nil {
		return "", ""
	}

	body := reply.Text
	if body == "" {
		body = reply.Caption
	}
	runes := []rune(body)
	if len(runes) > replySnippetLimit {
		body = string(runes[:replySnippetLimit])
	}

	if reply.From != nil {
		sender = displayName(reply.From)
	}
	return body, sender
}

// extractForward identifies where a forwarded message came from. Hidden
// origins (users who disallow linking) only expose a display name.
func extractForward(msg *tgbotapi.Message) *model.ForwardOrigin {
	switch {
	case msg.ForwardFrom != nil:
		return &model.ForwardOrigin{Kind: "user", Name: displayName(msg.ForwardFrom)}
	case msg.ForwardFromChat != nil:
		kind := "chat"
		if msg.ForwardFromChat.Type == "channel" {
			kind = "channel"
		}
		return &model.ForwardOrigin{Kind: kind, Name: msg.ForwardFromChat.Title}
	case msg.ForwardSenderName != "":
		return &model.ForwardOrigin{Kind: "hidden", Name: msg.ForwardSenderName}
	}
	return nil
}

func displayName(u *tgbotapi.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	return name
}

func senderUser(u *tgbotapi.User) *model.User {
	return &model.User{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
