// Package dispatch converts Bot API updates into events and routes them to
// the first matching handler.
package dispatch

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Kind tags an Event.
type Kind string

const (
	KindCommand  Kind = "command"
	KindCallback Kind = "callback"
	KindText     Kind = "text"
)

// Event is a single inbound update the registry can route.
type Event struct {
	Kind      Kind
	UpdateID  int
	ChatID    int64
	UserID    int64
	Username  string
	MessageID int

	// Command events.
	Command string
	Args    string
	// Mention is the bot name from "/cmd@name", empty when absent.
	Mention string

	// Text events carry the message text; command events carry it too.
	Text string

	// Callback events.
	CallbackID string
	Data       string

	Update tgbotapi.Update
}

// FromUpdate converts u into an Event. It reports false for update kinds
// the registry does not handle (edited messages, photos without captions,
// channel posts and so on).
func FromUpdate(u tgbotapi.Update) (*Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		ev := &Event{
			Kind:       KindCallback,
			UpdateID:   u.UpdateID,
			CallbackID: cq.ID,
			Data:       cq.Data,
			Update:     u,
		}
		if cq.From != nil {
			ev.UserID = cq.From.ID
			ev.Username = cq.From.UserName
		}
		if cq.Message != nil {
			ev.MessageID = cq.Message.MessageID
			if cq.Message.Chat != nil {
				ev.ChatID = cq.Message.Chat.ID
			}
		}
		return ev, true

	case u.Message != nil && u.Message.Text != "":
		msg := u.Message
		ev := &Event{
			Kind:      KindText,
			UpdateID:  u.UpdateID,
			MessageID: msg.MessageID,
			Text:      msg.Text,
			Update:    u,
		}
		if msg.Chat != nil {
			ev.ChatID = msg.Chat.ID
		}
		if msg.From != nil {
			ev.UserID = msg.From.ID
			ev.Username = msg.From.UserName
		}
		if msg.IsCommand() {
			ev.Kind = KindCommand
			ev.Command = strings.ToLower(msg.Command())
			ev.Args = msg.CommandArguments()
			if _, at, ok := strings.Cut(msg.CommandWithAt(), "@"); ok {
				ev.Mention = at
			}
		}
		return ev, true
	}
	return nil, false
}
