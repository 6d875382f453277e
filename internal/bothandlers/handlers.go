// Package bothandlers holds the chat-facing handlers the consumer dispatches
// to: greeting, menu, help, menu buttons and a fallback for free text.
package bothandlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/fantombot/internal/dispatch"
	"github.com/user/fantombot/internal/telegram"
)

const botName = "FANTOM DELUXE"

// Menu callback data.
const (
	DataAbout  = "menu:about"
	DataHelp   = "menu:help"
	DataStatus = "menu:status"
)

type command struct {
	name string
	desc string
	fn   dispatch.HandlerFunc
}

// Handlers replies through api. It is safe for use by one consumer.
type Handlers struct {
	api     telegram.Sender
	admins  map[int64]bool
	logger  *slog.Logger
	started time.Time

	commands []command
}

func New(api telegram.Sender, adminIDs []int64, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		api:     api,
		admins:  make(map[int64]bool, len(adminIDs)),
		logger:  logger,
		started: time.Now(),
	}
	for _, id := range adminIDs {
		h.admins[id] = true
	}
	h.commands = []command{
		{"start", "Start the bot", h.start},
		{"menu", "Show the main menu", h.menu},
		{"help", "List available commands", h.help},
	}
	return h
}

// Register adds every handler to b: commands first, then free text, then
// menu callbacks.
func (h *Handlers) Register(b *dispatch.Builder) *dispatch.Builder {
	for _, c := range h.commands {
		b.Command(c.name, c.fn)
	}
	b.Text(nil, dispatch.HandlerFunc(h.text))
	b.Callback("", dispatch.HandlerFunc(h.button))
	return b
}

func (h *Handlers) start(ctx context.Context, ev *dispatch.Event) error {
	name := ev.Username
	if name == "" {
		name = "there"
	}
	msg := fmt.Sprintf("Hello %s! Welcome to %s.\n\nSend /menu to see what I can do.", name, botName)
	return telegram.SendText(h.api, ev.ChatID, msg)
}

func menuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("About", DataAbout),
			tgbotapi.NewInlineKeyboardButtonData("Help", DataHelp),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Status", DataStatus),
		),
	)
}

func (h *Handlers) menu(ctx context.Context, ev *dispatch.Event) error {
	msg := tgbotapi.NewMessage(ev.ChatID, botName+" main menu:")
	msg.ReplyMarkup = menuKeyboard()
	if _, err := h.api.Send(msg); err != nil {
		return fmt.Errorf("send menu: %w", err)
	}
	return nil
}

func (h *Handlers) helpText(userID int64) string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range h.commands {
		fmt.Fprintf(&b, "/%s - %s\n", c.name, c.desc)
	}
	if h.admins[userID] {
		b.WriteString("\nYou are registered as an administrator.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handlers) help(ctx context.Context, ev *dispatch.Event) error {
	return telegram.SendText(h.api, ev.ChatID, h.helpText(ev.UserID))
}

func (h *Handlers) text(ctx context.Context, ev *dispatch.Event) error {
	return telegram.SendText(h.api, ev.ChatID, "I answer commands only. Send /menu to get started.")
}

func (h *Handlers) button(ctx context.Context, ev *dispatch.Event) error {
	var reply string
	switch ev.Data {
	case DataAbout:
		reply = botName + " runs on Telegram long polling with a built-in health endpoint."
	case DataHelp:
		reply = h.helpText(ev.UserID)
	case DataStatus:
		reply = fmt.Sprintf("Bot is running. Uptime: %s", time.Since(h.started).Round(time.Second))
	default:
		if _, err := h.api.Request(tgbotapi.NewCallback(ev.CallbackID, "Unknown option")); err != nil {
			return fmt.Errorf("answer callback: %w", err)
		}
		h.logger.Warn("unknown callback data", "data", ev.Data, "user_id", ev.UserID)
		return nil
	}

	if _, err := h.api.Request(tgbotapi.NewCallback(ev.CallbackID, "")); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return telegram.SendText(h.api, ev.ChatID, reply)
}
