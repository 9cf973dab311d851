// Package echo is the built-in demo bot: it greets on /start, answers /help,
// ends the chat on /stop and echoes everything else back. It doubles as the
// reference for wiring a Bot implementation into the runtime.
package echo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/botloop/internal/session"
	"github.com/basket/botloop/internal/shared"
	"github.com/basket/botloop/internal/telegram"
)

// Bot implements session.Bot.
type Bot struct {
	logger *slog.Logger
}

func NewBot(logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{logger: logger}
}

// Start publishes the command list and switches delivery to long polling.
func (b *Bot) Start(ctx context.Context, api telegram.Invoker) error {
	var me telegram.User
	if err := api.Invoke(ctx, telegram.GetMe{}, &me); err != nil {
		return fmt.Errorf("getMe: %w", err)
	}
	b.logger.Info("bot identified", "username", me.Username, "id", me.ID)

	if err := api.Invoke(ctx, telegram.DeleteWebhook{}, nil); err != nil {
		return fmt.Errorf("deleteWebhook: %w", err)
	}
	return api.Invoke(ctx, telegram.SetMyCommands{Commands: []telegram.BotCommand{
		{Command: "start", Description: "Greet and start the conversation"},
		{Command: "help", Description: "Show what this bot does"},
		{Command: "stop", Description: "End the conversation"},
	}}, nil)
}

func (b *Bot) Stop(ctx context.Context, api telegram.Invoker) error {
	b.logger.Info("echo bot stopped")
	return nil
}

func (b *Bot) NewHandler(chat telegram.ChatID, controls session.Controls) session.Handler {
	return &handler{
		chat:     chat,
		controls: controls,
		logger:   b.logger.With("chat", chat.String()),
	}
}

// handler is the per-chat echo conversation.
type handler struct {
	chat     telegram.ChatID
	controls session.Controls
	logger   *slog.Logger

	echoed int
}

func (h *handler) Begin(ctx context.Context, user *telegram.User) error {
	if user != nil {
		h.logger.Info("conversation started", "user", user.ID)
	}
	return nil
}

func (h *handler) HandleMessage(ctx context.Context, msg *telegram.Message) error {
	if name, args, ok := msg.Command(); ok {
		return h.handleCommand(ctx, name, args)
	}
	if msg.Text == "" {
		_, err := h.controls.SendText(ctx, "I can only echo text.")
		return err
	}
	h.echoed++
	_, err := h.controls.SendText(ctx, msg.Text)
	return err
}

func (h *handler) handleCommand(ctx context.Context, name, args string) error {
	switch name {
	case "start":
		_, err := h.controls.SendText(ctx, "Hi! Send me anything and I will echo it back. /help for more.")
		return err
	case "help":
		_, err := h.controls.SendText(ctx, "I echo text messages. /stop ends the conversation.")
		return err
	case "stop":
		if _, err := h.controls.SendText(ctx, fmt.Sprintf("Bye. Echoed %d messages.", h.echoed)); err != nil {
			return err
		}
		return h.controls.Quit(ctx)
	default:
		_, err := h.controls.SendText(ctx, "Unknown command: /"+name)
		return err
	}
}

func (h *handler) HandleCallback(ctx context.Context, cb *telegram.CallbackQuery) error {
	if err := h.controls.AnswerCallback(ctx, cb.ID, ""); err != nil {
		return err
	}
	if cb.Data == "" {
		return nil
	}
	_, err := h.controls.SendText(ctx, "You pressed: "+cb.Data)
	return err
}

func (h *handler) OnError(ctx context.Context, cause error) error {
	h.logger.Warn("echo handler error", "error", shared.Redact(cause.Error()))
	_, err := h.controls.SendText(ctx, "Something went wrong, try again.")
	return err
}

func (h *handler) End(ctx context.Context, user *telegram.User) error {
	h.logger.Info("conversation ended", "echoed", h.echoed)
	return nil
}
