// Package session owns per-chat conversation state: one Handler per chat,
// serialized invocation, a lifetime cancellation scope, and an optional
// inactivity timer. The Registry maps chat ids to live sessions.
package session

import (
	"context"

	"github.com/basket/botloop/internal/telegram"
)

// Handler is the per-chat conversational logic, invoked by the runtime
// through this fixed interface. All methods are cancellable and may block.
// Handlers must not poll updates themselves.
type Handler interface {
	// Begin runs once, before any Handle for this chat. user is the message
	// sender when known, nil on the callback path.
	Begin(ctx context.Context, user *telegram.User) error
	HandleMessage(ctx context.Context, msg *telegram.Message) error
	HandleCallback(ctx context.Context, cb *telegram.CallbackQuery) error
	// OnError receives handler faults. A returned error is logged and
	// swallowed.
	OnError(ctx context.Context, cause error) error
	// End runs once, after every in-flight Handle has returned or been
	// cancelled.
	End(ctx context.Context, user *telegram.User) error
}

// Controls is the narrow surface a handler uses to act on its own chat,
// passed at construction so the handler never holds a runtime reference.
type Controls interface {
	// SendText posts a text message to this session's chat.
	SendText(ctx context.Context, text string) (*telegram.Message, error)
	// AnswerCallback acknowledges a callback query.
	AnswerCallback(ctx context.Context, callbackID, text string) error
	// Quit asks the runtime to end this session.
	Quit(ctx context.Context) error
}

// Bot is the whole-bot contract: process-wide lifecycle hooks plus the
// per-chat handler factory.
type Bot interface {
	// Start runs once before polling begins (publish commands, getMe).
	Start(ctx context.Context, api telegram.Invoker) error
	// Stop runs once at shutdown, after every session has ended. It is
	// skipped when Start failed.
	Stop(ctx context.Context, api telegram.Invoker) error
	// NewHandler builds the handler for a newly seen chat.
	NewHandler(chat telegram.ChatID, controls Controls) Handler
}
