// Package demux classifies update envelopes onto typed flows: one for
// messages (including edits and channel posts), one for callback queries.
// Unrecognized envelopes are logged and dropped.
package demux

import (
	"context"
	"log/slog"

	"github.com/basket/botloop/internal/bus"
	"github.com/basket/botloop/internal/telegram"
)

// MessageItem is one unit of the message flow.
type MessageItem struct {
	UpdateID int64
	Message  *telegram.Message
}

// CallbackItem is one unit of the callback flow.
type CallbackItem struct {
	UpdateID int64
	Callback *telegram.CallbackQuery
}

// Journal, when set, records each classified update. Optional.
type Journal interface {
	RecordUpdate(ctx context.Context, updateID int64, chat, kind, status string) error
}

// Config configures a Demux.
type Config struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Journal Journal
}

// Demux owns the two flows. Consume may be called from multiple goroutines;
// per-chat ordering is recovered downstream by session serialization.
type Demux struct {
	cfg       Config
	messages  *Queue[MessageItem]
	callbacks *Queue[CallbackItem]
}

func New(cfg Config) *Demux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Demux{
		cfg:       cfg,
		messages:  NewQueue[MessageItem](),
		callbacks: NewQueue[CallbackItem](),
	}
}

// Messages is the message flow's receive side.
func (d *Demux) Messages() <-chan MessageItem { return d.messages.Out() }

// Callbacks is the callback flow's receive side.
func (d *Demux) Callbacks() <-chan CallbackItem { return d.callbacks.Out() }

// Close stops both flows. Already-queued items remain receivable.
func (d *Demux) Close() {
	d.messages.Close()
	d.callbacks.Close()
}

// Consume routes one update to exactly one flow. The send never blocks the
// caller beyond the queues' internal handoff.
func (d *Demux) Consume(ctx context.Context, u telegram.Update) {
	if msg := u.AnyMessage(); msg != nil {
		d.messages.In() <- MessageItem{UpdateID: u.UpdateID, Message: msg}
		d.record(ctx, u.UpdateID, msg.Chat.ID.String(), "message", bus.TopicUpdateReceived)
		return
	}
	if u.CallbackQuery != nil {
		chat := ""
		if u.CallbackQuery.From != nil {
			chat = telegram.ChatIDFromInt64(u.CallbackQuery.From.ID).String()
		}
		d.callbacks.In() <- CallbackItem{UpdateID: u.UpdateID, Callback: u.CallbackQuery}
		d.record(ctx, u.UpdateID, chat, "callback", bus.TopicUpdateReceived)
		return
	}

	d.cfg.Logger.Warn("dropping update with no routable content", "update_id", u.UpdateID)
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.TopicUpdateDropped, bus.UpdateDroppedEvent{
			UpdateID: u.UpdateID,
			Reason:   "unsupported variant",
		})
	}
	if d.cfg.Journal != nil {
		if err := d.cfg.Journal.RecordUpdate(ctx, u.UpdateID, "", "unknown", "DROPPED"); err != nil {
			d.cfg.Logger.Warn("journal write failed", "update_id", u.UpdateID, "error", err)
		}
	}
}

func (d *Demux) record(ctx context.Context, updateID int64, chat, kind, topic string) {
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(topic, bus.UpdateReceivedEvent{UpdateID: updateID, Kind: kind, Chat: chat})
	}
	if d.cfg.Journal != nil {
		if err := d.cfg.Journal.RecordUpdate(ctx, updateID, chat, kind, "EMITTED"); err != nil {
			d.cfg.Logger.Warn("journal write failed", "update_id", updateID, "error", err)
		}
	}
}
