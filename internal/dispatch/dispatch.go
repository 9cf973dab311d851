// Package dispatch pulls classified updates off the demux flows and drives
// sessions: resolve-or-create, Begin on first sight, Handle under a linked
// cancellation scope. Items are sharded by chat id, so one chat's items are
// handled in arrival order while distinct chats proceed in parallel.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/botloop/internal/bus"
	"github.com/basket/botloop/internal/demux"
	otelx "github.com/basket/botloop/internal/otel"
	"github.com/basket/botloop/internal/session"
	"github.com/basket/botloop/internal/shared"
	"github.com/basket/botloop/internal/telegram"
)

// Config configures a Dispatcher.
type Config struct {
	Registry *session.Registry
	// NewSession constructs the session for a newly seen chat. Runs under
	// the registry's critical section; keep it allocation-only.
	NewSession func(chat telegram.ChatID) *session.Session
	// Workers is the per-flow shard count. Defaults to 4.
	Workers int
	Logger  *slog.Logger
	Bus     *bus.Bus
	// Tracer records one span per handler invocation. Optional.
	Tracer trace.Tracer
}

type Dispatcher struct {
	cfg Config
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Dispatcher{cfg: cfg}
}

// RunMessages consumes the message flow until ctx is cancelled or the
// channel closes. Blocks until every shard worker has returned.
func (d *Dispatcher) RunMessages(ctx context.Context, items <-chan demux.MessageItem) {
	runSharded(ctx, d.cfg.Workers, items,
		func(item demux.MessageItem) telegram.ChatID { return item.Message.Chat.ID },
		func(item demux.MessageItem) { d.dispatchMessage(ctx, item) },
	)
}

// RunCallbacks is RunMessages for the callback flow.
func (d *Dispatcher) RunCallbacks(ctx context.Context, items <-chan demux.CallbackItem) {
	runSharded(ctx, d.cfg.Workers, items,
		func(item demux.CallbackItem) telegram.ChatID {
			if item.Callback.From == nil {
				return telegram.ChatID{}
			}
			return telegram.ChatIDFromInt64(item.Callback.From.ID)
		},
		func(item demux.CallbackItem) { d.dispatchCallback(ctx, item) },
	)
}

// runSharded routes items to per-shard mailboxes in arrival order. A chat
// always maps to the same shard, which is what keeps its items FIFO; a slow
// handler only ever stalls its own shard.
func runSharded[T any](ctx context.Context, workers int, items <-chan T, key func(T) telegram.ChatID, handle func(T)) {
	shards := make([]*demux.Queue[T], workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = demux.NewQueue[T]()
		wg.Add(1)
		go func(q *demux.Queue[T]) {
			defer wg.Done()
			for item := range q.Out() {
				if ctx.Err() != nil {
					continue // discard so the mailbox can drain and close
				}
				handle(item)
			}
		}(shards[i])
	}

route:
	for {
		select {
		case <-ctx.Done():
			break route
		case item, ok := <-items:
			if !ok {
				break route
			}
			shards[shardIndex(key(item), workers)].In() <- item
		}
	}
	for _, q := range shards {
		q.Close()
	}
	wg.Wait()
}

func shardIndex(chat telegram.ChatID, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(chat.String()))
	return int(h.Sum32()) % workers
}

func (d *Dispatcher) dispatchMessage(ctx context.Context, item demux.MessageItem) {
	msg := item.Message
	chat := msg.Chat.ID
	d.dispatch(ctx, chat, item.UpdateID, "message", msg.From, func(callCtx context.Context, sess *session.Session) error {
		return sess.HandleMessage(callCtx, msg)
	})
}

func (d *Dispatcher) dispatchCallback(ctx context.Context, item demux.CallbackItem) {
	cb := item.Callback
	if cb.From == nil {
		d.cfg.Logger.Warn("callback without sender, dropping", "update_id", item.UpdateID)
		return
	}
	// The sender's user id doubles as the chat id. Correct for private
	// chats; group callbacks would need callback.message.chat.id instead.
	chat := telegram.ChatIDFromInt64(cb.From.ID)
	d.dispatch(ctx, chat, item.UpdateID, "callback", nil, func(callCtx context.Context, sess *session.Session) error {
		return sess.HandleCallback(callCtx, cb)
	})
}

// dispatch resolves the session, begins it when newly created, and runs one
// handler invocation under runtime ∩ lifetime cancellation.
func (d *Dispatcher) dispatch(ctx context.Context, chat telegram.ChatID, updateID int64, kind string, beginUser *telegram.User, invoke func(context.Context, *session.Session) error) {
	sess, created := d.cfg.Registry.GetOrCreate(chat, func() *session.Session {
		return d.cfg.NewSession(chat)
	})

	callCtx, cancel := sess.Linked(ctx)
	defer cancel()
	callCtx = shared.WithTraceID(callCtx, shared.NewTraceID())
	callCtx = shared.WithChat(callCtx, chat.String())
	callCtx = shared.WithUpdateID(callCtx, updateID)
	callCtx, span := otelx.StartSpan(callCtx, d.cfg.Tracer, "handler."+kind,
		otelx.AttrChat.String(chat.String()),
		otelx.AttrUpdateID.Int64(updateID),
		otelx.AttrUpdateKind.String(kind))
	defer span.End()

	logger := d.cfg.Logger.With("chat", chat.String(), "update_id", updateID, "trace_id", shared.TraceID(callCtx))

	if created {
		if err := sess.Begin(callCtx, beginUser); err != nil {
			if isShutdown(ctx) {
				return
			}
			logger.Warn("session begin failed", "error", shared.Redact(err.Error()))
			if onErr := sess.Handler().OnError(callCtx, err); onErr != nil {
				logger.Warn("handler OnError failed", "error", shared.Redact(onErr.Error()))
			}
		}
	}

	start := time.Now()
	err := invoke(callCtx, sess)
	if err != nil {
		span.RecordError(errors.New(shared.Redact(err.Error())))
	}
	switch {
	case err == nil:
		if d.cfg.Bus != nil {
			d.cfg.Bus.Publish(bus.TopicHandlerDone, bus.HandlerDoneEvent{
				Chat:     chat.String(),
				Kind:     kind,
				UpdateID: updateID,
				Duration: time.Since(start),
			})
		}
	case errors.Is(err, session.ErrEnded):
		logger.Debug("session already ended, dropping item")
	case isShutdown(ctx):
		// Runtime shutdown: the item is abandoned and the worker loop exits
		// on its next select.
	case sess.Closing():
		// The session ended or expired under a running handler.
		logger.Warn("handler took too long, dropping item", "kind", kind)
	default:
		logger.Warn("handler cancelled", "error", shared.Redact(err.Error()))
	}
}

func isShutdown(ctx context.Context) bool {
	return ctx.Err() != nil
}
