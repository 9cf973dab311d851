// Package runtime composes the long-poll pump, the update flows, the two
// dispatchers and the session registry into the top-level bot choreography:
// Start, serve until cancelled, drain every session, Stop.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/botloop/internal/bus"
	"github.com/basket/botloop/internal/demux"
	"github.com/basket/botloop/internal/dispatch"
	"github.com/basket/botloop/internal/pump"
	"github.com/basket/botloop/internal/session"
	"github.com/basket/botloop/internal/shared"
	"github.com/basket/botloop/internal/telegram"
)

// Config wires a Runtime. API and Bot are required; everything else has a
// serviceable zero value.
type Config struct {
	API telegram.Invoker
	Bot session.Bot

	// Long-poll shape, passed through to the pump.
	PollLimit      int
	PollTimeout    time.Duration
	AllowedUpdates []string

	// Shard counts for the two dispatch flows.
	MessageWorkers  int
	CallbackWorkers int

	// IdleTimeout, when positive, ends sessions after that long without
	// activity.
	IdleTimeout time.Duration
	// DrainTimeout bounds each session End and the Stop hook at shutdown.
	// Defaults to 5s.
	DrainTimeout time.Duration

	// Checkpoint, when set, persists the pump's ack offset across restarts.
	Checkpoint pump.Checkpoint
	// Journal, when set, records every classified update.
	Journal demux.Journal

	Logger *slog.Logger
	Bus    *bus.Bus
	// Tracer is handed down to the pump and dispatchers. Optional.
	Tracer trace.Tracer
}

// Runtime is one bot instance. Runtimes do not share registries; run one
// Runtime per bot token.
type Runtime struct {
	cfg      Config
	registry *session.Registry
	flows    *demux.Demux
	pump     *pump.Pump
	messages *dispatch.Dispatcher
	cbacks   *dispatch.Dispatcher
}

func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	r := &Runtime{
		cfg:      cfg,
		registry: session.NewRegistry(),
	}
	r.flows = demux.New(demux.Config{
		Logger:  cfg.Logger,
		Bus:     cfg.Bus,
		Journal: cfg.Journal,
	})
	r.pump = pump.New(cfg.API, pump.Config{
		Limit:          cfg.PollLimit,
		Timeout:        cfg.PollTimeout,
		AllowedUpdates: cfg.AllowedUpdates,
		Checkpoint:     cfg.Checkpoint,
		Logger:         cfg.Logger,
		Bus:            cfg.Bus,
		Tracer:         cfg.Tracer,
	})
	r.messages = dispatch.New(dispatch.Config{
		Registry:   r.registry,
		NewSession: r.newSession,
		Workers:    cfg.MessageWorkers,
		Logger:     cfg.Logger,
		Bus:        cfg.Bus,
		Tracer:     cfg.Tracer,
	})
	r.cbacks = dispatch.New(dispatch.Config{
		Registry:   r.registry,
		NewSession: r.newSession,
		Workers:    cfg.CallbackWorkers,
		Logger:     cfg.Logger,
		Bus:        cfg.Bus,
		Tracer:     cfg.Tracer,
	})
	return r
}

// NextOffset exposes the pump's current ack offset.
func (r *Runtime) NextOffset() int64 { return r.pump.NextOffset() }

// Run serves until ctx is cancelled. The Bot's Start hook runs first; if it
// fails, Run returns without polling and without calling Stop. Otherwise Stop
// always runs, after every session has been ended. Cancellation is the normal
// exit and reported as nil.
func (r *Runtime) Run(ctx context.Context) error {
	if r.cfg.API == nil || r.cfg.Bot == nil {
		return errors.New("runtime: API and Bot are required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.cfg.Bot.Start(runCtx, r.cfg.API); err != nil {
		return fmt.Errorf("bot start: %w", err)
	}
	r.cfg.Logger.Info("runtime started")

	pumpDone := make(chan error, 1)
	go func() {
		pumpDone <- r.pump.Run(runCtx, func(ctx context.Context, u telegram.Update) {
			r.flows.Consume(ctx, u)
		})
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.messages.RunMessages(runCtx, r.flows.Messages())
	}()
	go func() {
		defer wg.Done()
		r.cbacks.RunCallbacks(runCtx, r.flows.Callbacks())
	}()

	// The pump is the only component whose return ends the runtime.
	err := <-pumpDone
	cancel()
	r.flows.Close()
	wg.Wait()

	r.endAllSessions()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer stopCancel()
	if stopErr := r.cfg.Bot.Stop(stopCtx, r.cfg.API); stopErr != nil {
		r.cfg.Logger.Warn("bot stop failed", "error", shared.Redact(stopErr.Error()))
	}
	r.cfg.Logger.Info("runtime stopped")

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// StartChat eagerly creates and begins the session for chat, instead of
// waiting for its first inbound update. No-op when the chat is already live.
func (r *Runtime) StartChat(ctx context.Context, chat telegram.ChatID) error {
	sess, created := r.registry.GetOrCreate(chat, func() *session.Session {
		return r.newSession(chat)
	})
	if !created {
		return nil
	}
	return sess.Begin(ctx, nil)
}

// StopChat detaches and ends the session for chat, if any.
func (r *Runtime) StopChat(ctx context.Context, chat telegram.ChatID) error {
	sess := r.registry.Remove(chat)
	if sess == nil {
		return nil
	}
	return sess.End(ctx, nil)
}

func (r *Runtime) newSession(chat telegram.ChatID) *session.Session {
	handler := r.cfg.Bot.NewHandler(chat, &chatControls{rt: r, chat: chat})
	return session.New(session.Config{
		Chat:        chat,
		Handler:     handler,
		IdleTimeout: r.cfg.IdleTimeout,
		OnExpire:    r.expireSession,
		Logger:      r.cfg.Logger,
		Bus:         r.cfg.Bus,
	})
}

// expireSession runs on the inactivity timer: detach from the registry, then
// end under a fresh bounded scope.
func (r *Runtime) expireSession(s *session.Session) {
	if r.registry.Remove(s.Chat()) == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	if err := s.End(ctx, nil); err != nil {
		r.cfg.Logger.Warn("idle session end failed",
			"chat", s.Chat().String(), "error", shared.Redact(err.Error()))
	}
}

// endAllSessions drains the registry at shutdown. Each End gets a fresh
// uncancelled scope with a bounded deadline; per-session failures are logged
// and ignored.
func (r *Runtime) endAllSessions() {
	for _, s := range r.registry.Clear() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
		if err := s.End(ctx, nil); err != nil {
			r.cfg.Logger.Warn("session end failed",
				"chat", s.Chat().String(), "error", shared.Redact(err.Error()))
		}
		cancel()
	}
}

// chatControls is the narrow per-chat surface handed to handlers at
// construction, so a handler never holds a reference back into the runtime.
type chatControls struct {
	rt   *Runtime
	chat telegram.ChatID
}

func (c *chatControls) SendText(ctx context.Context, text string) (*telegram.Message, error) {
	var msg telegram.Message
	if err := c.rt.cfg.API.Invoke(ctx, telegram.SendMessage{ChatID: c.chat, Text: text}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *chatControls) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.rt.cfg.API.Invoke(ctx, telegram.AnswerCallbackQuery{
		CallbackQueryID: callbackID,
		Text:            text,
	}, nil)
}

// Quit detaches the session immediately and ends it in the background, so a
// handler may call it from inside its own invocation without deadlocking on
// the session's serialization. Ending cancels the in-flight call scope; send
// any farewell before calling Quit.
func (c *chatControls) Quit(ctx context.Context) error {
	s := c.rt.registry.Remove(c.chat)
	if s == nil {
		return nil
	}
	drain := c.rt.cfg.DrainTimeout
	logger := c.rt.cfg.Logger
	go func() {
		endCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := s.End(endCtx, nil); err != nil {
			logger.Warn("session end failed", "chat", s.Chat().String(), "error", shared.Redact(err.Error()))
		}
	}()
	return nil
}
