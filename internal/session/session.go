package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/botloop/internal/bus"
	"github.com/basket/botloop/internal/shared"
	"github.com/basket/botloop/internal/telegram"
)

// ErrEnded is returned by Handle calls that arrive after the session ended.
var ErrEnded = errors.New("session ended")

// State is the session lifecycle position.
type State int

const (
	StateFresh State = iota
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Config configures a Session.
type Config struct {
	Chat    telegram.ChatID
	Handler Handler
	// IdleTimeout, when positive, ends the session after that long without a
	// successful Handle. The timer starts at Begin and resets on each Handle.
	IdleTimeout time.Duration
	// OnExpire runs when the inactivity timer fires. The runtime uses it to
	// remove the session from the registry and call End.
	OnExpire func(s *Session)
	Logger   *slog.Logger
	Bus      *bus.Bus
}

// Session owns one Handler. All handler invocations for the session are
// mutually exclusive in time; the mutex is the serialization point.
type Session struct {
	chat    telegram.ChatID
	handler Handler
	logger  *slog.Logger
	bus     *bus.Bus

	idleTimeout time.Duration
	onExpire    func(*Session)

	// lifetime is the public session scope, cancelled only after End has
	// returned. calls is the internal scope per-call contexts link to; End
	// cancels it first so an in-flight Handle aborts instead of holding the
	// serialization mutex against End forever.
	lifetime       context.Context
	cancelLifetime context.CancelFunc
	calls          context.Context
	cancelCalls    context.CancelFunc

	mu        sync.Mutex // serializes Begin/Handle/End
	stateMu   sync.Mutex // guards state, began, ended, idleTimer
	state     State
	began     bool
	ended     bool
	idleTimer *time.Timer
}

// New builds a Fresh session. The lifetime scope is rooted independently of
// any caller context; it is cancelled by End, never by a per-call scope.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	lifetime, cancelLifetime := context.WithCancel(context.Background())
	calls, cancelCalls := context.WithCancel(context.Background())
	return &Session{
		chat:           cfg.Chat,
		handler:        cfg.Handler,
		logger:         cfg.Logger.With("chat", cfg.Chat.String()),
		bus:            cfg.Bus,
		idleTimeout:    cfg.IdleTimeout,
		onExpire:       cfg.OnExpire,
		lifetime:       lifetime,
		cancelLifetime: cancelLifetime,
		calls:          calls,
		cancelCalls:    cancelCalls,
	}
}

// Chat returns the session's immutable key.
func (s *Session) Chat() telegram.ChatID { return s.chat }

// Handler exposes the owned handler for fault funnelling by the dispatcher.
func (s *Session) Handler() Handler { return s.handler }

// State returns the current lifecycle position.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Lifetime is cancelled no earlier than End returns.
func (s *Session) Lifetime() context.Context { return s.lifetime }

// Closing reports whether End has started or completed. Callers use it to
// tell a session-ending cancellation apart from runtime shutdown.
func (s *Session) Closing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.ended
}

// Linked derives a per-call scope cancelled when either parent is cancelled
// or the session starts ending. The returned cancel must always be called.
func (s *Session) Linked(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.calls, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Begin runs the handler's Begin callback. Repeated calls are no-ops, so the
// createdNow-then-Begin race between concurrent dispatch workers is benign.
func (s *Session) Begin(ctx context.Context, user *telegram.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	if s.began || s.ended {
		s.stateMu.Unlock()
		return nil
	}
	s.began = true
	s.stateMu.Unlock()

	err := s.handler.Begin(ctx, user)

	s.stateMu.Lock()
	if !s.ended {
		s.state = StateActive
	}
	s.stateMu.Unlock()

	s.touchIdle()
	if s.bus != nil {
		s.bus.Publish(bus.TopicSessionStarted, bus.SessionEvent{Chat: s.chat.String()})
	}
	return err
}

// HandleMessage runs the handler on one message. Handler faults (anything
// but cancellation) are swallowed after being routed to OnError; a fault
// raised by OnError itself is logged and dropped.
func (s *Session) HandleMessage(ctx context.Context, msg *telegram.Message) error {
	return s.handle(ctx, func() error {
		return s.handler.HandleMessage(ctx, msg)
	})
}

// HandleCallback is HandleMessage for the callback flow.
func (s *Session) HandleCallback(ctx context.Context, cb *telegram.CallbackQuery) error {
	return s.handle(ctx, func() error {
		return s.handler.HandleCallback(ctx, cb)
	})
}

func (s *Session) handle(ctx context.Context, invoke func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	ended := s.ended
	s.stateMu.Unlock()
	if ended {
		return ErrEnded
	}

	err := invoke()
	if err == nil {
		s.touchIdle()
		return nil
	}
	if isCancellation(ctx, err) {
		return err
	}

	// Handler fault: funnel into OnError under the same scope.
	s.logger.Warn("handler fault", "error", shared.Redact(err.Error()))
	if s.bus != nil {
		s.bus.Publish(bus.TopicHandlerFault, bus.HandlerFaultEvent{
			Chat: s.chat.String(),
			Err:  shared.Redact(err.Error()),
		})
	}
	if onErr := s.handler.OnError(ctx, err); onErr != nil {
		s.logger.Warn("handler OnError failed", "error", shared.Redact(onErr.Error()))
	}
	s.touchIdle()
	return nil
}

// End runs the handler's End callback, then cancels the lifetime scope. The
// mutex acquisition means End waits for any in-flight Handle. Safe to call
// more than once; only the first call runs End.
func (s *Session) End(ctx context.Context, user *telegram.User) error {
	s.stateMu.Lock()
	if s.ended {
		s.stateMu.Unlock()
		return nil
	}
	s.ended = true
	s.state = StateEnding
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	began := s.began
	s.stateMu.Unlock()

	// Abort any in-flight Handle before queueing behind it on the mutex.
	s.cancelCalls()

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if began {
		err = s.handler.End(ctx, user)
	}

	s.stateMu.Lock()
	s.state = StateEnded
	s.stateMu.Unlock()

	// Lifetime is cancelled only after End returned.
	s.cancelLifetime()

	if s.bus != nil {
		s.bus.Publish(bus.TopicSessionEnded, bus.SessionEvent{Chat: s.chat.String()})
	}
	return err
}

// touchIdle arms or resets the inactivity timer.
func (s *Session) touchIdle() {
	if s.idleTimeout <= 0 {
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.ended {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.logger.Info("session idle timeout")
		if s.onExpire != nil {
			s.onExpire(s)
		}
	})
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}
