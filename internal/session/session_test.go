package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/botloop/internal/telegram"
)

// recordingHandler tracks invocations and can be scripted to fail or block.
type recordingHandler struct {
	mu        sync.Mutex
	calls     []string
	onErrors  []error
	handleErr error
	onErrErr  error

	inFlight int32
	overlap  atomic.Bool
}

func (h *recordingHandler) record(name string) {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	h.mu.Unlock()
}

func (h *recordingHandler) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHandler) Begin(ctx context.Context, user *telegram.User) error {
	h.record("begin")
	return nil
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg *telegram.Message) error {
	if atomic.AddInt32(&h.inFlight, 1) > 1 {
		h.overlap.Store(true)
	}
	defer atomic.AddInt32(&h.inFlight, -1)

	h.record("handle:" + msg.Text)
	return h.handleErr
}

func (h *recordingHandler) HandleCallback(ctx context.Context, cb *telegram.CallbackQuery) error {
	h.record("callback:" + cb.Data)
	return h.handleErr
}

func (h *recordingHandler) OnError(ctx context.Context, cause error) error {
	h.mu.Lock()
	h.onErrors = append(h.onErrors, cause)
	h.mu.Unlock()
	h.record("onerror")
	return h.onErrErr
}

func (h *recordingHandler) End(ctx context.Context, user *telegram.User) error {
	h.record("end")
	return nil
}

func testSession(h Handler) *Session {
	return New(Config{
		Chat:    telegram.ChatIDFromInt64(42),
		Handler: h,
		Logger:  slog.New(slog.DiscardHandler),
	})
}

func TestSession_LifecycleOrder(t *testing.T) {
	h := &recordingHandler{}
	s := testSession(h)
	ctx := context.Background()

	if s.State() != StateFresh {
		t.Fatalf("state = %v, want fresh", s.State())
	}
	if err := s.Begin(ctx, &telegram.User{ID: 9}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %v, want active", s.State())
	}
	if err := s.HandleMessage(ctx, &telegram.Message{Text: "hi"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := s.End(ctx, nil); err != nil {
		t.Fatalf("end: %v", err)
	}
	if s.State() != StateEnded {
		t.Fatalf("state = %v, want ended", s.State())
	}

	want := []string{"begin", "handle:hi", "end"}
	got := h.recorded()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestSession_BeginAtMostOnce(t *testing.T) {
	h := &recordingHandler{}
	s := testSession(h)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Begin(ctx, nil)
		}()
	}
	wg.Wait()

	begins := 0
	for _, c := range h.recorded() {
		if c == "begin" {
			begins++
		}
	}
	if begins != 1 {
		t.Fatalf("begin called %d times, want 1", begins)
	}
}

func TestSession_EndAtMostOnce(t *testing.T) {
	h := &recordingHandler{}
	s := testSession(h)
	ctx := context.Background()

	_ = s.Begin(ctx, nil)
	if err := s.End(ctx, nil); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := s.End(ctx, nil); err != nil {
		t.Fatalf("second end: %v", err)
	}

	ends := 0
	for _, c := range h.recorded() {
		if c == "end" {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("end called %d times, want 1", ends)
	}
}

func TestSession_HandleAfterEndRejected(t *testing.T) {
	h := &recordingHandler{}
	s := testSession(h)
	ctx := context.Background()

	_ = s.Begin(ctx, nil)
	_ = s.End(ctx, nil)

	err := s.HandleMessage(ctx, &telegram.Message{Text: "late"})
	if !errors.Is(err, ErrEnded) {
		t.Fatalf("error = %v, want ErrEnded", err)
	}
	for _, c := range h.recorded() {
		if c == "handle:late" {
			t.Fatal("handler ran after end")
		}
	}
}

func TestSession_SerializesHandlerCalls(t *testing.T) {
	h := &recordingHandler{}
	s := testSession(h)
	ctx := context.Background()
	_ = s.Begin(ctx, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.HandleMessage(ctx, &telegram.Message{Text: "x"})
		}()
	}
	wg.Wait()

	if h.overlap.Load() {
		t.Fatal("two handler invocations overlapped on one session")
	}
}

func TestSession_FaultRoutedToOnError(t *testing.T) {
	fault := errors.New("boom")
	h := &recordingHandler{handleErr: fault}
	s := testSession(h)
	ctx := context.Background()
	_ = s.Begin(ctx, nil)

	// The fault is swallowed after OnError.
	if err := s.HandleMessage(ctx, &telegram.Message{Text: "bad"}); err != nil {
		t.Fatalf("handle returned %v, want nil", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.onErrors) != 1 || !errors.Is(h.onErrors[0], fault) {
		t.Fatalf("onErrors = %v, want [boom]", h.onErrors)
	}
}

func TestSession_OnErrorFailureSwallowed(t *testing.T) {
	h := &recordingHandler{
		handleErr: errors.New("boom"),
		onErrErr:  errors.New("onerror also failed"),
	}
	s := testSession(h)
	ctx := context.Background()
	_ = s.Begin(ctx, nil)

	if err := s.HandleMessage(ctx, &telegram.Message{Text: "bad"}); err != nil {
		t.Fatalf("handle returned %v, want nil", err)
	}

	// The chat keeps working after the double fault.
	h.handleErr = nil
	h.onErrErr = nil
	if err := s.HandleMessage(ctx, &telegram.Message{Text: "ok"}); err != nil {
		t.Fatalf("followup handle: %v", err)
	}
}

func TestSession_CancellationPropagatesUntouched(t *testing.T) {
	h := &recordingHandler{handleErr: context.Canceled}
	s := testSession(h)
	_ = s.Begin(context.Background(), nil)

	err := s.HandleMessage(context.Background(), &telegram.Message{Text: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.onErrors) != 0 {
		t.Fatalf("cancellation must not reach OnError, got %v", h.onErrors)
	}
}

func TestSession_LifetimeCancelledAfterEndReturns(t *testing.T) {
	s := testSession(nil)
	observed := make(chan error, 1)
	h := &lifetimeProbeHandler{s: func() *Session { return s }, observed: observed}
	s.handler = h

	ctx := context.Background()
	_ = s.Begin(ctx, nil)
	_ = s.End(ctx, nil)

	select {
	case errInsideEnd := <-observed:
		if errInsideEnd != nil {
			t.Fatalf("lifetime already cancelled inside End: %v", errInsideEnd)
		}
	default:
		t.Fatal("End never observed the lifetime")
	}
	if s.Lifetime().Err() == nil {
		t.Fatal("lifetime not cancelled after End returned")
	}
}

// lifetimeProbeHandler records the lifetime state as seen from inside End.
type lifetimeProbeHandler struct {
	s        func() *Session
	observed chan error
}

func (h *lifetimeProbeHandler) Begin(ctx context.Context, u *telegram.User) error { return nil }
func (h *lifetimeProbeHandler) HandleMessage(ctx context.Context, m *telegram.Message) error {
	return nil
}
func (h *lifetimeProbeHandler) HandleCallback(ctx context.Context, c *telegram.CallbackQuery) error {
	return nil
}
func (h *lifetimeProbeHandler) OnError(ctx context.Context, cause error) error { return nil }
func (h *lifetimeProbeHandler) End(ctx context.Context, u *telegram.User) error {
	h.observed <- h.s().Lifetime().Err()
	return nil
}

func TestSession_LinkedScope(t *testing.T) {
	h := &recordingHandler{}
	s := testSession(h)
	ctx := context.Background()
	_ = s.Begin(ctx, nil)

	// Parent cancellation cancels the linked scope.
	parent, cancelParent := context.WithCancel(context.Background())
	linked, cleanup := s.Linked(parent)
	cancelParent()
	select {
	case <-linked.Done():
	case <-time.After(time.Second):
		t.Fatal("linked scope did not follow parent cancellation")
	}
	cleanup()

	// Session end cancels the linked scope.
	linked2, cleanup2 := s.Linked(context.Background())
	defer cleanup2()
	_ = s.End(ctx, nil)
	select {
	case <-linked2.Done():
	case <-time.After(time.Second):
		t.Fatal("linked scope did not follow lifetime cancellation")
	}
}

func TestSession_IdleTimerExpires(t *testing.T) {
	h := &recordingHandler{}
	expired := make(chan *Session, 1)
	s := New(Config{
		Chat:        telegram.ChatIDFromInt64(5),
		Handler:     h,
		IdleTimeout: 60 * time.Millisecond,
		OnExpire:    func(s *Session) { expired <- s },
		Logger:      slog.New(slog.DiscardHandler),
	})
	_ = s.Begin(context.Background(), nil)

	select {
	case got := <-expired:
		if got != s {
			t.Fatal("expired with wrong session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired")
	}
}

func TestSession_IdleTimerResetsOnHandle(t *testing.T) {
	h := &recordingHandler{}
	expired := make(chan *Session, 1)
	s := New(Config{
		Chat:        telegram.ChatIDFromInt64(5),
		Handler:     h,
		IdleTimeout: 150 * time.Millisecond,
		OnExpire:    func(s *Session) { expired <- s },
		Logger:      slog.New(slog.DiscardHandler),
	})
	ctx := context.Background()
	_ = s.Begin(ctx, nil)

	// Keep touching the session for longer than the idle timeout.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := s.HandleMessage(ctx, &telegram.Message{Text: "ping"}); err != nil {
			t.Fatalf("handle: %v", err)
		}
		select {
		case <-expired:
			t.Fatal("idle timer fired while session was active")
		default:
		}
	}

	// Now go quiet and let it fire.
	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired after going quiet")
	}

	// End must stop any pending timer without panicking.
	_ = s.End(ctx, nil)
}
