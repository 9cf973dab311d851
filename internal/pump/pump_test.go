package pump

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/botloop/internal/telegram"
)

// scriptInvoker replays a fixed sequence of getUpdates responses, then blocks
// until the context is cancelled.
type scriptInvoker struct {
	mu       sync.Mutex
	script   []scriptStep
	requests []telegram.GetUpdates
}

type scriptStep struct {
	updates []telegram.Update
	err     error
}

func (s *scriptInvoker) Invoke(ctx context.Context, req telegram.Request, out any) error {
	gu, ok := req.(telegram.GetUpdates)
	if !ok {
		return errors.New("unexpected request type")
	}
	s.mu.Lock()
	s.requests = append(s.requests, gu)
	var step *scriptStep
	if len(s.script) > 0 {
		step = &s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	if step == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if step.err != nil {
		return step.err
	}
	*(out.(*[]telegram.Update)) = step.updates
	return nil
}

func (s *scriptInvoker) recorded() []telegram.GetUpdates {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telegram.GetUpdates(nil), s.requests...)
}

func msgUpdate(id, chat int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: id,
		Message: &telegram.Message{
			Chat: telegram.Chat{ID: telegram.ChatIDFromInt64(chat)},
			Text: text,
		},
	}
}

func TestPump_EmitsInOrderAndAdvancesOffset(t *testing.T) {
	inv := &scriptInvoker{script: []scriptStep{
		{updates: []telegram.Update{msgUpdate(7, 42, "hi"), msgUpdate(8, 42, "again")}},
		{updates: nil}, // empty batch
	}}
	p := New(inv, Config{Timeout: time.Second})

	var emitted []int64
	var offsetDuringEmit []int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func(_ context.Context, u telegram.Update) {
			emitted = append(emitted, u.UpdateID)
			offsetDuringEmit = append(offsetDuringEmit, p.NextOffset())
			if len(emitted) == 2 {
				// Give the pump a moment to issue the follow-up requests,
				// then stop.
				go func() {
					time.Sleep(100 * time.Millisecond)
					cancel()
				}()
			}
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop")
	}

	if len(emitted) != 2 || emitted[0] != 7 || emitted[1] != 8 {
		t.Fatalf("emitted = %v, want [7 8]", emitted)
	}
	// The ack offset must not advance before emission completes.
	for i, off := range offsetDuringEmit {
		if off > emitted[i] {
			t.Fatalf("offset %d advanced past update %d before emission finished", off, emitted[i])
		}
	}
	if p.NextOffset() != 9 {
		t.Fatalf("next offset = %d, want 9", p.NextOffset())
	}

	reqs := inv.recorded()
	if len(reqs) < 2 {
		t.Fatalf("requests = %d, want at least 2", len(reqs))
	}
	if reqs[0].Offset != 0 {
		t.Fatalf("first offset = %d, want 0", reqs[0].Offset)
	}
	if reqs[1].Offset != 9 {
		t.Fatalf("second offset = %d, want 9", reqs[1].Offset)
	}
}

// alwaysFailInvoker fails every attempt.
type alwaysFailInvoker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *alwaysFailInvoker) Invoke(ctx context.Context, req telegram.Request, out any) error {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.err
}

func (a *alwaysFailInvoker) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestPump_RetryBackoffBoundsRequestRate(t *testing.T) {
	inv := &alwaysFailInvoker{err: &telegram.TransportError{Method: "getUpdates", Err: errors.New("conn refused")}}
	timeout := 50 * time.Millisecond
	p := New(inv, Config{Timeout: timeout})

	window := 300 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	err := p.Run(ctx, func(context.Context, telegram.Update) {
		t.Error("unexpected emission from failing pump")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run returned %v", err)
	}

	// Over a window W a failing pump issues at most ceil(W/timeout)+1
	// requests. Allow one extra for scheduling slack.
	maxCalls := int(window/timeout) + 2
	if got := inv.count(); got > maxCalls {
		t.Fatalf("calls = %d, want <= %d", got, maxCalls)
	}
}

func TestPump_RetryAfterOverridesTimeout(t *testing.T) {
	inv := &alwaysFailInvoker{err: &telegram.ProtocolError{
		Method:     "getUpdates",
		Code:       429,
		RetryAfter: 200 * time.Millisecond,
	}}
	p := New(inv, Config{Timeout: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_ = p.Run(ctx, func(context.Context, telegram.Update) {})

	// With retry_after=200ms and a 150ms window there is time for exactly one
	// attempt: the first failure starts a 200ms sleep that outlives the window.
	if got := inv.count(); got != 1 {
		t.Fatalf("calls = %d, want 1 (retry_after must floor the sleep)", got)
	}
	// The offset must be unchanged for the retry.
	if p.NextOffset() != 0 {
		t.Fatalf("offset = %d, want 0", p.NextOffset())
	}
}

func TestPump_CancelDuringRetrySleep(t *testing.T) {
	inv := &alwaysFailInvoker{err: &telegram.ProtocolError{
		Method:     "getUpdates",
		Code:       429,
		RetryAfter: time.Hour,
	}}
	p := New(inv, Config{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func(context.Context, telegram.Update) {})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("retry sleep was not cancellable")
	}
}

type fakeCheckpoint struct {
	mu     sync.Mutex
	offset int64
	stores []int64
}

func (f *fakeCheckpoint) LoadOffset(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, nil
}

func (f *fakeCheckpoint) StoreOffset(ctx context.Context, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = offset
	f.stores = append(f.stores, offset)
	return nil
}

func TestPump_CheckpointSeedsAndRecordsOffset(t *testing.T) {
	cp := &fakeCheckpoint{offset: 100}
	inv := &scriptInvoker{script: []scriptStep{
		{updates: []telegram.Update{msgUpdate(100, 1, "a"), msgUpdate(101, 1, "b")}},
	}}
	p := New(inv, Config{Timeout: time.Second, Checkpoint: cp})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	emitted := 0
	go func() {
		done <- p.Run(ctx, func(context.Context, telegram.Update) {
			emitted++
			if emitted == 2 {
				go func() {
					time.Sleep(50 * time.Millisecond)
					cancel()
				}()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop")
	}

	reqs := inv.recorded()
	if len(reqs) == 0 || reqs[0].Offset != 100 {
		t.Fatalf("first request offset = %v, want 100", reqs)
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.stores) != 1 || cp.stores[0] != 102 {
		t.Fatalf("checkpoint stores = %v, want [102]", cp.stores)
	}
}
