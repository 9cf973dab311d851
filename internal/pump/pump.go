// Package pump runs the getUpdates long-poll loop and converts the server's
// at-least-once delivery into at-most-once by acknowledgement offset.
package pump

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/botloop/internal/bus"
	otelx "github.com/basket/botloop/internal/otel"
	"github.com/basket/botloop/internal/shared"
	"github.com/basket/botloop/internal/telegram"
)

// Checkpoint persists the ack offset across restarts. Optional.
type Checkpoint interface {
	LoadOffset(ctx context.Context) (int64, error)
	StoreOffset(ctx context.Context, offset int64) error
}

// Config configures a Pump. Zero values select defaults.
type Config struct {
	// Limit is the max updates per batch (server caps at 100).
	Limit int
	// Timeout is the server-side long-poll hold, and the base sleep before a
	// retry after a failed attempt.
	Timeout time.Duration
	// AllowedUpdates restricts delivered update kinds. Empty keeps the
	// server default.
	AllowedUpdates []string
	// Checkpoint, when set, persists the offset after each emitted batch and
	// seeds the first request.
	Checkpoint Checkpoint
	Logger     *slog.Logger
	Bus        *bus.Bus
	// Tracer records a client span per getUpdates attempt. Optional.
	Tracer trace.Tracer
}

// EmitFunc receives one update. It may block; the pump does not advance the
// ack offset until every update of the batch has been handed over.
type EmitFunc func(ctx context.Context, u telegram.Update)

// Pump is the single long-poll producer. One Run per Pump.
type Pump struct {
	api telegram.Invoker
	cfg Config

	mu         sync.Mutex
	nextOffset int64
}

func New(api telegram.Invoker, cfg Config) *Pump {
	if cfg.Limit <= 0 || cfg.Limit > 100 {
		cfg.Limit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Pump{api: api, cfg: cfg}
}

// NextOffset returns the current ack offset.
func (p *Pump) NextOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextOffset
}

func (p *Pump) setNextOffset(v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v > p.nextOffset {
		p.nextOffset = v
	}
}

// Run polls until ctx is cancelled, emitting updates in batch order.
//
// The server treats any offset greater than an update id as "processed", so
// the offset advances only after the whole batch has been emitted. A crash
// between emission and the next poll redelivers those updates; dedup, if
// needed, belongs to the handler layer.
func (p *Pump) Run(ctx context.Context, emit EmitFunc) error {
	if p.cfg.Checkpoint != nil {
		offset, err := p.cfg.Checkpoint.LoadOffset(ctx)
		if err != nil {
			p.cfg.Logger.Warn("load offset checkpoint failed, starting from 0", "error", err)
		} else if offset > 0 {
			p.setNextOffset(offset)
			p.cfg.Logger.Info("resuming from checkpoint", "offset", offset)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req := telegram.GetUpdates{
			Offset:         p.NextOffset(),
			Limit:          p.cfg.Limit,
			Timeout:        int(p.cfg.Timeout.Seconds()),
			AllowedUpdates: p.cfg.AllowedUpdates,
		}
		pollCtx, span := otelx.StartClientSpan(ctx, p.cfg.Tracer, "getUpdates",
			otelx.AttrAPIMethod.String("getUpdates"))
		var updates []telegram.Update
		err := p.api.Invoke(pollCtx, req, &updates)
		if err != nil {
			span.RecordError(errors.New(shared.Redact(err.Error())))
		}
		span.End()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if serr := p.sleepBeforeRetry(ctx, err); serr != nil {
				return serr
			}
			continue
		}

		if len(updates) == 0 {
			continue
		}

		var maxID int64
		for _, u := range updates {
			emit(ctx, u)
			if u.UpdateID > maxID {
				maxID = u.UpdateID
			}
		}
		p.setNextOffset(maxID + 1)

		if p.cfg.Checkpoint != nil {
			if err := p.cfg.Checkpoint.StoreOffset(ctx, maxID+1); err != nil {
				p.cfg.Logger.Warn("store offset checkpoint failed", "offset", maxID+1, "error", err)
			}
		}
	}
}

// sleepBeforeRetry waits the long-poll timeout, or the server's retry_after
// hint if larger. The wait is cancellable.
func (p *Pump) sleepBeforeRetry(ctx context.Context, cause error) error {
	sleep := p.cfg.Timeout
	if hint := telegram.RetryAfterHint(cause); hint > sleep {
		sleep = hint
	}
	p.cfg.Logger.Warn("getUpdates failed, retrying",
		"error", shared.Redact(cause.Error()), "sleep", sleep.String(), "offset", p.NextOffset())
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(bus.TopicPumpRetry, bus.PumpRetryEvent{
			Err:   shared.Redact(cause.Error()),
			Sleep: sleep,
		})
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
