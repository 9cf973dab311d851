package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/botloop/internal/bus"
)

// Observe consumes bus events and records them onto the metric instruments.
// It returns when ctx is cancelled or the subscription closes. Run it as a
// goroutine next to the runtime; the bus's non-blocking delivery means a
// stalled Observe never slows the hot path.
func Observe(ctx context.Context, b *bus.Bus, m *Metrics) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.observe(ctx, ev)
		}
	}
}

func (m *Metrics) observe(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicUpdateReceived:
		if p, ok := ev.Payload.(bus.UpdateReceivedEvent); ok {
			m.UpdatesReceived.Add(ctx, 1, metric.WithAttributes(AttrUpdateKind.String(p.Kind)))
		}
	case bus.TopicUpdateDropped:
		m.UpdatesDropped.Add(ctx, 1)
	case bus.TopicPumpRetry:
		m.PumpRetries.Add(ctx, 1)
	case bus.TopicSessionStarted:
		m.ActiveSessions.Add(ctx, 1)
	case bus.TopicSessionEnded:
		m.ActiveSessions.Add(ctx, -1)
	case bus.TopicHandlerDone:
		if p, ok := ev.Payload.(bus.HandlerDoneEvent); ok {
			m.HandlerDuration.Record(ctx, p.Duration.Seconds(),
				metric.WithAttributes(AttrUpdateKind.String(p.Kind)))
		}
	case bus.TopicHandlerFault:
		m.HandlerFaults.Add(ctx, 1)
	}
}
