package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all botloop metric instruments.
type Metrics struct {
	UpdatesReceived metric.Int64Counter
	UpdatesDropped  metric.Int64Counter
	PumpRetries     metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter
	HandlerDuration metric.Float64Histogram
	HandlerFaults   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.UpdatesReceived, err = meter.Int64Counter("botloop.updates.received",
		metric.WithDescription("Updates handed to the dispatch flows"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesDropped, err = meter.Int64Counter("botloop.updates.dropped",
		metric.WithDescription("Updates with no routable content"),
	)
	if err != nil {
		return nil, err
	}

	m.PumpRetries, err = meter.Int64Counter("botloop.pump.retries",
		metric.WithDescription("Failed getUpdates attempts that scheduled a retry"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("botloop.sessions.active",
		metric.WithDescription("Number of currently live chat sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerDuration, err = meter.Float64Histogram("botloop.handler.duration",
		metric.WithDescription("Handler invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerFaults, err = meter.Int64Counter("botloop.handler.faults",
		metric.WithDescription("Handler invocations that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
