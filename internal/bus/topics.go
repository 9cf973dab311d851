package bus

import "time"

// Update flow topics.
const (
	TopicUpdateReceived = "update.received"
	TopicUpdateDropped  = "update.dropped"
	TopicPumpRetry      = "pump.retry"
)

// Session lifecycle topics.
const (
	TopicSessionStarted = "session.started"
	TopicSessionEnded   = "session.ended"
)

// Handler execution topics.
const (
	TopicHandlerDone  = "handler.done"
	TopicHandlerFault = "handler.fault"
)

// UpdateReceivedEvent is published for every update handed downstream.
type UpdateReceivedEvent struct {
	UpdateID int64  // Telegram update_id
	Kind     string // "message" or "callback"
	Chat     string // rendered chat identifier
}

// UpdateDroppedEvent is published when an update carries no routable content.
type UpdateDroppedEvent struct {
	UpdateID int64
	Reason   string
}

// PumpRetryEvent is published when a getUpdates attempt fails and the pump
// schedules a retry.
type PumpRetryEvent struct {
	Err   string        // redacted error text
	Sleep time.Duration // how long the pump will wait before the next attempt
}

// SessionEvent is published when a chat session starts or ends.
type SessionEvent struct {
	Chat    string // rendered chat identifier
	Reason  string // "message", "idle", "shutdown", "quit" (ended only)
	Expired bool   // ended by the inactivity timer
}

// HandlerDoneEvent is published after each handler invocation returns.
type HandlerDoneEvent struct {
	Chat     string
	Kind     string // "message" or "callback"
	UpdateID int64
	Duration time.Duration
}

// HandlerFaultEvent is published when a handler invocation returns an error.
type HandlerFaultEvent struct {
	Chat     string
	Kind     string
	UpdateID int64
	Err      string // redacted error text
}
