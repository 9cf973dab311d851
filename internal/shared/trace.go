package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type chatKey struct{}
type updateIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithChat attaches a rendered chat identifier to the context.
func WithChat(ctx context.Context, chat string) context.Context {
	return context.WithValue(ctx, chatKey{}, chat)
}

// Chat extracts the chat identifier from context. Returns "" if absent.
func Chat(ctx context.Context) string {
	if v, ok := ctx.Value(chatKey{}).(string); ok {
		return v
	}
	return ""
}

// WithUpdateID attaches the originating update_id to the context.
func WithUpdateID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, updateIDKey{}, id)
}

// UpdateID extracts the originating update_id from context (0 if absent).
func UpdateID(ctx context.Context) int64 {
	if v, ok := ctx.Value(updateIDKey{}).(int64); ok {
		return v
	}
	return 0
}
