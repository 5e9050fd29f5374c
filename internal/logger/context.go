package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds message-scoped logging context. One LogContext is
// created per consumed message and travels with the handler's context.
type LogContext struct {
	TransactionID string    // transaction UUID from details
	SubID         string    // sub-record id from details
	Worker        string    // consumer name (catalog, index, ...)
	User          string    // requesting user
	Group         string    // requesting group
	RoutingKey    string    // routing key the message arrived with
	StartTime     time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a message arriving at a worker.
func NewLogContext(worker, routingKey string) *LogContext {
	return &LogContext{
		Worker:     worker,
		RoutingKey: routingKey,
		StartTime:  time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithTransaction returns a copy with the transaction identity set.
func (lc *LogContext) WithTransaction(transactionID, subID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TransactionID = transactionID
		clone.SubID = subID
	}
	return clone
}

// WithOwner returns a copy with the requesting user and group set.
func (lc *LogContext) WithOwner(user, group string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.User = user
		clone.Group = group
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
