package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var opContextKey = contextKey{}

// OpContext holds operation-scoped logging context. The Ctx logging
// variants inject its fields ahead of per-call fields.
type OpContext struct {
	Op        string    // import, export, sync, gc, save
	StableID  string    // Stable public file identifier
	DocID     string    // Document grouping key
	Session   string    // Lock-holder session
	ClientIP  string    // Client IP (HTTP surface only)
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context carrying the given OpContext.
func WithContext(ctx context.Context, oc *OpContext) context.Context {
	return context.WithValue(ctx, opContextKey, oc)
}

// FromContext retrieves the OpContext, or nil if not present.
func FromContext(ctx context.Context) *OpContext {
	if ctx == nil {
		return nil
	}
	oc, _ := ctx.Value(opContextKey).(*OpContext)
	return oc
}

// NewOpContext creates a new OpContext for the named operation.
func NewOpContext(op string) *OpContext {
	return &OpContext{Op: op, StartTime: time.Now()}
}

// WithFile returns a copy scoped to a stable ID and doc ID.
func (oc *OpContext) WithFile(stableID, docID string) *OpContext {
	if oc == nil {
		return nil
	}
	clone := *oc
	clone.StableID = stableID
	clone.DocID = docID
	return &clone
}

// WithSession returns a copy scoped to a session.
func (oc *OpContext) WithSession(session string) *OpContext {
	if oc == nil {
		return nil
	}
	clone := *oc
	clone.Session = session
	return &clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (oc *OpContext) DurationMs() float64 {
	if oc == nil || oc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(oc.StartTime).Microseconds()) / 1000.0
}
