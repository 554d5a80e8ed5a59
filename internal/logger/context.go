package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context
type LogContext struct {
	Event     string    // Event name currently being handled (upload-chunk, register, etc.)
	ClientID  string    // Opaque client identifier
	ShareID   string    // Share session the request belongs to
	FileID    string    // Upload the request belongs to
	NodeID    string    // Cluster node serving the request
	ClientIP  string    // Client IP address (without port)
	StartTime time.Time // For duration calculation
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

// NewLogContext creates a new LogContext with the given client IP
func NewLogContext(clientIP string) *LogContext {
	return &LogContext{
		ClientIP:  clientIP,
		StartTime: time.Now(),
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

// WithEvent returns a copy with the event name set
func (lc *LogContext) WithEvent(event string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Event = event
	}
	return clone
}

// WithClient returns a copy with the client identifier set
func (lc *LogContext) WithClient(clientID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ClientID = clientID
	}
	return clone
}

// WithShare returns a copy with the share session set
func (lc *LogContext) WithShare(shareID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ShareID = shareID
	}
	return clone
}

// WithFile returns a copy with the upload identifier set
func (lc *LogContext) WithFile(fileID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.FileID = fileID
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
