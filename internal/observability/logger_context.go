package observability

import (
	"context"
	"log/slog"
)

// The HTTP layer seeds a request-scoped logger and the request id into the
// context; the queue worker and backend clients pull them back out so every
// log line of a generation job correlates with the submit request.

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// ContextWithLogger returns ctx carrying lg. A nil logger leaves ctx as is.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, lg)
}

// LoggerFromContext returns the carried logger, falling back to
// slog.Default so call sites never need a nil check.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if lg, ok := ctx.Value(loggerKey).(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID returns ctx carrying the originating request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the carried request id, or "" when the work
// did not originate from an HTTP request.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}
