package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRoundTrip(t *testing.T) {
	lg := slog.Default().With(slog.String("request_id", "r1"))
	ctx := ContextWithLogger(context.Background(), lg)
	assert.Same(t, lg, LoggerFromContext(ctx))
}

func TestLoggerFallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
	assert.Same(t, slog.Default(), LoggerFromContext(nil))

	// A nil logger must not shadow the fallback.
	ctx := ContextWithLogger(context.Background(), nil)
	assert.Same(t, slog.Default(), LoggerFromContext(ctx))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))

	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(ContextWithRequestID(context.Background(), "")))
}
