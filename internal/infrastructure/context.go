package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NewTraceID returns a fresh trace ID. HTTP requests without an
// X-Request-ID header and background jobs share this format.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace ID.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// ComponentLogger scopes logger to one component of the service.
func ComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With(slog.String("component", component))
}
