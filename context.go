package aiflow

import (
	"context"
	"io"
	"log/slog"
)

type contextKey string

const (
	loggerContextKey    contextKey = "logger"
	callbacksContextKey contextKey = "callbacks"
)

// WithLogger returns a context carrying logger. Steps and fan-out branches
// log through it.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext returns the logger stored in ctx, or a discard logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return discardLogger()
}

// WithCallbacks returns a context carrying the execution's callbacks.
func WithCallbacks(ctx context.Context, callbacks Callbacks) context.Context {
	return context.WithValue(ctx, callbacksContextKey, callbacks)
}

// CallbacksFromContext returns the callbacks stored in ctx, or no-op
// callbacks.
func CallbacksFromContext(ctx context.Context) Callbacks {
	if cb, ok := ctx.Value(callbacksContextKey).(Callbacks); ok && cb != nil {
		return cb
	}
	return &BaseCallbacks{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
