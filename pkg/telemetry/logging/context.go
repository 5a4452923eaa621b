package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	scopeKey     contextKey = "scope"
	loggerKey    contextKey = "logger"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithScope adds a budget scope to the context.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// GetScope retrieves the budget scope from the context.
func GetScope(ctx context.Context) string {
	s, _ := ctx.Value(scopeKey).(string)
	return s
}

// WithLogger stores a logger in the context. FromContext prefers it over
// the fallback.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// Fields returns the logging fields carried by ctx.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if s := GetScope(ctx); s != "" {
		fields = append(fields, zap.String("scope", s))
	}
	return fields
}

// FromContext returns the logger stored in ctx, or fallback, annotated with
// the request fields of ctx. A nil fallback yields a no-op logger.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	l, _ := ctx.Value(loggerKey).(*zap.Logger)
	if l == nil {
		l = fallback
	}
	if l == nil {
		l = zap.NewNop()
	}
	if fields := Fields(ctx); len(fields) > 0 {
		return l.With(fields...)
	}
	return l
}
