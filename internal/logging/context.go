package logging

import (
	"context"
)

type contextKey string

const (
	loggerKey     contextKey = "logger"
	requestIDKey  contextKey = "request_id"
	transferIDKey contextKey = "transfer_id"
)

// contextFieldKeys maps identifier keys to the log field each surfaces
// as. WithContext walks this list, so a new identifier only needs an
// entry here plus a With* setter.
var contextFieldKeys = []struct {
	key   contextKey
	field string
}{
	{requestIDKey, "request_id"},
	{transferIDKey, "transfer_id"},
}

// WithLogger stores a logger in the context for FromContext to recover.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in the context, or the global
// logger when none was stored.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return global
}

// WithRequestID tags the context with the HTTP request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithTransferID tags the context with the transfer being executed, so
// logs emitted below the transfer runner carry its ID.
func WithTransferID(ctx context.Context, transferID string) context.Context {
	return context.WithValue(ctx, transferIDKey, transferID)
}

// extractContextFields collects the known identifier keys off the
// context as alternating key/value log fields.
func extractContextFields(ctx context.Context) []interface{} {
	var fields []interface{}
	for _, entry := range contextFieldKeys {
		if v, ok := ctx.Value(entry.key).(string); ok && v != "" {
			fields = append(fields, entry.field, v)
		}
	}
	return fields
}
