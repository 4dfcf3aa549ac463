package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace ID stored by WithTraceContext, if any
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTraceContext tags ctx with traceID, generating one when empty, and stores a
// logger carrying it. The logger is derived from the one already in ctx.
func WithTraceContext(ctx context.Context, traceID string) (context.Context, *Logger) {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	l := FromContext(ctx).WithTraceID(traceID)
	return NewContext(context.WithValue(ctx, traceIDKey, traceID), l), l
}

func orDefault(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}

// SessionContext derives the logger for one user's execution session
func SessionContext(base *Logger, userID, accountType string) *Logger {
	return orDefault(base).WithFields(map[string]interface{}{
		"user_id":      userID,
		"account_type": accountType,
	}).WithComponent("session")
}

// OrderContext derives a logger for one order of a martingale chain
func OrderContext(base *Logger, orderID, asset, direction string, level int) *Logger {
	return orDefault(base).WithFields(map[string]interface{}{
		"order_id":         orderID,
		"asset":            asset,
		"direction":        direction,
		"martingale_level": level,
	})
}

// SignalContext derives a logger for one dispatched signal
func SignalContext(base *Logger, asset, direction, timeOfDay string) *Logger {
	return orDefault(base).WithFields(map[string]interface{}{
		"asset":     asset,
		"direction": direction,
		"time":      timeOfDay,
	})
}

// APIContext derives a logger for one served request
func APIContext(base *Logger, method, path string, statusCode int) *Logger {
	return orDefault(base).WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// BrokerContext creates a logger context for broker calls
func BrokerContext(mode, operation string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"mode":      mode,
		"operation": operation,
	}).WithComponent("broker")
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}
