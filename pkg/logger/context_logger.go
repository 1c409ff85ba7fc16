package logger

import (
	"context"

	"navideo/pkg/tracing"

	"go.uber.org/zap"
)

type contextKey string

const (
	connIDKey contextKey = "conn_id"
	roomIDKey contextKey = "room_id"
)

// WithConnID stores the connection id for later log lines.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// WithRoomID stores the room id for later log lines.
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

// ContextLogger decorates a sugared logger with ids carried in a context
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger carrying trace_id, conn_id and room_id when present
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}

	if traceID := tracing.TraceID(ctx); traceID != "" {
		fields = append(fields, "trace_id", traceID)
	}
	if id, ok := ctx.Value(connIDKey).(string); ok && id != "" {
		fields = append(fields, "conn_id", id)
	}
	if id, ok := ctx.Value(roomIDKey).(string); ok && id != "" {
		fields = append(fields, "room_id", id)
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	cl.WithContext(ctx).Infow("http_request",
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", durationMs,
	)
}
