package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	cycleCtxKey   struct{}
	taskCtxKey    struct{}
	sessionCtxKey struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

// maxIDLen bounds correlation IDs copied into log fields.
const maxIDLen = 128

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := CycleIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("cycle.id", id))
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

func withID(ctx context.Context, key any, id string) context.Context {
	if id == "" {
		return ctx
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}

// WithCycleID tags ctx with a cycle ID. Empty IDs are ignored.
func WithCycleID(ctx context.Context, id string) context.Context {
	return withID(ctx, cycleCtxKey{}, id)
}

// CycleIDFromContext returns the cycle ID, or "".
func CycleIDFromContext(ctx context.Context) string {
	return idFrom(ctx, cycleCtxKey{})
}

// WithTaskID tags ctx with a task ID.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withID(ctx, taskCtxKey{}, id)
}

// TaskIDFromContext returns the task ID, or "".
func TaskIDFromContext(ctx context.Context) string {
	return idFrom(ctx, taskCtxKey{})
}

// WithSessionID tags ctx with an agent session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return withID(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext returns the session ID, or "".
func SessionIDFromContext(ctx context.Context) string {
	return idFrom(ctx, sessionCtxKey{})
}

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	return idFrom(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the stored logger or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
