package gate

import (
	"context"

	"go.uber.org/zap"
)

// Sink receives blocked admissions. Implementations must not call back into the Gate
// synchronously with a lock they also hold elsewhere; the Gate invokes sinks after
// releasing its own lock.
type Sink interface {
	Blocked(ctx context.Context, e Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry)

// Blocked implements Sink.
func (f SinkFunc) Blocked(ctx context.Context, e Entry) {
	f(ctx, e)
}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

// Blocked implements Sink.
func (m MultiSink) Blocked(ctx context.Context, e Entry) {
	for _, s := range m {
		if s != nil {
			s.Blocked(ctx, e)
		}
	}
}

// LogSink writes blocked admissions to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink. A nil logger discards output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Blocked implements Sink.
func (s *LogSink) Blocked(ctx context.Context, e Entry) {
	fields := append(traceFields(ctx),
		zap.String("tool", e.Tool),
		zap.String("reason", e.Decision.Reason),
		zap.Strings("evidence", e.Decision.Evidence),
		zap.String("tier", string(e.Decision.Tier)),
	)
	s.logger.Warn("admission blocked", fields...)
}
