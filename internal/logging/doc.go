// Package logging builds warden's zap logger.
//
// The Logger wrapper adds context-aware methods that attach correlation fields
// (cycle.id, task.id, session.id, request.id, trace_id) drawn from the context:
//
//	ctx = logging.WithCycleID(ctx, cycleID)
//	logger.Info(ctx, "cycle started", zap.Int("queue", n))
//
// Library packages take the *zap.Logger returned by Underlying and log through zap
// directly; ContextFields is exported so they can attach the same correlation fields.
//
// Output goes to stderr so stdout stays free for command results. Values are passed
// through the credential redactor and sensitive keys are masked at the encoder. Entries
// below error level are sampled; errors never are. An OpenTelemetry log provider adds a
// second output through the otelzap bridge.
package logging
