package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/warden/internal/orchestrator"

// Metrics provides OpenTelemetry metrics for cycles.
type Metrics struct {
	cyclesTotal    metric.Int64Counter
	outcomesTotal  metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	taskDuration   metric.Float64Histogram
	iterationCount metric.Int64Histogram
}

// NewMetrics creates cycle metrics with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.cyclesTotal, err = meter.Int64Counter(
		"warden.cycle.total",
		metric.WithDescription("Completed cycles by stop reason"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	m.outcomesTotal, err = meter.Int64Counter(
		"warden.cycle.task.outcome.total",
		metric.WithDescription("Task outcomes"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.cycleDuration, err = meter.Float64Histogram(
		"warden.cycle.duration",
		metric.WithDescription("Cycle wall-clock duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.taskDuration, err = meter.Float64Histogram(
		"warden.cycle.task.duration",
		metric.WithDescription("Delegated task duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.iterationCount, err = meter.Int64Histogram(
		"warden.cycle.iterations",
		metric.WithDescription("Iterations per cycle"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTask records a task outcome.
func (m *Metrics) RecordTask(ctx context.Context, r TaskResult) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(r.Outcome)))
	m.outcomesTotal.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, float64(r.DurationMs)/1000, attrs)
}

// RecordCycle records a finished cycle.
func (m *Metrics) RecordCycle(ctx context.Context, r *CycleReport) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stop_reason", string(r.StopReason)),
		attribute.Bool("baseline", r.BaselineMode),
	)
	m.cyclesTotal.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, r.Duration().Seconds(), attrs)
	m.iterationCount.Record(ctx, int64(r.Iterations), attrs)
}

// Tracer returns a tracer for the orchestrator package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

func taskAttributes(cycleID, taskID string, iteration int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("warden.cycle_id", cycleID),
		attribute.String("warden.task_id", taskID),
		attribute.Int("warden.iteration", iteration),
	}
}
