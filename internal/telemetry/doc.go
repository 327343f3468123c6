// Package telemetry sets up OpenTelemetry tracing and metrics for warden.
//
// Telemetry is off by default. When enabled, spans and metrics are exported over
// OTLP (gRPC or HTTP/protobuf) to a collector. Exporter failures never stop the
// process: the instance is marked degraded and callers fall back to the global
// no-op providers.
//
//	tel, err := telemetry.New(ctx, cfg, telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	metrics, _ := orchestrator.NewMetrics(tel.Meter(orchestrator.InstrumentationName))
//
// Tests use NewTestTelemetry, which records spans in memory and collects metrics
// through a manual reader.
package telemetry
