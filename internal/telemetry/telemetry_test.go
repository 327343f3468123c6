package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "disabled defaults", mutate: func(*Config) {}},
		{name: "enabled defaults", mutate: func(c *Config) { c.Enabled = true }},
		{name: "disabled ignores garbage", mutate: func(c *Config) { c.Endpoint = ""; c.Sampling.Rate = 7 }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "" }, wantErr: "endpoint"},
		{name: "missing service", mutate: func(c *Config) { c.Enabled = true; c.ServiceName = "" }, wantErr: "service_name"},
		{name: "bad protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "carrier-pigeon" }, wantErr: "protocol"},
		{
			name:    "insecure remote",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" },
			wantErr: "insecure",
		},
		{
			name:   "secure remote",
			mutate: func(c *Config) { c.Enabled = true; c.Insecure = false; c.Endpoint = "otel.example.com:4317" },
		},
		{name: "ipv6 loopback", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }},
		{name: "http scheme loopback", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "http://127.0.0.1:4318" }},
		{name: "sampling rate", mutate: func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 }, wantErr: "sampling.rate"},
		{
			name:    "export interval",
			mutate:  func(c *Config) { c.Enabled = true; c.Metrics.ExportInterval = 0 },
			wantErr: "export_interval",
		},
		{name: "shutdown timeout", mutate: func(c *Config) { c.Enabled = true; c.Shutdown.Timeout = 0 }, wantErr: "shutdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, tel)
}

func TestNew_EnabledWithInjectedExporters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	exp := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()

	tel, err := New(context.Background(), cfg,
		WithTraceExporter(exp),
		WithMetricReader(reader),
		WithoutGlobalProviders())
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)

	_, span := tel.Tracer("warden/test").Start(context.Background(), "unit")
	span.End()
	counter, err := tel.Meter("warden/test").Int64Counter("unit.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	require.NoError(t, tel.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "unit", spans[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.Nil(t, tel.LoggerProvider())
	tel.SetLoggerProvider(nil)
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Degraded: true}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("warden/test").Start(ctx, "gate.check")
	span.SetAttributes(attribute.String("tool", "write_file"), attribute.Int("tier", 2))
	span.End()

	tt.AssertSpanExists(t, "gate.check")
	tt.AssertSpanAttribute(t, "gate.check", "tool", "write_file")
	tt.AssertSpanAttribute(t, "gate.check", "tier", int64(2))
	assert.Nil(t, tt.SpanByName("missing"))

	c, err := tt.Meter("warden/test").Int64Counter("decisions")
	require.NoError(t, err)
	c.Add(ctx, 3)
	c.Add(ctx, 4)

	rm, err := tt.Collect(ctx)
	require.NoError(t, err)
	m, ok := FindMetric(rm, "decisions")
	require.True(t, ok)
	assert.Equal(t, int64(7), SumInt64(m))

	_, ok = FindMetric(rm, "absent")
	assert.False(t, ok)
}
