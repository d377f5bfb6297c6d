package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xiaowucn/scriber-inspector/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	enabled := func(mutate func(*Config)) *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		mutate(cfg)
		return cfg
	}
	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{name: "default", config: NewDefaultConfig()},
		{name: "disabled skips checks", config: &Config{}},
		{name: "enabled local", config: enabled(func(*Config) {})},
		{name: "bracketed ipv6", config: enabled(func(c *Config) { c.Endpoint = "[::1]:4317" })},
		{name: "http scheme", config: enabled(func(c *Config) {
			c.Protocol = ProtocolHTTP
			c.Endpoint = "http://127.0.0.1:4318"
		})},
		{name: "remote tls", config: enabled(func(c *Config) {
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		})},
		{name: "missing endpoint", config: enabled(func(c *Config) { c.Endpoint = "" }), wantErr: "endpoint is required"},
		{name: "missing service", config: enabled(func(c *Config) { c.ServiceName = "" }), wantErr: "service_name"},
		{name: "protocol", config: enabled(func(c *Config) { c.Protocol = "udp" }), wantErr: "protocol"},
		{name: "remote insecure", config: enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317" }), wantErr: "insecure connections"},
		{name: "sample rate", config: enabled(func(c *Config) { c.SampleRate = 1.5 }), wantErr: "sample_rate"},
		{name: "interval", config: enabled(func(c *Config) { c.ExportInterval = 0 }), wantErr: "export_interval"},
		{name: "shutdown", config: enabled(func(c *Config) { c.ShutdownTimeout = 0 }), wantErr: "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:         true,
		Endpoint:        "localhost:4318",
		Protocol:        ProtocolHTTP,
		Insecure:        true,
		ServiceName:     "inspector",
		ServiceVersion:  "1.2.3",
		SampleRate:      0.5,
		ExportInterval:  config.Duration(time.Second),
		ShutdownTimeout: config.Duration(time.Second),
	})
	assert.True(t, cfg.Enabled)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, 0.5, cfg.SampleRate)
	assert.NoError(t, cfg.Validate())
}

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	res := newResource(cfg)

	v, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "scriber-inspector", v.AsString())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Healthy)
	require.NoError(t, tel.ForceFlush(context.Background()))

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true}, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledExports(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	tel, err := New(context.Background(), cfg, nil, WithTraceExporter(exporter), WithMetricReader(reader))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)

	_, span := tel.Tracer("test").Start(context.Background(), "inspect.run")
	span.End()
	counter, err := tel.Meter("test").Int64Counter("inspect.runs")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	require.NoError(t, tel.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "inspect.run", spans[0].Name)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "inspect.runs", rm.ScopeMetrics[0].Metrics[0].Name)

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Healthy: false, Degraded: true}, tel.Health())
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "assemble")
	span.SetAttributes(
		attribute.String("schema", "fund"),
		attribute.Int64("fields", 4),
		attribute.Bool("final", false),
	)
	span.End()

	tt.AssertSpanExists(t, "assemble")
	tt.AssertSpanAttribute(t, "assemble", "schema", "fund")
	tt.AssertSpanAttribute(t, "assemble", "fields", int64(4))
	tt.AssertSpanAttribute(t, "assemble", "final", false)
	assert.Nil(t, tt.SpanByName("missing"))

	counter, err := tt.Meter("test").Int64Counter("verdicts")
	require.NoError(t, err)
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("verdict", "compliant")))
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", "ignore")))

	assert.Equal(t, int64(4), tt.Sum(t, "verdicts"))
	assert.Equal(t, int64(3), tt.Sum(t, "verdicts", attribute.String("verdict", "compliant")))
	assert.Equal(t, int64(0), tt.Sum(t, "absent"))
}
