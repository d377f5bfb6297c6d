package assembler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xiaowucn/scriber-inspector/internal/assembler"

// metrics holds the assembler's OpenTelemetry instruments.
type metrics struct {
	fields      metric.Int64Counter
	diagnostics metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &metrics{}
	var err error

	m.fields, err = meter.Int64Counter(
		"assembler.fields.total",
		metric.WithDescription("Extraction units assembled, by outcome"),
		metric.WithUnit("{field}"),
	)
	if err != nil {
		return nil, err
	}

	m.diagnostics, err = meter.Int64Counter(
		"assembler.diagnostics.total",
		metric.WithDescription("Diagnostics recorded during assembly, by kind"),
		metric.WithUnit("{diagnostic}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"assembler.duration.seconds",
		metric.WithDescription("Duration of one assembly in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordField(ctx context.Context, filled bool) {
	outcome := "empty"
	if filled {
		outcome = "filled"
	}
	m.fields.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) recordDiagnostic(ctx context.Context, kind DiagnosticKind) {
	m.diagnostics.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}
