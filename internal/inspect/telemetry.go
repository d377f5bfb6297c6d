package inspect

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xiaowucn/scriber-inspector/internal/inspect"

// metrics holds the run service's OpenTelemetry instruments.
type metrics struct {
	runs        metric.Int64Counter
	conflicts   metric.Int64Counter
	diagnostics metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &metrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"inspect.runs.total",
		metric.WithDescription("Inspection runs, by answer source and outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.conflicts, err = meter.Int64Counter(
		"inspect.conflicts.total",
		metric.WithDescription("Commits rejected by a concurrent writer"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	m.diagnostics, err = meter.Int64Counter(
		"inspect.diagnostics.total",
		metric.WithDescription("Diagnostics reported by runs, by stage"),
		metric.WithUnit("{diagnostic}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"inspect.run.duration.seconds",
		metric.WithDescription("Duration of one inspection run in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordRun(ctx context.Context, source string, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("answer_source", source),
		attribute.String("outcome", outcome),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}

func (m *metrics) recordDiagnostics(ctx context.Context, stage string, n int) {
	if n == 0 {
		return
	}
	m.diagnostics.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
}
