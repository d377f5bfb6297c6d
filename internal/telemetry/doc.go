// Package telemetry wires OpenTelemetry tracing and metrics for the inspector.
//
// Inspection runs and the answer assembler record spans and instruments
// through the global otel providers. New installs SDK providers exporting
// over OTLP (gRPC or HTTP) when telemetry is enabled; otherwise the globals
// stay no-op.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
//
// Telemetry failures never fail a run: the instance degrades and reports it
// through Health.
package telemetry
