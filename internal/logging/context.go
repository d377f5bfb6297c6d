package logging

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := DocumentIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("document.id", id))
	}
	if name := SchemaNameFromContext(ctx); name != "" {
		fields = append(fields, zap.String("schema.name", name))
	}
	return fields
}

type runCtxKey struct{}
type documentCtxKey struct{}
type schemaCtxKey struct{}

const maxIDLen = 128

// sanitizeID truncates ids to maxIDLen runes and rejects invalid UTF-8.
func sanitizeID(id string) string {
	if !utf8.ValidString(id) {
		return ""
	}
	if utf8.RuneCountInString(id) > maxIDLen {
		return string([]rune(id)[:maxIDLen])
	}
	return id
}

func withID(ctx context.Context, key any, id string) context.Context {
	if id = sanitizeID(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithRunID adds the run id to ctx.
func WithRunID(ctx context.Context, id string) context.Context { return withID(ctx, runCtxKey{}, id) }

// RunIDFromContext returns the run id, or "".
func RunIDFromContext(ctx context.Context) string { return idFrom(ctx, runCtxKey{}) }

// WithDocumentID adds the document id to ctx.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return withID(ctx, documentCtxKey{}, id)
}

// DocumentIDFromContext returns the document id, or "".
func DocumentIDFromContext(ctx context.Context) string { return idFrom(ctx, documentCtxKey{}) }

// WithSchemaName adds the schema name to ctx.
func WithSchemaName(ctx context.Context, name string) context.Context {
	return withID(ctx, schemaCtxKey{}, name)
}

// SchemaNameFromContext returns the schema name, or "".
func SchemaNameFromContext(ctx context.Context) string { return idFrom(ctx, schemaCtxKey{}) }

type loggerCtxKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
