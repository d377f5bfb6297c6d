// Package logging provides structured logging for the inspector.
//
// It wraps Zap with:
//   - a Trace level below Debug
//   - automatic context fields (trace_id, span_id, run.id, document.id, schema.name)
//   - redaction of credentials such as DSN passwords
//   - level-aware sampling (errors are never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithDocumentID(ctx, "doc-1")
//	logger.Info(ctx, "run committed", zap.Int64("version", v))
//
// Components below the service layer take a plain *zap.Logger; pass
// logger.Underlying() to them.
package logging
