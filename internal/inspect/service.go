// Package inspect runs inspections: it assembles (or loads) the answer tree of
// a (document, schema, answer-source) triple, evaluates the schema's rules
// against it and commits both atomically.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/assembler"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/logging"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
	"github.com/xiaowucn/scriber-inspector/internal/store"
	"github.com/xiaowucn/scriber-inspector/internal/telemetry"
)

var (
	// ErrInvalidRequest is returned for a request missing its document or
	// schema, or naming an unknown answer source.
	ErrInvalidRequest = errors.New("invalid inspection request")

	// ErrInvalidAnswer is returned by RecordFinal for a tree that does not
	// fit its schema or document.
	ErrInvalidAnswer = errors.New("invalid answer tree")
)

// SchemaLoader resolves schemas by name. *schema.Registry implements it.
type SchemaLoader interface {
	Load(ctx context.Context, name string) (*schema.Schema, error)
}

// Assembler builds preset answer trees. *assembler.Assembler implements it.
type Assembler interface {
	Assemble(ctx context.Context, req assembler.Request) (*assembler.Result, error)
}

// Evaluator evaluates rules. *rules.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, in rules.Input) (*rules.Output, error)
}

// Config controls the service.
type Config struct {
	Workers    int           // Parallel runs in RunMany
	RunTimeout time.Duration // Zero means unbounded
}

// Deps are the collaborators of a Service. Patterns defaults to Store.
type Deps struct {
	Schemas   SchemaLoader
	Documents *DocumentCache
	Assembler Assembler
	Rules     rules.Source
	Engine    Evaluator
	Store     store.Store
	Patterns  extractor.PatternStore
}

func (d Deps) validate() error {
	switch {
	case d.Schemas == nil:
		return errors.New("schema loader is required")
	case d.Documents == nil:
		return errors.New("document cache is required")
	case d.Assembler == nil:
		return errors.New("assembler is required")
	case d.Rules == nil:
		return errors.New("rule source is required")
	case d.Engine == nil:
		return errors.New("rule engine is required")
	case d.Store == nil:
		return errors.New("store is required")
	}
	return nil
}

// Request names one run.
type Request struct {
	DocumentID string
	Schema     string
	Source     answer.Source // Defaults to preset
	Labels     []string      // Evaluate only rules with these labels
}

func (r *Request) normalize() error {
	if r.DocumentID == "" || r.Schema == "" {
		return fmt.Errorf("%w: document id and schema are required", ErrInvalidRequest)
	}
	if r.Source == "" {
		r.Source = answer.SourcePreset
	}
	if _, err := answer.ParseSource(string(r.Source)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func (r Request) key() store.Key {
	return store.Key{DocumentID: r.DocumentID, Schema: r.Schema, Source: r.Source}
}

// Report is the outcome of a committed run. Results are this run's
// evaluations; with labels, the store also keeps earlier out-of-scope results.
type Report struct {
	RunID                 string
	Key                   store.Key
	Tree                  *answer.Tree
	Results               []rules.AuditResult
	ExtractionDiagnostics []assembler.Diagnostic
	RuleDiagnostics       []rules.Diagnostic
	Version               int64
}

// Service runs inspections. It is safe for concurrent use; runs on the same
// triple are serialized.
type Service struct {
	cfg     Config
	deps    Deps
	logger  *logging.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *metrics
	locks   *keyLocks
}

// Option configures a Service.
type Option func(*Service)

// WithTelemetry records spans and metrics through tel instead of the global
// providers.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.tracer = tel.Tracer(instrumentationName)
		s.meter = tel.Meter(instrumentationName)
	}
}

// NewService creates a Service.
func NewService(cfg Config, deps Deps, logger *logging.Logger, opts ...Option) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if deps.Patterns == nil {
		deps.Patterns = deps.Store
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("inspect"),
		tracer: otel.Tracer(instrumentationName),
		locks:  newKeyLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	m, err := newMetrics(s.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	s.metrics = m
	return s, nil
}

// Run inspects one triple. A failed or cancelled run commits nothing.
func (s *Service) Run(ctx context.Context, req Request) (*Report, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithDocumentID(ctx, req.DocumentID)
	ctx = logging.WithSchemaName(ctx, req.Schema)

	ctx, span := s.tracer.Start(ctx, "inspect.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("document.id", req.DocumentID),
		attribute.String("schema.name", req.Schema),
		attribute.String("answer_source", string(req.Source)),
	))
	defer span.End()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	report, err := s.run(ctx, runID, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.recordRun(ctx, string(req.Source), outcome, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn(ctx, "inspection run failed", zap.Error(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("results", len(report.Results)),
		attribute.Int64("version", report.Version),
	)
	s.logger.Info(ctx, "inspection run committed",
		zap.Int("results", len(report.Results)),
		zap.Int("extraction_diagnostics", len(report.ExtractionDiagnostics)),
		zap.Int("rule_diagnostics", len(report.RuleDiagnostics)),
		zap.Int64("version", report.Version),
	)
	return report, nil
}

func (s *Service) run(ctx context.Context, runID string, req Request) (*Report, error) {
	key := req.key()
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	expected, err := s.deps.Store.Version(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read version of %s: %w", key, err)
	}
	sch, err := s.deps.Schemas.Load(ctx, req.Schema)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	report := &Report{RunID: runID, Key: key}
	if req.Source == answer.SourceFinal {
		report.Tree, err = s.recordedFinal(ctx, key, sch)
		if err != nil {
			return nil, err
		}
	}
	if report.Tree == nil {
		view, err := s.deps.Documents.View(ctx, req.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("fetch document: %w", err)
		}
		res, err := s.deps.Assembler.Assemble(ctx, assembler.Request{View: view, Schema: sch, Source: req.Source})
		if err != nil {
			return nil, fmt.Errorf("assemble: %w", err)
		}
		report.Tree = res.Tree
		report.ExtractionDiagnostics = res.Diagnostics
		s.metrics.recordDiagnostics(ctx, "extraction", len(res.Diagnostics))
	}

	ruleSet, err := s.deps.Rules.Rules(ctx, sch.Name)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	out, err := s.deps.Engine.Evaluate(ctx, rules.Input{
		Tree:   report.Tree,
		Schema: sch,
		Rules:  ruleSet,
		Labels: req.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}
	report.Results = out.Results
	report.RuleDiagnostics = out.Diagnostics
	s.metrics.recordDiagnostics(ctx, "rules", len(out.Diagnostics))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report.Version, err = s.commit(ctx, store.Commit{
		Key:             key,
		Tree:            report.Tree,
		Results:         out.Results,
		Labels:          req.Labels,
		ReplaceResults:  len(ruleSet) > 0,
		ExpectedVersion: expected,
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// recordedFinal returns the final tree stored for key, or nil when none was
// recorded yet. Final runs without one extract with the learned patterns.
func (s *Service) recordedFinal(ctx context.Context, key store.Key, sch *schema.Schema) (*answer.Tree, error) {
	tree, err := s.deps.Store.LoadTree(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug(ctx, "no final answer recorded, extracting with learned patterns")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load final answer: %w", err)
	}
	if tree.Checksum != sch.Checksum() {
		s.logger.Warn(ctx, "final answer was recorded against another schema version",
			zap.String("tree_checksum", tree.Checksum),
			zap.String("schema_checksum", sch.Checksum()))
	}
	return tree, nil
}

// commit writes c, re-reading the version and retrying once if another
// writer committed in between.
func (s *Service) commit(ctx context.Context, c store.Commit) (int64, error) {
	version, err := s.deps.Store.Commit(ctx, c)
	if !errors.Is(err, store.ErrPersistenceConflict) {
		return version, err
	}

	s.metrics.conflicts.Add(ctx, 1)
	s.logger.Warn(ctx, "commit conflicted, retrying",
		zap.Int64("expected_version", c.ExpectedVersion))
	if c.ExpectedVersion, err = s.deps.Store.Version(ctx, c.Key); err != nil {
		return 0, fmt.Errorf("read version of %s: %w", c.Key, err)
	}
	return s.deps.Store.Commit(ctx, c)
}

// RunMany runs reqs with at most Config.Workers in flight. Reports keep the
// order of reqs; a failed run leaves a nil report and contributes to the
// joined error.
func (s *Service) RunMany(ctx context.Context, reqs []Request) ([]*Report, error) {
	reports := make([]*Report, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			report, err := s.Run(ctx, req)
			if err != nil {
				errs[i] = fmt.Errorf("%s/%s: %w", req.DocumentID, req.Schema, err)
				return nil
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// RecordFinal stores a user-validated tree as the final answer of its
// document and schema, keeping existing final results, and learns answer
// patterns from it.
func (s *Service) RecordFinal(ctx context.Context, tree *answer.Tree) (int64, error) {
	if tree == nil || tree.Root == nil || tree.DocumentID == "" || tree.Schema == "" {
		return 0, fmt.Errorf("%w: tree needs a document, a schema and a root", ErrInvalidAnswer)
	}
	final := *tree
	final.Source = answer.SourceFinal
	key := store.KeyOf(&final)
	ctx = logging.WithDocumentID(ctx, key.DocumentID)
	ctx = logging.WithSchemaName(ctx, key.Schema)

	ctx, span := s.tracer.Start(ctx, "inspect.RecordFinal", trace.WithAttributes(
		attribute.String("document.id", key.DocumentID),
		attribute.String("schema.name", key.Schema),
	))
	defer span.End()

	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	sch, err := s.deps.Schemas.Load(ctx, key.Schema)
	if err != nil {
		return 0, fmt.Errorf("load schema: %w", err)
	}
	for _, p := range final.Paths() {
		if _, err := sch.Resolve(p); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidAnswer, err)
		}
	}
	view, err := s.deps.Documents.View(ctx, key.DocumentID)
	if err != nil {
		return 0, fmt.Errorf("fetch document: %w", err)
	}
	if err := final.CheckAnchors(view); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAnswer, err)
	}

	expected, err := s.deps.Store.Version(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read version of %s: %w", key, err)
	}
	version, err := s.commit(ctx, store.Commit{Key: key, Tree: &final, ExpectedVersion: expected})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	// The final tree is committed either way; a pattern write failure only
	// costs future final extractions.
	learned := extractor.LearnPatterns(view, &final)
	if err := s.deps.Patterns.Learn(ctx, key.Schema, learned); err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "failed to store learned answer patterns", zap.Error(err))
	} else {
		s.logger.Debug(ctx, "learned answer patterns", zap.Int("fields", len(learned)))
	}
	s.logger.Info(ctx, "final answer recorded", zap.Int64("version", version))
	return version, nil
}
