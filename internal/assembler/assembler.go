// Package assembler runs a schema's extractors over a document and seals the
// results into an AnswerTree.
//
// Extraction units (leaves outside tabular nodes, and tabular nodes) are
// visited in the schema's dependency order. Each unit walks its extractor
// chain until a config produces candidates, applies its pick strategy and, for
// tabular nodes, groups the candidates into rows keyed by the sub-primary-key.
// Problems inside a strategy never fail the run; they become Diagnostics.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

// ErrInvalidRequest is returned when a request lacks its view or schema.
var ErrInvalidRequest = errors.New("invalid assemble request")

// Strategies resolves extractor names. *extractor.Registry implements it.
type Strategies interface {
	Lookup(name string) (extractor.Strategy, error)
}

// Request is one (document, schema, answer-source) assembly.
type Request struct {
	View   *document.View
	Schema *schema.Schema
	Source answer.Source
}

// Result is a sealed tree plus the diagnostics collected on the way.
type Result struct {
	Tree        *answer.Tree
	Diagnostics []Diagnostic
}

// Assembler builds AnswerTrees. It holds no per-run state and is safe for
// concurrent use.
type Assembler struct {
	strategies Strategies
	model      extractor.Model
	patterns   extractor.PatternStore
	logger     *zap.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	metrics    *metrics
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithModel sets the model consulted by model_alternative configs.
func WithModel(m extractor.Model) Option {
	return func(a *Assembler) {
		if m != nil {
			a.model = m
		}
	}
}

// WithPatternStore sets the source of learned answer patterns. They are only
// consulted when assembling for the final answer source.
func WithPatternStore(p extractor.PatternStore) Option {
	return func(a *Assembler) { a.patterns = p }
}

// WithMeter overrides the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(a *Assembler) { a.meter = m }
}

// New creates an Assembler dispatching to strategies.
func New(strategies Strategies, opts ...Option) (*Assembler, error) {
	if strategies == nil {
		return nil, fmt.Errorf("strategies cannot be nil")
	}
	a := &Assembler{
		strategies: strategies,
		model:      extractor.NopModel{},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(a)
	}
	m, err := newMetrics(a.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	a.metrics = m
	return a, nil
}

// run is the mutable state of one assembly.
type run struct {
	req     Request
	nodes   map[string]*answer.Node
	deps    extractor.DependsMap
	learned map[string][]string
	diags   []Diagnostic
}

func (r *run) diagnose(kind DiagnosticKind, path, extractorName string, err error) {
	r.diags = append(r.diags, Diagnostic{Kind: kind, Path: path, Extractor: extractorName, Message: err.Error()})
}

// depsFor narrows the run's results to what a config declared.
func (r *run) depsFor(cfg schema.ExtractorConfig) extractor.DependsMap {
	out := make(extractor.DependsMap, len(cfg.Depends))
	for _, p := range cfg.Depends {
		if rs, ok := r.deps[p]; ok {
			out[p] = rs
		}
	}
	return out
}

// Assemble extracts every unit of the schema and returns the sealed tree. It
// fails only on an invalid request or a cancelled context; a cancelled run
// returns no tree.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	if req.View == nil || req.Schema == nil {
		return nil, ErrInvalidRequest
	}
	if req.Source == "" {
		req.Source = answer.SourcePreset
	}

	ctx, span := a.tracer.Start(ctx, "assembler.Assemble",
		trace.WithAttributes(
			attribute.String("document.id", req.View.Document().ID),
			attribute.String("schema.name", req.Schema.Name),
			attribute.String("answer.source", string(req.Source)),
		),
	)
	defer span.End()
	start := time.Now()

	root := skeleton(req.Schema.Root, "")
	r := &run{req: req, nodes: make(map[string]*answer.Node), deps: make(extractor.DependsMap)}
	indexNodes(root, r.nodes)
	if req.Source == answer.SourceFinal && a.patterns != nil {
		learned, err := a.patterns.Patterns(ctx, req.Schema.Name)
		if err != nil {
			r.diagnose(KindPatternsUnavailable, "", "", err)
		}
		r.learned = learned
	}

	for _, unit := range req.Schema.Units() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
		var filled bool
		if unit.IsTabular() {
			filled = a.assembleTable(r, unit)
		} else {
			filled = a.assembleLeaf(r, unit)
		}
		a.metrics.recordField(ctx, filled)
	}

	for _, d := range r.diags {
		a.metrics.recordDiagnostic(ctx, d.Kind)
		a.logger.Warn("extraction diagnostic",
			zap.String("kind", string(d.Kind)),
			zap.String("path", d.Path),
			zap.String("extractor", d.Extractor),
			zap.String("message", d.Message))
	}

	tree := &answer.Tree{
		DocumentID: req.View.Document().ID,
		Schema:     req.Schema.Name,
		Checksum:   req.Schema.Checksum(),
		Source:     req.Source,
		Root:       root,
	}

	elapsed := time.Since(start).Seconds()
	a.metrics.duration.Record(ctx, elapsed)
	span.SetAttributes(
		attribute.Int("diagnostics", len(r.diags)),
		attribute.Float64("duration_s", elapsed),
	)
	a.logger.Debug("answer tree assembled",
		zap.String("document_id", tree.DocumentID),
		zap.String("schema", tree.Schema),
		zap.Int("diagnostics", len(r.diags)))

	return &Result{Tree: tree, Diagnostics: r.diags}, nil
}

// skeleton builds an empty node tree mirroring f.
func skeleton(f *schema.Field, path string) *answer.Node {
	n := &answer.Node{Name: f.Name, Path: path}
	for _, c := range f.Children {
		n.Children = append(n.Children, skeleton(c, c.Path))
	}
	return n
}

func indexNodes(n *answer.Node, into map[string]*answer.Node) {
	into[n.Path] = n
	for _, c := range n.Children {
		indexNodes(c, into)
	}
}

// assembleLeaf fills a plain leaf and reports whether it got a value.
func (a *Assembler) assembleLeaf(r *run, f *schema.Field) bool {
	results := a.runChain(r, f)
	results = applyThreshold(results, f.LocationThreshold)
	answer.SortResults(results)
	if f.PickOrDefault() == schema.PickFirst && len(results) > 1 {
		results = results[:1]
	}
	r.nodes[f.Path].Results = results
	r.deps[f.Path] = results
	return len(results) > 0
}

// applyThreshold drops candidates scoring below a positive threshold.
func applyThreshold(results []answer.AnswerResult, threshold float64) []answer.AnswerResult {
	if threshold <= 0 {
		return results
	}
	var out []answer.AnswerResult
	for _, res := range results {
		if res.Score >= threshold {
			out = append(out, res)
		}
	}
	return out
}

// input builds the strategy input for one config of f.
func (a *Assembler) input(r *run, f *schema.Field, cfg schema.ExtractorConfig) *extractor.Input {
	in := &extractor.Input{
		View:   r.req.View,
		Field:  f,
		Config: cfg,
		Deps:   r.depsFor(cfg),
		Model:  a.model,
	}
	if ps := r.learned[f.Path]; len(ps) > 0 {
		in.Learned = append([]string(nil), ps...)
	}
	return in
}

func configLabel(cfg schema.ExtractorConfig, i int) string {
	return fmt.Sprintf("%s#%d", cfg.Name, i)
}

// runChain walks f's configs in order. A producing config's candidates pass
// through the score_filter configs right after it; the first non-empty
// outcome wins. A missing element skips the config, any other strategy error
// leaves the field empty.
func (a *Assembler) runChain(r *run, f *schema.Field) []answer.AnswerResult {
	cfgs := f.Extractors
	for i := 0; i < len(cfgs); i++ {
		cfg := cfgs[i]
		s, err := a.strategies.Lookup(cfg.Name)
		if err != nil {
			r.diagnose(KindExtractorFailure, f.Path, configLabel(cfg, i), err)
			return nil
		}
		if _, ok := s.(extractor.Filter); ok {
			continue
		}

		results, err := extractor.Run(s, a.input(r, f, cfg))
		if err != nil {
			kind := classify(err)
			r.diagnose(kind, f.Path, configLabel(cfg, i), err)
			if kind == KindExtractorFailure {
				return nil
			}
			continue
		}

		for i+1 < len(cfgs) {
			next, ok := a.filterAt(cfgs[i+1])
			if !ok {
				break
			}
			i++
			results = next.Apply(a.input(r, f, cfgs[i]), results)
		}
		if len(results) > 0 {
			return results
		}
	}
	return nil
}

// filterAt returns the Filter a config names, if it names one.
func (a *Assembler) filterAt(cfg schema.ExtractorConfig) (extractor.Filter, bool) {
	s, err := a.strategies.Lookup(cfg.Name)
	if err != nil {
		return nil, false
	}
	f, ok := s.(extractor.Filter)
	return f, ok
}
