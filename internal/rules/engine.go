package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

// ErrInvalidInput is returned when an evaluation lacks its tree or schema.
var ErrInvalidInput = errors.New("invalid rule evaluation input")

const (
	suggestionSeparator = "；"
	supplementPrefix    = "请补充 "
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Input is one evaluation: a tree, the schema it was built from, the rule set
// and an optional label filter.
type Input struct {
	Tree   *answer.Tree
	Schema *schema.Schema
	Rules  []Rule
	Labels []string
}

// Output holds results in rule order and the diagnostics of dropped or
// crashed rules.
type Output struct {
	Results     []AuditResult
	Diagnostics []Diagnostic
}

// Engine evaluates rule sets. It is stateless and safe for concurrent use.
type Engine struct {
	strict  bool
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrictReview restricts evaluation to rules whose review status is
// review-passed.
func WithStrictReview(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithTimeout bounds a single predicate evaluation.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every selected rule against the tree. Only a cancelled
// context fails the evaluation, and then no results are returned.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Output, error) {
	if in.Tree == nil || in.Schema == nil {
		return nil, ErrInvalidInput
	}

	labels := make(map[string]bool, len(in.Labels))
	for _, l := range in.Labels {
		labels[l] = true
	}

	out := &Output{}
	for _, r := range in.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.strict && r.ReviewStatus != ReviewPassed {
			e.logger.Debug("rule skipped: not review-passed", zap.String("rule", r.ID))
			continue
		}
		if len(labels) > 0 && !labels[r.Label] {
			continue
		}

		fields, err := gather(in.Tree, in.Schema, r.Fields)
		if err != nil {
			out.diagnose(KindRulePathUnresolved, r.ID, err)
			e.logger.Warn("rule dropped", zap.String("rule", r.ID), zap.Error(err))
			continue
		}

		res, err := e.evaluate(ctx, in.Tree, r, fields)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			out.diagnose(KindRuleCrash, r.ID, err)
			e.logger.Warn("rule crashed", zap.String("rule", r.ID), zap.Error(err))
		}
		VerdictsTotal.WithLabelValues(string(res.Verdict)).Inc()
		out.Results = append(out.Results, res)
	}
	return out, nil
}

func (o *Output) diagnose(kind DiagnosticKind, ruleID string, err error) {
	DiagnosticsTotal.WithLabelValues(string(kind)).Inc()
	o.Diagnostics = append(o.Diagnostics, Diagnostic{Kind: kind, RuleID: ruleID, Message: err.Error()})
}

// gather resolves the declared paths and copies their results. A path naming
// an inner node collects every leaf below it.
func gather(tree *answer.Tree, s *schema.Schema, paths []string) ([]SchemaResult, error) {
	fields := make([]SchemaResult, 0, len(paths))
	for _, p := range paths {
		f, err := s.Lookup(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRulePathUnresolved, err)
		}
		sr := SchemaResult{Path: p, Name: f.Name}
		if n := tree.Find(p); n != nil {
			collect(n, &sr.Results)
		}
		sr.Value = joinTexts(sr.Results)
		fields = append(fields, sr)
	}
	return fields, nil
}

func collect(n *answer.Node, into *[]answer.AnswerResult) {
	if n.IsLeaf() {
		*into = append(*into, n.Results...)
		return
	}
	for _, c := range n.Children {
		collect(c, into)
	}
}

// evaluate builds the AuditResult of one rule. A returned error means the
// predicate crashed; the result is still valid.
func (e *Engine) evaluate(ctx context.Context, tree *answer.Tree, r Rule, fields []SchemaResult) (AuditResult, error) {
	res := AuditResult{
		DocumentID:    tree.DocumentID,
		Schema:        tree.Schema,
		RuleID:        r.ID,
		RuleName:      r.Name,
		Label:         r.Label,
		SchemaResults: fields,
		OrderKey:      orderKey(fields),
		AnswerSource:  tree.Source,
		IsBuiltin:     r.Builtin,
		Tip:           r.Tip,
		Origin:        r.Origin,
	}

	if empty := emptyPaths(fields); len(fields) > 0 && len(empty) == len(fields) {
		res.Verdict = Ignore
		res.Reasons = []Reason{{Text: "insufficient extraction: " + strings.Join(empty, ", ")}}
		return res, nil
	}

	outcome, err := e.invoke(ctx, r, newAccessor(tree.Source, fields))
	if err != nil {
		res.Verdict = NonCompliant
		res.Reasons = []Reason{{Text: reasonCrashed}}
		return res, err
	}

	res.Verdict = outcome.Verdict
	if res.Verdict == "" {
		res.Verdict = Ignore
	}
	reason := outcome.Reason
	if reason == "" {
		reason = string(res.Verdict)
	}
	res.Reasons = []Reason{{Text: reason, Matched: res.Verdict == Compliant}}

	if res.Verdict == NonCompliant {
		tmpl := outcome.Suggestion
		if tmpl == "" {
			tmpl = r.Suggestion
		}
		res.Suggestion = formatSuggestion(tmpl, fields)
	}
	return res, nil
}

func (e *Engine) invoke(ctx context.Context, r Rule, acc *Accessor) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = Outcome{}, fmt.Errorf("%w: %s panicked: %v", ErrRuleCrash, r.ID, p)
		}
	}()
	if r.Predicate == nil {
		return Outcome{}, fmt.Errorf("%w: %s has no predicate", ErrRuleCrash, r.ID)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err = r.Predicate.Evaluate(ctx, acc)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrRuleCrash, r.ID, err)
	}
	if _, perr := ParseVerdict(string(out.Verdict)); perr != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrRuleCrash, r.ID, perr)
	}
	return out, nil
}

func emptyPaths(fields []SchemaResult) []string {
	var out []string
	for _, f := range fields {
		if f.Empty() {
			out = append(out, f.Path)
		}
	}
	return out
}

func orderKey(fields []SchemaResult) answer.Position {
	for _, f := range fields {
		if len(f.Results) > 0 {
			return f.Results[0].OrderKey
		}
	}
	return answer.Position{}
}

// formatSuggestion substitutes {field} placeholders by path or field name and
// appends a supplement request for every empty field. An empty template
// yields no suggestion.
func formatSuggestion(tmpl string, fields []SchemaResult) string {
	if tmpl == "" {
		return ""
	}
	values := make(map[string]string, 2*len(fields))
	for _, f := range fields {
		values[f.Path] = f.Value
		if _, ok := values[f.Name]; !ok {
			values[f.Name] = f.Value
		}
	}
	text := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})

	parts := []string{text}
	for _, f := range fields {
		if f.Empty() {
			parts = append(parts, supplementPrefix+f.Name)
		}
	}
	return strings.Join(parts, suggestionSeparator)
}
