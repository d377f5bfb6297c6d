// Package rules evaluates audit rules against an AnswerTree.
//
// A Rule names the schema paths it inspects and carries a Predicate. The
// Engine resolves those paths, hands the predicate an Accessor restricted to
// them and turns its Outcome into an AuditResult. Rule-level failures never
// abort an evaluation; they are reported as Diagnostics.
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
)

var (
	// ErrRulePathUnresolved is returned when a rule declares a path the
	// schema does not have.
	ErrRulePathUnresolved = errors.New("rule path unresolved")

	// ErrRuleCrash wraps a predicate error or panic.
	ErrRuleCrash = errors.New("rule crashed")

	// ErrUndeclaredPath is returned when a predicate reads a path its rule did
	// not declare.
	ErrUndeclaredPath = errors.New("undeclared path")

	// ErrInvalidRule is returned for malformed rule definitions.
	ErrInvalidRule = errors.New("invalid rule")
)

// Verdict is the compliance outcome of one rule.
type Verdict string

const (
	Compliant    Verdict = "compliant"
	NonCompliant Verdict = "non-compliant"
	Ignore       Verdict = "ignore"
)

// ParseVerdict accepts the three verdict names. Empty means ignore.
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case "", Ignore:
		return Ignore, nil
	case Compliant, NonCompliant:
		return Verdict(s), nil
	}
	return "", fmt.Errorf("%w: unknown verdict %q", ErrInvalidRule, s)
}

// ReviewPassed is the review status required in strict mode.
const ReviewPassed = "review-passed"

// Reason text used when a predicate fails.
const reasonCrashed = "rule-crashed"

// Outcome is what a predicate returns. An empty Verdict is treated as ignore.
type Outcome struct {
	Verdict    Verdict
	Reason     string
	Suggestion string
}

// Predicate decides a rule.
type Predicate interface {
	Evaluate(ctx context.Context, acc *Accessor) (Outcome, error)
}

// Func adapts a Go function to Predicate. Builtin rules use it.
type Func func(ctx context.Context, acc *Accessor) (Outcome, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, acc *Accessor) (Outcome, error) {
	return f(ctx, acc)
}

// Rule is one audit rule.
type Rule struct {
	ID           string
	Name         string
	Label        string
	Origin       string
	Fields       []string
	ReviewStatus string
	Tip          string
	Builtin      bool

	// Suggestion is the template used when the predicate returns none.
	Suggestion string
	Predicate  Predicate
}

// Reason is one reason record of an AuditResult.
type Reason struct {
	Text    string `json:"text"`
	Matched bool   `json:"matched"`
}

// SchemaResult is the extracted value of one inspected field.
type SchemaResult struct {
	Path    string                `json:"path"`
	Name    string                `json:"name"`
	Value   string                `json:"value"`
	Results []answer.AnswerResult `json:"results,omitempty"`
}

// Empty reports whether the field has no extracted value.
func (s SchemaResult) Empty() bool { return len(s.Results) == 0 }

// AuditResult is one rule's verdict for a (document, schema, answer-source).
type AuditResult struct {
	DocumentID    string          `json:"document_id"`
	Schema        string          `json:"schema"`
	RuleID        string          `json:"rule_id"`
	RuleName      string          `json:"rule_name"`
	Label         string          `json:"label,omitempty"`
	Verdict       Verdict         `json:"verdict"`
	SchemaResults []SchemaResult  `json:"schema_results"`
	Reasons       []Reason        `json:"reasons"`
	Suggestion    string          `json:"suggestion,omitempty"`
	OrderKey      answer.Position `json:"order_key"`
	AnswerSource  answer.Source   `json:"answer_source"`
	IsBuiltin     bool            `json:"is_builtin"`
	Tip           string          `json:"tip,omitempty"`
	Origin        string          `json:"origin,omitempty"`
}

// Reason returns the text of the first reason record.
func (r AuditResult) Reason() string {
	if len(r.Reasons) == 0 {
		return ""
	}
	return r.Reasons[0].Text
}

// DiagnosticKind classifies a rule-level problem.
type DiagnosticKind string

const (
	KindRulePathUnresolved DiagnosticKind = "RulePathUnresolved"
	KindRuleCrash          DiagnosticKind = "RuleCrash"
)

// Diagnostic records one rule-level problem.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	RuleID  string         `json:"rule_id"`
	Message string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s: %s", d.Kind, d.RuleID, d.Message)
}
