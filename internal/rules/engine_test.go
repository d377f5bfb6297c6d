package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

const fundSchema = `{
  "name": "fund",
  "fields": [
    {"name": "investment_scope"},
    {"name": "fund_name"},
    {"name": "custodian"},
    {"name": "issue", "sub_primary_key": ["amount"], "children": [{"name": "amount"}, {"name": "unit"}]}
  ]
}`

func mustSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(fundSchema), nil)
	require.NoError(t, err)
	return s
}

// buildTree mirrors s and fills leaves from values.
func buildTree(s *schema.Schema, values map[string][]answer.AnswerResult) *answer.Tree {
	var build func(f *schema.Field) *answer.Node
	build = func(f *schema.Field) *answer.Node {
		n := &answer.Node{Name: f.Name, Path: f.Path, Results: values[f.Path]}
		for _, c := range f.Children {
			n.Children = append(n.Children, build(c))
		}
		return n
	}
	return &answer.Tree{
		DocumentID: "doc-1",
		Schema:     s.Name,
		Checksum:   s.Checksum(),
		Source:     answer.SourcePreset,
		Root:       build(s.Root),
	}
}

func at(text string, page int, y float64) answer.AnswerResult {
	r := answer.NewResult(text)
	r.OrderKey = answer.Position{Page: page, Box: [4]float64{50, y, 100, y + 20}}
	return r
}

func exprRule(t *testing.T, id, label, expr string, fields ...string) Rule {
	t.Helper()
	e, err := CompileExpr(expr)
	require.NoError(t, err)
	return Rule{ID: id, Name: id, Label: label, Fields: fields, ReviewStatus: ReviewPassed, Predicate: e}
}

func evaluate(t *testing.T, e *Engine, tree *answer.Tree, s *schema.Schema, rs []Rule, labels ...string) *Output {
	t.Helper()
	out, err := e.Evaluate(context.Background(), Input{Tree: tree, Schema: s, Rules: rs, Labels: labels})
	require.NoError(t, err)
	return out
}

func TestEvaluate_InsufficientExtraction(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, nil)
	r := exprRule(t, "R1", "A", "!empty('investment_scope')", "investment_scope")
	r.Suggestion = "请核对{investment_scope}"

	out := evaluate(t, NewEngine(), tree, s, []Rule{r})

	require.Len(t, out.Results, 1)
	res := out.Results[0]
	assert.Equal(t, Ignore, res.Verdict)
	assert.Equal(t, "insufficient extraction: investment_scope", res.Reason())
	assert.False(t, res.Reasons[0].Matched)
	assert.Empty(t, res.Suggestion)
	assert.Empty(t, out.Diagnostics)
}

func TestEvaluate_EmptyDocumentIgnoresFieldRules(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, nil)
	rs := []Rule{
		exprRule(t, "R1", "A", "value('fund_name') == value('custodian')", "fund_name", "custodian"),
		{ID: "R2", Fields: []string{"issue"}, Predicate: Builtins()["unit_present"]},
	}

	out := evaluate(t, NewEngine(), tree, s, rs)

	require.Len(t, out.Results, 2)
	for _, res := range out.Results {
		assert.Equal(t, Ignore, res.Verdict, res.RuleID)
	}
}

func TestEvaluate_LabelFilter(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, map[string][]answer.AnswerResult{"fund_name": {at("华夏基金", 1, 20)}})
	rs := []Rule{
		exprRule(t, "A1", "A", "true", "fund_name"),
		exprRule(t, "B1", "B", "true", "fund_name"),
		exprRule(t, "B2", "B", "false", "fund_name"),
	}

	all := evaluate(t, NewEngine(), tree, s, rs)
	require.Len(t, all.Results, 3)

	only := evaluate(t, NewEngine(), tree, s, rs, "B")
	require.Len(t, only.Results, 2)
	assert.Equal(t, "B1", only.Results[0].RuleID)
	assert.Equal(t, "B2", only.Results[1].RuleID)
	assert.Equal(t, Compliant, only.Results[0].Verdict)
	assert.Equal(t, NonCompliant, only.Results[1].Verdict)
}

func TestEvaluate_ExprOutcomes(t *testing.T) {
	s := mustSchema(t)
	amount := at("5,000", 2, 100)
	amount.Normalized = "50000000"
	tree := buildTree(s, map[string][]answer.AnswerResult{
		"fund_name":    {at("华夏基金", 1, 20)},
		"issue.amount": {amount},
	})

	tests := []struct {
		name       string
		expr       string
		fields     []string
		verdict    Verdict
		reason     string
		matched    bool
		suggestion string
	}{
		{name: "true", expr: "value('fund_name') === '华夏基金'", fields: []string{"fund_name"}, verdict: Compliant, reason: "compliant", matched: true},
		{name: "false", expr: "values('fund_name').length > 1", fields: []string{"fund_name"}, verdict: NonCompliant, reason: "non-compliant"},
		{name: "null", expr: "null", fields: []string{"fund_name"}, verdict: Ignore, reason: "ignore"},
		{name: "undefined", expr: "undefined", fields: []string{"fund_name"}, verdict: Ignore, reason: "ignore"},
		{
			name:    "number",
			expr:    "number('issue.amount') > 1000000 ? {verdict: 'compliant', reason: '规模达标'} : false",
			fields:  []string{"issue.amount"},
			verdict: Compliant, reason: "规模达标", matched: true,
		},
		{
			name:       "object with suggestion",
			expr:       "({verdict: 'non-compliant', reason: '名称不符', suggestion: '请核对{fund_name}'})",
			fields:     []string{"fund_name", "custodian"},
			verdict:    NonCompliant,
			reason:     "名称不符",
			suggestion: "请核对华夏基金；请补充 custodian",
		},
		{
			name:    "object with null verdict",
			expr:    "({verdict: null, reason: '不适用'})",
			fields:  []string{"fund_name"},
			verdict: Ignore, reason: "不适用",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := evaluate(t, NewEngine(), tree, s, []Rule{exprRule(t, "R", "", tt.expr, tt.fields...)})
			require.Len(t, out.Results, 1)
			require.Empty(t, out.Diagnostics)
			res := out.Results[0]
			assert.Equal(t, tt.verdict, res.Verdict)
			assert.Equal(t, tt.reason, res.Reason())
			assert.Equal(t, tt.matched, res.Reasons[0].Matched)
			assert.Equal(t, tt.suggestion, res.Suggestion)
		})
	}
}

func TestEvaluate_RuleSuggestionTemplate(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, map[string][]answer.AnswerResult{"fund_name": {at("华夏基金", 1, 20)}})
	r := exprRule(t, "R", "", "false", "fund_name", "custodian")
	r.Suggestion = "{fund_name}的托管人{custodian}有误，{unknown}"

	out := evaluate(t, NewEngine(), tree, s, []Rule{r})

	assert.Equal(t, "华夏基金的托管人有误，{unknown}；请补充 custodian", out.Results[0].Suggestion)
}

func TestEvaluate_Crashes(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, map[string][]answer.AnswerResult{"fund_name": {at("华夏基金", 1, 20)}})

	tests := []struct {
		name    string
		rule    Rule
		message string
	}{
		{name: "undeclared path", rule: exprRule(t, "R", "", "empty('custodian')", "fund_name"), message: "undeclared path"},
		{name: "script error", rule: exprRule(t, "R", "", "nope()", "fund_name"), message: "nope"},
		{name: "bad return", rule: exprRule(t, "R", "", "42", "fund_name"), message: "expression returned"},
		{name: "bad verdict", rule: exprRule(t, "R", "", "({verdict: 'maybe'})", "fund_name"), message: "unknown verdict"},
		{
			name: "panic",
			rule: Rule{ID: "R", Fields: []string{"fund_name"}, Predicate: Func(func(context.Context, *Accessor) (Outcome, error) {
				panic("boom")
			})},
			message: "R panicked: boom",
		},
		{name: "no predicate", rule: Rule{ID: "R", Fields: []string{"fund_name"}}, message: "no predicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := exprRule(t, "N", "", "true", "fund_name")
			out := evaluate(t, NewEngine(), tree, s, []Rule{tt.rule, next})

			require.Len(t, out.Results, 2)
			crashed := out.Results[0]
			assert.Equal(t, NonCompliant, crashed.Verdict)
			assert.Equal(t, "rule-crashed", crashed.Reason())
			assert.Empty(t, crashed.Suggestion)
			assert.Equal(t, Compliant, out.Results[1].Verdict)

			require.Len(t, out.Diagnostics, 1)
			assert.Equal(t, KindRuleCrash, out.Diagnostics[0].Kind)
			assert.Contains(t, out.Diagnostics[0].Message, tt.message)
		})
	}
}

func TestEvaluate_UnresolvedPathDropsRule(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, nil)
	rs := []Rule{
		exprRule(t, "bad", "", "true", "fund_name", "no_such_field"),
		exprRule(t, "good", "", "true"),
	}

	out := evaluate(t, NewEngine(), tree, s, rs)

	require.Len(t, out.Results, 1)
	assert.Equal(t, "good", out.Results[0].RuleID)
	require.Len(t, out.Diagnostics, 1)
	assert.Equal(t, KindRulePathUnresolved, out.Diagnostics[0].Kind)
	assert.Equal(t, "bad", out.Diagnostics[0].RuleID)
	assert.Contains(t, out.Diagnostics[0].Message, "no_such_field")
}

func TestEvaluate_StrictReview(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, nil)
	draft := exprRule(t, "draft", "", "true")
	draft.ReviewStatus = "pending"
	rs := []Rule{draft, exprRule(t, "passed", "", "true")}

	assert.Len(t, evaluate(t, NewEngine(), tree, s, rs).Results, 2)

	strict := evaluate(t, NewEngine(WithStrictReview(true)), tree, s, rs)
	require.Len(t, strict.Results, 1)
	assert.Equal(t, "passed", strict.Results[0].RuleID)
}

func TestEvaluate_Timeout(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, map[string][]answer.AnswerResult{"fund_name": {at("华夏基金", 1, 20)}})
	r := exprRule(t, "loop", "", "(function() { while (true) {} })()", "fund_name")

	out := evaluate(t, NewEngine(WithTimeout(50*time.Millisecond)), tree, s, []Rule{r})

	require.Len(t, out.Results, 1)
	assert.Equal(t, "rule-crashed", out.Results[0].Reason())
	require.Len(t, out.Diagnostics, 1)
	assert.Contains(t, out.Diagnostics[0].Message, context.DeadlineExceeded.Error())
}

func TestEvaluate_Cancelled(t *testing.T) {
	s := mustSchema(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := NewEngine().Evaluate(ctx, Input{Tree: buildTree(s, nil), Schema: s, Rules: []Rule{exprRule(t, "R", "", "true")}})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)
}

func TestEvaluate_InvalidInput(t *testing.T) {
	_, err := NewEngine().Evaluate(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEvaluate_ResultShape(t *testing.T) {
	s := mustSchema(t)
	tree := buildTree(s, map[string][]answer.AnswerResult{
		"custodian":    {at("某银行", 3, 200)},
		"issue.amount": {at("5,000", 2, 100), at("3,000", 2, 140)},
		"issue.unit":   {at("万元", 2, 100)},
	})
	r := Rule{
		ID: "B1", Name: "单位", Label: "B", Origin: "第三章", Tip: "检查单位",
		Fields: []string{"fund_name", "issue", "custodian"}, Builtin: true,
		Predicate: Builtins()["required"],
	}

	out := evaluate(t, NewEngine(), tree, s, []Rule{r})
	again := evaluate(t, NewEngine(), tree, s, []Rule{r})
	assert.Equal(t, out, again)

	res := out.Results[0]
	assert.Equal(t, "doc-1", res.DocumentID)
	assert.Equal(t, "fund", res.Schema)
	assert.Equal(t, answer.SourcePreset, res.AnswerSource)
	assert.True(t, res.IsBuiltin)
	assert.Equal(t, "检查单位", res.Tip)
	assert.Equal(t, "第三章", res.Origin)
	assert.Equal(t, NonCompliant, res.Verdict)
	assert.Equal(t, "缺少 fund_name", res.Reason())

	require.Len(t, res.SchemaResults, 3)
	assert.True(t, res.SchemaResults[0].Empty())
	assert.Equal(t, "issue", res.SchemaResults[1].Name)
	assert.Equal(t, "5,000、3,000、万元", res.SchemaResults[1].Value)
	assert.Len(t, res.SchemaResults[1].Results, 3)
	assert.Equal(t, answer.Position{Page: 2, Box: [4]float64{50, 100, 100, 120}}, res.OrderKey)
}
