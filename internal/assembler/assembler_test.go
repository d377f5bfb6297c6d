package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

// fakeStrategy is a configurable strategy that counts its calls.
type fakeStrategy struct {
	name    string
	calls   int
	results []answer.AnswerResult
	err     error
	panics  bool
}

func (f *fakeStrategy) Name() string                        { return f.name }
func (f *fakeStrategy) Decode(json.RawMessage) (any, error) { return nil, nil }

func (f *fakeStrategy) Extract(*extractor.Input) ([]answer.AnswerResult, error) {
	f.calls++
	if f.panics {
		panic("strategy exploded")
	}
	return f.results, f.err
}

type fixture struct {
	registry *extractor.Registry
	fakes    map[string]*fakeStrategy
}

func newFixture(t *testing.T, fakes ...*fakeStrategy) *fixture {
	t.Helper()
	fx := &fixture{registry: extractor.NewDefaultRegistry(), fakes: make(map[string]*fakeStrategy)}
	for _, f := range fakes {
		require.NoError(t, fx.registry.Register(f))
		fx.fakes[f.name] = f
	}
	return fx
}

func (fx *fixture) schema(t *testing.T, fields string) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(`{"name":"fund","version":"1","fields":[`+fields+`]}`), fx.registry)
	require.NoError(t, err)
	return s
}

func (fx *fixture) assemble(t *testing.T, doc *document.Document, s *schema.Schema) *Result {
	t.Helper()
	view, err := document.NewView(doc)
	require.NoError(t, err)
	a, err := New(fx.registry, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	res, err := a.Assemble(context.Background(), Request{View: view, Schema: s})
	require.NoError(t, err)
	require.NoError(t, res.Tree.CheckAnchors(view))
	assert.Equal(t, s.LeafPaths(), res.Tree.Paths())
	return res
}

func texts(rs []answer.AnswerResult) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.Text)
	}
	return out
}

func TestAssemble_RegexWinsOverFallback(t *testing.T) {
	fallback := &fakeStrategy{name: "fallback", results: []answer.AnswerResult{answer.NewResult("unknown")}}
	fx := newFixture(t, fallback)
	s := fx.schema(t, `{"name":"fund_name","extractors":[
		{"name":"partial_text","regs":["名称[:：](?P<dst>.*)"]},
		{"name":"fallback"}]}`)

	b := document.NewBuilder("doc-1")
	b.Paragraph(0, "基金合同")
	b.Paragraph(0, "名称：华夏基金")
	res := fx.assemble(t, b.Build(), s)

	assert.Equal(t, []string{"华夏基金"}, texts(res.Tree.Results("fund_name")))
	assert.Equal(t, 0, fallback.calls)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, answer.SourcePreset, res.Tree.Source)
	assert.Equal(t, s.Checksum(), res.Tree.Checksum)
	assert.Equal(t, "doc-1", res.Tree.DocumentID)

	b = document.NewBuilder("doc-2")
	b.Paragraph(0, "无关内容")
	res = fx.assemble(t, b.Build(), s)
	assert.Equal(t, []string{"unknown"}, texts(res.Tree.Results("fund_name")))
	assert.Equal(t, 1, fallback.calls)
}

func TestAssemble_HeadingAnchoredRange(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"investment_scope","extractors":[
		{"name":"middle_paras","top_anchor_regs":["投资范围"],"bottom_anchor_regs":["投资策略"]}]}`)

	b := document.NewBuilder("doc-3")
	b.Paragraph(0, "前言")
	b.Paragraph(0, "释义")
	b.Paragraph(0, "基金名称：华夏基金")
	b.Paragraph(0, "投资范围")
	b.Paragraph(0, "本基金投资于股票。")
	b.Paragraph(0, "投资策略")
	b.Paragraph(0, "长期持有")
	res := fx.assemble(t, b.Build(), s)

	results := res.Tree.Results("investment_scope")
	require.Len(t, results, 1)
	assert.Equal(t, "本基金投资于股票。", results[0].Text)
	require.Len(t, results[0].Elements, 1)
	assert.Equal(t, 4, results[0].Elements[0].ElementIndex)
}

func TestAssemble_TableKVWithUnitDepend(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"issue","sub_primary_key":["amount"],"unit_depend":{"amount":"unit"},
		"extractors":[{"name":"table_kv","feature_white_list":["发行金额"]}],
		"children":[{"name":"amount"},{"name":"unit"}]}`)

	b := document.NewBuilder("doc-4")
	b.Table(0, [][]string{
		{"项目", "金额", "单位"},
		{"发行金额", "5,000", "万元"},
	})
	res := fx.assemble(t, b.Build(), s)

	node := res.Tree.Find("issue")
	require.NotNil(t, node)
	require.Len(t, node.Groups, 1)
	assert.Equal(t, "5,000", node.Groups[0].Key)

	amount := res.Tree.Results("issue.amount")
	require.Len(t, amount, 1)
	assert.Equal(t, "5,000", amount[0].Text)
	assert.Equal(t, "万元", amount[0].Unit)
	assert.Equal(t, "CNY", amount[0].Currency)
	assert.Equal(t, "50000000", amount[0].Normalized)
	assert.Equal(t, "5,000", amount[0].GroupKey)
	assert.Equal(t, []string{"万元"}, texts(res.Tree.Results("issue.unit")))
}

func directorsDoc() *document.Document {
	b := document.NewBuilder("doc-5")
	b.Paragraph(0, "董事会成员")
	b.Table(0, [][]string{
		{"姓名", "职务"},
		{"张三", "董事长"},
		{"李四", "董事"},
		{"张三", "独立董事"},
	})
	return b.Build()
}

const directorsField = `{"name":"directors","sub_primary_key":["name"],
	"extractors":[{"name":"table_row","multi":true,"columns":{"name":"姓名","role":"职务"}}],
	"children":[{"name":"name"},{"name":"role"}]}`

func TestAssemble_SubPrimaryKeyGrouping(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, directorsField)
	res := fx.assemble(t, directorsDoc(), s)

	node := res.Tree.Find("directors")
	require.NotNil(t, node)
	rows := node.Rows()
	require.Len(t, rows, 2)

	assert.Equal(t, "张三", rows[0].Key)
	assert.Equal(t, []string{"张三"}, texts(rows[0].Values["name"]))
	assert.Equal(t, []string{"董事长"}, texts(rows[0].Values["role"]))

	assert.Equal(t, "李四", rows[1].Key)
	assert.Equal(t, []string{"董事"}, texts(rows[1].Values["role"]))
	assert.True(t, rows[0].OrderKey.Less(rows[1].OrderKey))

	seen := make(map[string]bool)
	for _, g := range node.Groups {
		assert.False(t, seen[g.Key], "duplicate group %s", g.Key)
		seen[g.Key] = true
	}
}

func TestAssemble_SiblingDependencyInsideTable(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"directors","sub_primary_key":["name"],"children":[
		{"name":"role","extractors":[{"name":"partial_text","depends":["directors.name"],"multi_elements":true,
			"regs":["{{directors.name}}担任(?P<dst>.+?)。"]}]},
		{"name":"name","extractors":[{"name":"partial_text","multi_elements":true,"regs":["^董事(?P<dst>[^担]+)担任"]}]}]}`)

	b := document.NewBuilder("doc-14")
	b.Paragraph(0, "董事张三担任董事长。")
	b.Paragraph(0, "董事李四担任监事。")
	res := fx.assemble(t, b.Build(), s)
	assert.Empty(t, res.Diagnostics)

	rows := res.Tree.Find("directors").Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "张三", rows[0].Key)
	assert.Equal(t, []string{"董事长"}, texts(rows[0].Values["role"]))
	assert.Equal(t, "李四", rows[1].Key)
	assert.Equal(t, []string{"监事"}, texts(rows[1].Values["role"]))
}

func TestAssemble_RowWithoutKeyIsDiagnosed(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"directors","sub_primary_key":["name"],"children":[
		{"name":"name","extractors":[{"name":"partial_text","regs":["姓名[:：](?P<dst>.+)"]}]},
		{"name":"role","extractors":[{"name":"partial_text","regs":["职务[:：](?P<dst>.+)"]}]}]}`)

	b := document.NewBuilder("doc-15")
	b.Paragraph(0, "职务：董事长")
	res := fx.assemble(t, b.Build(), s)

	assert.Empty(t, res.Tree.Find("directors").Groups)
	assert.Empty(t, res.Tree.Results("directors.role"))
	require.Len(t, res.Diagnostics, 1)
	d := res.Diagnostics[0]
	assert.Equal(t, KindEmptyRowKey, d.Kind)
	assert.Equal(t, "directors", d.Path)
	assert.Contains(t, d.Message, "no value for name")
	assert.Contains(t, d.Message, "values for role lost")
}

func TestAssemble_TabularPickFirst(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"directors","sub_primary_key":["name"],"pick":"first",
		"extractors":[{"name":"table_row","multi":true,"columns":{"name":"姓名","role":"职务"}}],
		"children":[{"name":"name"},{"name":"role"}]}`)
	res := fx.assemble(t, directorsDoc(), s)

	require.Len(t, res.Tree.Find("directors").Groups, 1)
	assert.Equal(t, []string{"张三"}, texts(res.Tree.Results("directors.name")))
}

func TestAssemble_ChildAlignment(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"directors","sub_primary_key":["name"],"children":[
		{"name":"name","extractors":[{"name":"partial_text","multi_elements":true,"regs":["董事[:：](?P<dst>.+)"]}]},
		{"name":"role","extractors":[{"name":"partial_text","multi_elements":true,"regs":["职务[:：](?P<dst>.+)"]}]}]}`)

	b := document.NewBuilder("doc-6")
	b.Paragraph(0, "董事：张三")
	b.Paragraph(0, "职务：董事长")
	b.Paragraph(0, "简历略")
	b.Paragraph(0, "简历略")
	b.Paragraph(0, "董事：李四")
	b.Paragraph(0, "职务：董事")
	res := fx.assemble(t, b.Build(), s)

	rows := res.Tree.Find("directors").Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"董事长"}, texts(rows[0].Values["role"]))
	assert.Equal(t, []string{"董事"}, texts(rows[1].Values["role"]))
}

func TestAssemble_Idempotent(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"fund_name","extractors":[{"name":"partial_text","regs":["名称[:：](?P<dst>.*)"]}]},`+directorsField)

	doc := directorsDoc()
	first, err := fx.assemble(t, doc, s).Tree.Marshal()
	require.NoError(t, err)
	second, err := fx.assemble(t, doc, s).Tree.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	parsed, err := answer.Parse(first)
	require.NoError(t, err)
	again, err := parsed.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(again))
}

func TestAssemble_ExtractorOrdering(t *testing.T) {
	a := &fakeStrategy{name: "a", results: []answer.AnswerResult{answer.NewResult("from-a")}}
	b := &fakeStrategy{name: "b", results: []answer.AnswerResult{answer.NewResult("from-b")}}
	c := &fakeStrategy{name: "c", results: []answer.AnswerResult{answer.NewResult("from-c")}}
	fx := newFixture(t, a, b, c)
	s := fx.schema(t, `{"name":"f","extractors":[{"name":"a"},{"name":"b"},{"name":"c"}]}`)

	res := fx.assemble(t, document.NewBuilder("doc-7").Build(), s)
	assert.Equal(t, []string{"from-a"}, texts(res.Tree.Results("f")))
	assert.Equal(t, 0, b.calls)
	assert.Equal(t, 0, c.calls)
}

func TestAssemble_PickAll(t *testing.T) {
	many := &fakeStrategy{name: "many", results: []answer.AnswerResult{answer.NewResult("x"), answer.NewResult("y")}}
	fx := newFixture(t, many)

	res := fx.assemble(t, document.NewBuilder("doc-8").Build(), fx.schema(t, `{"name":"f","extractors":[{"name":"many"}]}`))
	assert.Equal(t, []string{"x"}, texts(res.Tree.Results("f")))

	res = fx.assemble(t, document.NewBuilder("doc-8").Build(), fx.schema(t, `{"name":"f","pick":"all","extractors":[{"name":"many"}]}`))
	assert.Equal(t, []string{"x", "y"}, texts(res.Tree.Results("f")))
}

func TestAssemble_ScoreFilterChain(t *testing.T) {
	weak := answer.NewResult("weak")
	weak.Score = 0.3
	strong := answer.NewResult("strong")
	strong.Score = 0.9

	tests := []struct {
		name   string
		fields string
		want   []string
	}{
		{
			name:   "filter empties candidates and the chain continues",
			fields: `{"name":"f","extractors":[{"name":"weak"},{"name":"score_filter","threshold":0.5},{"name":"default","text":"fallback"}]}`,
			want:   []string{"fallback"},
		},
		{
			name:   "filter keeps strong candidates",
			fields: `{"name":"f","pick":"all","extractors":[{"name":"mixed"},{"name":"score_filter","threshold":0.5},{"name":"default","text":"fallback"}]}`,
			want:   []string{"strong"},
		},
		{
			name:   "leading filter filters nothing",
			fields: `{"name":"f","extractors":[{"name":"score_filter","threshold":0.5},{"name":"weak"}]}`,
			want:   []string{"weak"},
		},
		{
			name:   "location threshold drops low scores",
			fields: `{"name":"f","pick":"all","location_threshold":0.5,"extractors":[{"name":"mixed"}]}`,
			want:   []string{"strong"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t,
				&fakeStrategy{name: "weak", results: []answer.AnswerResult{weak}},
				&fakeStrategy{name: "mixed", results: []answer.AnswerResult{weak, strong}},
			)
			res := fx.assemble(t, document.NewBuilder("doc-9").Build(), fx.schema(t, tt.fields))
			assert.Equal(t, tt.want, texts(res.Tree.Results("f")))
		})
	}
}

func TestAssemble_Diagnostics(t *testing.T) {
	boom := &fakeStrategy{name: "boom", panics: true}
	missing := &fakeStrategy{name: "missing", err: fmt.Errorf("anchor 42: %w", document.ErrMissingElement)}
	failing := &fakeStrategy{name: "failing", err: fmt.Errorf("bad input")}
	fx := newFixture(t, boom, missing, failing)
	s := fx.schema(t, `
		{"name":"crashed","extractors":[{"name":"boom"},{"name":"default","text":"unused"}]},
		{"name":"skipped","extractors":[{"name":"missing"},{"name":"default","text":"fallback"}]},
		{"name":"failed","extractors":[{"name":"failing"}]},
		{"name":"ok","extractors":[{"name":"default","text":"fine"}]}`)

	res := fx.assemble(t, document.NewBuilder("doc-10").Build(), s)

	assert.Empty(t, res.Tree.Results("crashed"))
	assert.Equal(t, []string{"fallback"}, texts(res.Tree.Results("skipped")))
	assert.Empty(t, res.Tree.Results("failed"))
	assert.Equal(t, []string{"fine"}, texts(res.Tree.Results("ok")))

	require.Len(t, res.Diagnostics, 3)
	assert.Equal(t, Diagnostic{Kind: KindExtractorFailure, Path: "crashed", Extractor: "boom#0",
		Message: "extractor failure: boom panicked: strategy exploded"}, res.Diagnostics[0])
	assert.Equal(t, KindMissingDocumentElement, res.Diagnostics[1].Kind)
	assert.Equal(t, "missing#0", res.Diagnostics[1].Extractor)
	assert.Equal(t, KindExtractorFailure, res.Diagnostics[2].Kind)
	assert.Equal(t, "failed", res.Diagnostics[2].Path)
}

func TestAssemble_Dependencies(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `
		{"name":"custodian","extractors":[{"name":"partial_text","depends":["manager"],"start_after_depends":true,"regs":["托管人[:：](?P<dst>.+)"]}]},
		{"name":"manager","extractors":[{"name":"partial_text","regs":["管理人[:：](?P<dst>.+)"]}]}`)

	b := document.NewBuilder("doc-11")
	b.Paragraph(0, "托管人：旧银行")
	b.Paragraph(0, "管理人：甲公司")
	b.Paragraph(0, "托管人：乙银行")
	res := fx.assemble(t, b.Build(), s)

	assert.Equal(t, []string{"甲公司"}, texts(res.Tree.Results("manager")))
	assert.Equal(t, []string{"乙银行"}, texts(res.Tree.Results("custodian")))
}

func TestAssemble_EmptyDocument(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"fund_name","extractors":[{"name":"partial_text","regs":["名称[:：](?P<dst>.*)"]}]},`+directorsField)
	res := fx.assemble(t, document.NewBuilder("empty").Build(), s)

	assert.Empty(t, res.Tree.Results("fund_name"))
	assert.Empty(t, res.Tree.Find("directors").Groups)
	assert.Empty(t, res.Diagnostics)
}

func TestAssemble_Cancelled(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, directorsField)
	view, err := document.NewView(directorsDoc())
	require.NoError(t, err)
	a, err := New(fx.registry)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := a.Assemble(ctx, Request{View: view, Schema: s})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	_, err = a.Assemble(context.Background(), Request{Schema: s})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// failingPatterns is a PatternStore whose reads fail.
type failingPatterns struct{}

func (failingPatterns) Patterns(context.Context, string) (map[string][]string, error) {
	return nil, errors.New("pattern table unavailable")
}

func (failingPatterns) Learn(context.Context, string, map[string][]string) error { return nil }

func TestAssemble_LearnedPatterns(t *testing.T) {
	fx := newFixture(t)
	s := fx.schema(t, `{"name":"custodian","extractors":[{"name":"partial_text","use_answer_pattern":true}]}`)

	store := extractor.NewMemoryPatternStore()
	require.NoError(t, store.Learn(context.Background(), "fund",
		map[string][]string{"custodian": {`托管人为(?P<dst>.+?)。`}}))

	b := document.NewBuilder("doc-12")
	b.Paragraph(0, "本基金托管人为乙银行。")
	view, err := document.NewView(b.Build())
	require.NoError(t, err)

	tests := []struct {
		name      string
		patterns  extractor.PatternStore
		source    answer.Source
		want      []string
		wantDiags []DiagnosticKind
	}{
		{name: "final uses learned patterns", patterns: store, source: answer.SourceFinal, want: []string{"乙银行"}},
		{name: "preset ignores learned patterns", patterns: store, source: answer.SourcePreset},
		{name: "default source is preset", patterns: store},
		{
			name:      "unreadable patterns",
			patterns:  failingPatterns{},
			source:    answer.SourceFinal,
			wantDiags: []DiagnosticKind{KindPatternsUnavailable},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(fx.registry, WithPatternStore(tt.patterns))
			require.NoError(t, err)
			res, err := a.Assemble(context.Background(), Request{View: view, Schema: s, Source: tt.source})
			require.NoError(t, err)

			assert.Equal(t, tt.want, texts(res.Tree.Results("custodian")))
			var kinds []DiagnosticKind
			for _, d := range res.Diagnostics {
				kinds = append(kinds, d.Kind)
			}
			assert.Equal(t, tt.wantDiags, kinds)
		})
	}
}
