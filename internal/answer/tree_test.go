package answer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaowucn/scriber-inspector/internal/document"
)

func fixture(t *testing.T) (*document.View, *Tree) {
	t.Helper()
	b := document.NewBuilder("doc-1")
	b.Paragraph(0, "名称：华夏基金")
	tbl := b.Table(0, [][]string{{"姓名", "职务"}, {"张三", "董事长"}, {"李四", "董事"}})
	v, err := document.NewView(b.Build())
	require.NoError(t, err)

	p, _ := v.ParagraphAt(0)
	table, _ := v.TableAt(tbl)

	name := NewResult("华夏基金", ParagraphAnchor(p, 3, 7))
	zhang := NewResult("张三", WholeCell(table, 1, 0))
	zhang.GroupKey = "张三"
	li := NewResult("李四", WholeCell(table, 2, 0))
	li.GroupKey = "李四"
	chair := NewResult("董事长", WholeCell(table, 1, 1))
	chair.GroupKey = "张三"
	director := NewResult("董事", WholeCell(table, 2, 1))
	director.GroupKey = "李四"

	tree := &Tree{
		DocumentID: "doc-1",
		Schema:     "fund",
		Checksum:   "abc",
		Source:     SourcePreset,
		Root: &Node{Name: "fund", Children: []*Node{
			{Name: "fund_name", Path: "fund_name", Results: []AnswerResult{name}},
			{
				Name: "directors", Path: "directors",
				Groups: []Group{{Key: "张三", OrderKey: zhang.OrderKey}, {Key: "李四", OrderKey: li.OrderKey}},
				Children: []*Node{
					{Name: "name", Path: "directors.name", Results: []AnswerResult{zhang, li}},
					{Name: "role", Path: "directors.role", Results: []AnswerResult{chair, director}},
				},
			},
		}},
	}
	return v, tree
}

func TestTree_PathsAndFind(t *testing.T) {
	_, tree := fixture(t)

	assert.Equal(t, []string{"fund_name", "directors.name", "directors.role"}, tree.Paths())
	require.NotNil(t, tree.Find("directors.role"))
	assert.Nil(t, tree.Find("directors.age"))
	assert.Equal(t, "华夏基金", tree.Results("fund_name")[0].Text)
}

func TestNode_Rows(t *testing.T) {
	_, tree := fixture(t)

	rows := tree.Find("directors").Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "张三", rows[0].Key)
	assert.Equal(t, "董事长", rows[0].Values["role"][0].Text)
	assert.Equal(t, "李四", rows[1].Key)
	assert.Equal(t, "董事", rows[1].Values["role"][0].Text)
}

func TestTree_MarshalRoundTrip(t *testing.T) {
	_, tree := fixture(t)

	first, err := tree.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(first)
	require.NoError(t, err)
	assert.Equal(t, tree, parsed)

	second, err := parsed.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.Contains(t, string(first), `"element_kind":"paragraph"`)
	assert.Contains(t, string(first), `"char_range":[3,7]`)
}

func TestParse_MissingRoot(t *testing.T) {
	_, err := Parse([]byte(`{"document_id":"x"}`))
	assert.Error(t, err)
}

func TestTree_CheckAnchors(t *testing.T) {
	v, tree := fixture(t)
	require.NoError(t, tree.CheckAnchors(v))

	tree.Find("fund_name").Results[0].Text = "招商基金"
	assert.Error(t, tree.CheckAnchors(v))

	tree.Find("fund_name").Results[0].Elements[0].ElementIndex = 42
	assert.ErrorIs(t, tree.CheckAnchors(v), document.ErrMissingElement)
}

func TestSortResults(t *testing.T) {
	rs := []AnswerResult{
		{Text: "c", OrderKey: Position{Page: 1, Box: document.Box{0, 10, 1, 1}}},
		{Text: "b", OrderKey: Position{Page: 0, Box: document.Box{50, 20, 1, 1}}},
		{Text: "a", OrderKey: Position{Page: 0, Box: document.Box{10, 20, 1, 1}}},
		{Text: "z", OrderKey: Position{Page: 0, Box: document.Box{0, 5, 1, 1}}},
	}
	SortResults(rs)
	var got []string
	for _, r := range rs {
		got = append(got, r.Text)
	}
	assert.Equal(t, []string{"z", "a", "b", "c"}, got)
}

func TestParagraphAnchor_UsesCharBoxes(t *testing.T) {
	b := document.NewBuilder("d")
	b.Paragraph(0, "名称：华夏基金")
	v, err := document.NewView(b.Build())
	require.NoError(t, err)
	p, _ := v.ParagraphAt(0)

	a := ParagraphAnchor(p, 3, 7)
	assert.Equal(t, p.Chars[3].Box[0], a.OutlineBox[0])
	assert.Equal(t, p.Chars[6].Box[2], a.OutlineBox[2])
	assert.Equal(t, "华夏基金", RuneSlice(p.Text, a.CharRange[0], a.CharRange[1]))
}

func TestParseSource(t *testing.T) {
	s, err := ParseSource("")
	require.NoError(t, err)
	assert.Equal(t, SourcePreset, s)
	s, err = ParseSource("final")
	require.NoError(t, err)
	assert.Equal(t, SourceFinal, s)
	_, err = ParseSource("draft")
	assert.Error(t, err)
}
