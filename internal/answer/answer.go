// Package answer defines the AnswerTree produced by the assembler and the
// positional anchors that tie every value back to the source document.
package answer

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// Source selects which answers a run reads and writes.
type Source string

const (
	// SourcePreset is the pristine extraction pass.
	SourcePreset Source = "preset"
	// SourceFinal holds user-validated answers.
	SourceFinal Source = "final"
)

// ParseSource validates an answer-source selector. Empty means preset.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "", SourcePreset:
		return SourcePreset, nil
	case SourceFinal:
		return SourceFinal, nil
	}
	return "", fmt.Errorf("unknown answer source %q", s)
}

// Position is a first-position key: page, then outline box.
type Position struct {
	Page int          `json:"page"`
	Box  document.Box `json:"box"`
}

// Compare orders positions by page, then top y, then left x.
func (p Position) Compare(o Position) int {
	switch {
	case p.Page != o.Page:
		return cmpInt(p.Page, o.Page)
	case p.Box[1] != o.Box[1]:
		return cmpFloat(p.Box[1], o.Box[1])
	case p.Box[0] != o.Box[0]:
		return cmpFloat(p.Box[0], o.Box[0])
	}
	return 0
}

// Less reports whether p sorts before o.
func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	return 1
}

func cmpFloat(a, b float64) int {
	if a < b {
		return -1
	}
	return 1
}

// ElementResult anchors a value to a paragraph (rune range) or a table cell.
type ElementResult struct {
	ElementKind  document.Kind `json:"element_kind"`
	ElementIndex int           `json:"element_index"`
	CharRange    [2]int        `json:"char_range"`
	Cell         *[2]int       `json:"cell,omitempty"`
	Page         int           `json:"page"`
	OutlineBox   document.Box  `json:"outline_box"`
}

// Position returns the anchor's page and box.
func (e ElementResult) Position() Position {
	return Position{Page: e.Page, Box: e.OutlineBox}
}

// AnswerResult is one candidate value for a leaf.
type AnswerResult struct {
	Text        string          `json:"text"`
	Elements    []ElementResult `json:"elements,omitempty"`
	OrderKey    Position        `json:"order_key"`
	GroupKey    string          `json:"group_key,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	UnitMissing bool            `json:"unit_missing,omitempty"`
	Normalized  string          `json:"normalized,omitempty"`
	Score       float64         `json:"score,omitempty"`
	Source      string          `json:"source,omitempty"`
}

// NewResult builds a result whose order key is the first anchor's position.
func NewResult(text string, elems ...ElementResult) AnswerResult {
	r := AnswerResult{Text: text, Elements: elems, Score: 1}
	if len(elems) > 0 {
		r.OrderKey = elems[0].Position()
	}
	return r
}

// FirstIndex returns the element index of the first anchor, or -1.
func (r AnswerResult) FirstIndex() int {
	if len(r.Elements) == 0 {
		return -1
	}
	return r.Elements[0].ElementIndex
}

// LastIndex returns the highest anchored element index, or -1.
func (r AnswerResult) LastIndex() int {
	last := -1
	for _, e := range r.Elements {
		last = max(last, e.ElementIndex)
	}
	return last
}

// SortResults orders candidates by first-position key, ties by element index.
func SortResults(rs []AnswerResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if c := rs[i].OrderKey.Compare(rs[j].OrderKey); c != 0 {
			return c < 0
		}
		return rs[i].FirstIndex() < rs[j].FirstIndex()
	})
}

// ParagraphAnchor anchors the rune range [start, end) of a paragraph. The box
// is the union of the covered char boxes when the parser supplied them.
func ParagraphAnchor(p *document.Paragraph, start, end int) ElementResult {
	n := utf8.RuneCountInString(p.Text)
	start, end = max(start, 0), min(end, n)
	box := p.Outline
	if len(p.Chars) == n && start < end {
		box = document.Box{}
		for _, c := range p.Chars[start:end] {
			box = box.Union(c.Box)
		}
	}
	return ElementResult{
		ElementKind:  document.KindParagraph,
		ElementIndex: p.Index,
		CharRange:    [2]int{start, end},
		Page:         p.Page,
		OutlineBox:   box,
	}
}

// WholeParagraph anchors the full text of a paragraph.
func WholeParagraph(p *document.Paragraph) ElementResult {
	return ParagraphAnchor(p, 0, utf8.RuneCountInString(p.Text))
}

// CellAnchor anchors the rune range [start, end) of the cell at (r, c).
func CellAnchor(t *document.Table, r, c, start, end int) ElementResult {
	mr, mc := t.MasterOf(r, c)
	cell, _ := t.Cell(mr, mc)
	box := cell.Box
	if box.IsZero() {
		box = t.Outline
	}
	return ElementResult{
		ElementKind:  document.KindTable,
		ElementIndex: t.Index,
		CharRange:    [2]int{max(start, 0), min(end, utf8.RuneCountInString(cell.Text))},
		Cell:         &[2]int{mr, mc},
		Page:         t.Page,
		OutlineBox:   box,
	}
}

// WholeCell anchors the full text of a cell.
func WholeCell(t *document.Table, r, c int) ElementResult {
	return CellAnchor(t, r, c, 0, utf8.RuneCountInString(t.CellText(r, c)))
}

// WholeTable anchors a table without a cell reference.
func WholeTable(t *document.Table) ElementResult {
	text := t.Text()
	return ElementResult{
		ElementKind:  document.KindTable,
		ElementIndex: t.Index,
		CharRange:    [2]int{0, utf8.RuneCountInString(text)},
		Page:         t.Page,
		OutlineBox:   t.Outline,
	}
}

// RuneSlice returns runes [start, end) of s, clamped.
func RuneSlice(s string, start, end int) string {
	runes := []rune(s)
	start, end = max(start, 0), min(end, len(runes))
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
