// Package document models a parsed input file and the read-only View that
// extractors query.
//
// A Document is produced by the upstream parser and never mutated here. Cross-page
// continuation fragments are stored with a backward ContinuationOf link; the View
// merges them into projections without touching the source records.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMissingElement is returned when a paragraph or table index is not present.
	ErrMissingElement = errors.New("document element not found")

	// ErrInvalidDocument is returned when a document violates a structural invariant.
	ErrInvalidDocument = errors.New("invalid document")
)

// Kind distinguishes the element types that share the global index space.
type Kind string

const (
	KindParagraph Kind = "paragraph"
	KindTable     Kind = "table"
)

// Page describes one page of the source file.
type Page struct {
	Index  int     `json:"index"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Char is a single glyph with its position on the page.
type Char struct {
	Text string `json:"text"`
	Box  Box    `json:"box"`
}

// Paragraph is a text block. Continued marks a paragraph that runs onto the next
// page; the fragment on the next page points back with ContinuationOf.
type Paragraph struct {
	Index          int    `json:"index"`
	Page           int    `json:"page"`
	Outline        Box    `json:"outline"`
	Text           string `json:"text"`
	Chars          []Char `json:"chars,omitempty"`
	Continued      bool   `json:"continued,omitempty"`
	MergeCharCount int    `json:"merge_char_count,omitempty"`
	ContinuationOf *int   `json:"continuation_of,omitempty"`

	// Fragments lists the continuation fragments folded into a projection.
	Fragments []int `json:"-"`
}

// Cell is one grid coordinate of a table. Dummy cells are the non-master
// coordinates of a merged region and reference the master's top-left coordinate.
type Cell struct {
	Text    string `json:"text"`
	RowSpan int    `json:"rowspan,omitempty"`
	ColSpan int    `json:"colspan,omitempty"`
	Dummy   bool   `json:"dummy,omitempty"`
	Master  [2]int `json:"master"`
	Box     Box    `json:"box,omitempty"`
}

// Table is a dense cell grid.
type Table struct {
	Index          int      `json:"index"`
	Page           int      `json:"page"`
	Outline        Box      `json:"outline"`
	Title          string   `json:"title,omitempty"`
	Cells          [][]Cell `json:"cells"`
	Merged         [][4]int `json:"merged,omitempty"`
	ContinuationOf *int     `json:"continuation_of,omitempty"`
}

// SyllabusEntry is a heading with the half-open element range it covers.
type SyllabusEntry struct {
	Index    int    `json:"index"`
	Level    int    `json:"level"`
	Title    string `json:"title"`
	Range    [2]int `json:"range"`
	Parent   int    `json:"parent"`
	Children []int  `json:"children,omitempty"`
}

// Covers reports whether the element index falls inside the entry's range.
func (s SyllabusEntry) Covers(index int) bool {
	return index >= s.Range[0] && index < s.Range[1]
}

// Document is the immutable output of the parser for one file.
type Document struct {
	ID         string          `json:"id"`
	Pages      []Page          `json:"pages"`
	Paragraphs []Paragraph     `json:"paragraphs"`
	Tables     []Table         `json:"tables"`
	Syllabus   []SyllabusEntry `json:"syllabus"`
}

// Decode reads a parser JSON document and validates it.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the structural invariants of the document.
func (d *Document) Validate() error {
	seen := make(map[int]Kind, len(d.Paragraphs)+len(d.Tables))

	for i, p := range d.Paragraphs {
		if i > 0 && p.Index <= d.Paragraphs[i-1].Index {
			return fmt.Errorf("%w: paragraph %d out of reading order", ErrInvalidDocument, p.Index)
		}
		seen[p.Index] = KindParagraph
	}
	for i, t := range d.Tables {
		if i > 0 && t.Index <= d.Tables[i-1].Index {
			return fmt.Errorf("%w: table %d out of reading order", ErrInvalidDocument, t.Index)
		}
		if _, dup := seen[t.Index]; dup {
			return fmt.Errorf("%w: index %d used by more than one element", ErrInvalidDocument, t.Index)
		}
		seen[t.Index] = KindTable
	}

	for _, p := range d.Paragraphs {
		if p.ContinuationOf == nil {
			continue
		}
		prev := *p.ContinuationOf
		if prev >= p.Index || seen[prev] != KindParagraph {
			return fmt.Errorf("%w: paragraph %d continues invalid element %d", ErrInvalidDocument, p.Index, prev)
		}
	}

	for _, t := range d.Tables {
		if t.ContinuationOf != nil {
			prev := *t.ContinuationOf
			if prev >= t.Index || seen[prev] != KindTable {
				return fmt.Errorf("%w: table %d continues invalid element %d", ErrInvalidDocument, t.Index, prev)
			}
		}
		if err := validateCells(t); err != nil {
			return err
		}
	}

	for _, s := range d.Syllabus {
		if s.Range[0] > s.Range[1] {
			return fmt.Errorf("%w: syllabus %d has inverted range %v", ErrInvalidDocument, s.Index, s.Range)
		}
	}
	return nil
}

func validateCells(t Table) error {
	for r, row := range t.Cells {
		for c, cell := range row {
			if !cell.Dummy {
				continue
			}
			mr, mc := cell.Master[0], cell.Master[1]
			if mr < 0 || mr >= len(t.Cells) || mc < 0 || mc >= len(t.Cells[mr]) {
				return fmt.Errorf("%w: table %d cell (%d,%d) references master out of bounds", ErrInvalidDocument, t.Index, r, c)
			}
			if mr > r || mc > c || (mr == r && mc == c) || t.Cells[mr][mc].Dummy {
				return fmt.Errorf("%w: table %d cell (%d,%d) has invalid master (%d,%d)", ErrInvalidDocument, t.Index, r, c, mr, mc)
			}
		}
	}
	return nil
}

// Rows returns the row count.
func (t *Table) Rows() int { return len(t.Cells) }

// Cols returns the widest row length.
func (t *Table) Cols() int {
	n := 0
	for _, row := range t.Cells {
		n = max(n, len(row))
	}
	return n
}

// Cell returns the cell at (r, c) and whether it exists.
func (t *Table) Cell(r, c int) (Cell, bool) {
	if r < 0 || r >= len(t.Cells) || c < 0 || c >= len(t.Cells[r]) {
		return Cell{}, false
	}
	return t.Cells[r][c], true
}

// MasterOf resolves a coordinate to the master coordinate of its merged region.
func (t *Table) MasterOf(r, c int) (int, int) {
	cell, ok := t.Cell(r, c)
	if !ok || !cell.Dummy {
		return r, c
	}
	return cell.Master[0], cell.Master[1]
}

// CellText returns the text at (r, c), resolving dummy cells to their master.
func (t *Table) CellText(r, c int) string {
	mr, mc := t.MasterOf(r, c)
	cell, _ := t.Cell(mr, mc)
	return cell.Text
}

// RowTexts returns the master-resolved texts of a row.
func (t *Table) RowTexts(r int) []string {
	if r < 0 || r >= len(t.Cells) {
		return nil
	}
	out := make([]string, len(t.Cells[r]))
	for c := range t.Cells[r] {
		out[c] = t.CellText(r, c)
	}
	return out
}

// Text flattens the table: cells separated by tabs, rows by newlines. Dummy
// cells are skipped so merged regions appear once.
func (t *Table) Text() string {
	var b strings.Builder
	if t.Title != "" {
		b.WriteString(t.Title)
		b.WriteByte('\n')
	}
	for r, row := range t.Cells {
		if r > 0 {
			b.WriteByte('\n')
		}
		first := true
		for _, cell := range row {
			if cell.Dummy {
				continue
			}
			if !first {
				b.WriteByte('\t')
			}
			b.WriteString(cell.Text)
			first = false
		}
	}
	return b.String()
}
