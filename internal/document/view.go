package document

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Element is a projected paragraph or table in reading order. Continuation
// fragments never appear as elements of their own; they are folded into the
// element that heads the chain.
type Element struct {
	Kind      Kind
	Index     int
	Page      int
	Outline   Box
	Paragraph *Paragraph
	Table     *Table
}

// Text returns the element's plain text; tables are flattened.
func (e Element) Text() string {
	switch e.Kind {
	case KindParagraph:
		return e.Paragraph.Text
	case KindTable:
		return e.Table.Text()
	}
	return ""
}

// View is a read-only index over a Document. It is safe for concurrent use
// because nothing mutates it after NewView returns.
type View struct {
	doc        *Document
	elements   []Element
	slots      map[int]int
	paragraphs map[int]*Paragraph
	tables     map[int]*Table
	complete   map[int]*Table
	headOf     map[int]int
	pages      map[int]Page
	syllabus   map[int]int
}

// NewView validates doc and builds the projections.
func NewView(doc *Document) (*View, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	v := &View{
		doc:        doc,
		slots:      make(map[int]int, len(doc.Paragraphs)+len(doc.Tables)),
		paragraphs: make(map[int]*Paragraph, len(doc.Paragraphs)),
		tables:     make(map[int]*Table, len(doc.Tables)),
		complete:   make(map[int]*Table),
		headOf:     make(map[int]int),
		pages:      make(map[int]Page, len(doc.Pages)),
		syllabus:   make(map[int]int, len(doc.Syllabus)),
	}
	for _, p := range doc.Pages {
		v.pages[p.Index] = p
	}
	for i, s := range doc.Syllabus {
		v.syllabus[s.Index] = i
	}

	v.projectParagraphs()
	v.projectTables()
	v.buildElements()
	return v, nil
}

func (v *View) resolveHead(prev int) int {
	if head, ok := v.headOf[prev]; ok {
		return head
	}
	return prev
}

func (v *View) projectParagraphs() {
	chains := make(map[int][]*Paragraph)
	var heads []int
	for i := range v.doc.Paragraphs {
		p := &v.doc.Paragraphs[i]
		if p.ContinuationOf != nil {
			head := v.resolveHead(*p.ContinuationOf)
			v.headOf[p.Index] = head
			chains[head] = append(chains[head], p)
			v.paragraphs[p.Index] = p
			continue
		}
		heads = append(heads, p.Index)
		v.paragraphs[p.Index] = p
	}

	for _, idx := range heads {
		frags := chains[idx]
		if len(frags) == 0 {
			continue
		}
		v.paragraphs[idx] = mergeParagraphs(v.paragraphs[idx], frags)
	}
}

// mergeParagraphs concatenates a head paragraph with its fragments. Each
// fragment flagged Continued loses its MergeCharCount suffix exactly once.
func mergeParagraphs(head *Paragraph, frags []*Paragraph) *Paragraph {
	merged := *head
	merged.Chars = nil
	merged.Continued = false
	merged.MergeCharCount = 0

	var text strings.Builder
	pieces := append([]*Paragraph{head}, frags...)
	for _, piece := range pieces {
		t, chars := piece.Text, piece.Chars
		if piece.Continued {
			t = trimRunes(t, piece.MergeCharCount)
			if len(chars) == utf8.RuneCountInString(piece.Text) {
				chars = chars[:utf8.RuneCountInString(t)]
			}
		}
		text.WriteString(t)
		merged.Chars = append(merged.Chars, chars...)
		if piece != head {
			merged.Fragments = append(merged.Fragments, piece.Index)
		}
	}
	merged.Text = text.String()
	return &merged
}

func (v *View) projectTables() {
	chains := make(map[int][]*Table)
	var heads []int
	for i := range v.doc.Tables {
		t := &v.doc.Tables[i]
		v.tables[t.Index] = t
		if t.ContinuationOf != nil {
			head := v.resolveHead(*t.ContinuationOf)
			v.headOf[t.Index] = head
			chains[head] = append(chains[head], t)
			continue
		}
		heads = append(heads, t.Index)
	}
	for _, idx := range heads {
		if frags := chains[idx]; len(frags) > 0 {
			v.complete[idx] = mergeTables(v.tables[idx], frags)
		}
	}
}

// mergeTables appends fragment rows to the head. Fragment rows adopt the head's
// column count: short rows are padded with empty cells, long rows truncated.
func mergeTables(head *Table, frags []*Table) *Table {
	cols := head.Cols()
	merged := *head
	merged.Cells = make([][]Cell, 0, head.Rows())

	appendRows := func(rows [][]Cell) {
		offset := len(merged.Cells)
		for r, row := range rows {
			out := make([]Cell, cols)
			for c := 0; c < cols; c++ {
				if c < len(row) {
					cell := row[c]
					if cell.Dummy {
						cell.Master[0] += offset
					}
					out[c] = cell
					continue
				}
				out[c] = Cell{RowSpan: 1, ColSpan: 1, Master: [2]int{offset + r, c}}
			}
			merged.Cells = append(merged.Cells, out)
		}
	}

	appendRows(head.Cells)
	for _, f := range frags {
		appendRows(f.Cells)
	}
	return &merged
}

func (v *View) buildElements() {
	ps, ts := v.doc.Paragraphs, v.doc.Tables
	i, j := 0, 0
	for i < len(ps) || j < len(ts) {
		var e Element
		if j >= len(ts) || (i < len(ps) && ps[i].Index < ts[j].Index) {
			p := ps[i]
			i++
			if p.ContinuationOf != nil {
				continue
			}
			proj := v.paragraphs[p.Index]
			e = Element{Kind: KindParagraph, Index: p.Index, Page: p.Page, Outline: p.Outline, Paragraph: proj}
		} else {
			t := ts[j]
			j++
			if t.ContinuationOf != nil {
				continue
			}
			e = Element{Kind: KindTable, Index: t.Index, Page: t.Page, Outline: t.Outline, Table: v.tables[t.Index]}
		}
		v.slots[e.Index] = len(v.elements)
		v.elements = append(v.elements, e)
	}
}

// Document returns the underlying document.
func (v *View) Document() *Document { return v.doc }

// Elements returns the projected elements in reading order. The slice is shared
// and must not be modified.
func (v *View) Elements() []Element { return v.elements }

// Paragraphs returns the projected paragraphs in reading order.
func (v *View) Paragraphs() []Element { return v.filter(KindParagraph) }

// Tables returns the head tables in reading order.
func (v *View) Tables() []Element { return v.filter(KindTable) }

func (v *View) filter(kind Kind) []Element {
	var out []Element
	for _, e := range v.elements {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Page returns the page descriptor by index.
func (v *View) Page(index int) (Page, bool) {
	p, ok := v.pages[index]
	return p, ok
}

// ParagraphAt returns the paragraph at index. For the head of a continuation
// chain the merged projection is returned.
func (v *View) ParagraphAt(index int) (*Paragraph, error) {
	p, ok := v.paragraphs[index]
	if !ok {
		return nil, fmt.Errorf("paragraph %d: %w", index, ErrMissingElement)
	}
	return p, nil
}

// TableAt returns the table fragment stored at index.
func (v *View) TableAt(index int) (*Table, error) {
	t, ok := v.tables[index]
	if !ok {
		return nil, fmt.Errorf("table %d: %w", index, ErrMissingElement)
	}
	return t, nil
}

// CompleteTable returns the table at index with all continuation fragments
// merged in. A fragment index resolves to its head.
func (v *View) CompleteTable(index int) (*Table, error) {
	if head, ok := v.headOf[index]; ok {
		index = head
	}
	if t, ok := v.complete[index]; ok {
		return t, nil
	}
	return v.TableAt(index)
}

// ElementAt returns the projected element containing index.
func (v *View) ElementAt(index int) (Element, error) {
	slot, ok := v.slot(index)
	if !ok {
		return Element{}, fmt.Errorf("element %d: %w", index, ErrMissingElement)
	}
	return v.elements[slot], nil
}

func (v *View) slot(index int) (int, bool) {
	if head, ok := v.headOf[index]; ok {
		index = head
	}
	s, ok := v.slots[index]
	return s, ok
}

// FindElementsNear walks from the anchor in direction step and returns up to
// amount elements of the given kinds. The anchor itself is never returned.
func (v *View) FindElementsNear(index, amount, step int, kinds ...Kind) ([]Element, error) {
	pos, ok := v.slot(index)
	if !ok {
		return nil, fmt.Errorf("anchor %d: %w", index, ErrMissingElement)
	}
	if step == 0 {
		return nil, fmt.Errorf("find elements near %d: step must be -1 or +1", index)
	}
	if step > 0 {
		step = 1
	} else {
		step = -1
	}

	var out []Element
	for i := pos + step; i >= 0 && i < len(v.elements) && len(out) < amount; i += step {
		if e := v.elements[i]; kindIn(e.Kind, kinds) {
			out = append(out, e)
		}
	}
	return out, nil
}

func kindIn(k Kind, kinds []Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// FindParagraphsMatching returns the first paragraph at or after start whose
// text matches any pattern, or all of them when multi is set.
func (v *View) FindParagraphsMatching(patterns []*regexp.Regexp, start int, multi bool) []Element {
	return v.findMatching(KindParagraph, patterns, start, multi)
}

// FindTablesMatching is FindParagraphsMatching over tables. Titles take part in
// the match.
func (v *View) FindTablesMatching(patterns []*regexp.Regexp, start int, multi bool) []Element {
	return v.findMatching(KindTable, patterns, start, multi)
}

func (v *View) findMatching(kind Kind, patterns []*regexp.Regexp, start int, multi bool) []Element {
	var out []Element
	for _, e := range v.elements {
		if e.Kind != kind || e.Index < start {
			continue
		}
		if !MatchAny(patterns, e.Text()) {
			continue
		}
		out = append(out, e)
		if !multi {
			break
		}
	}
	return out
}

// MatchAny reports whether any pattern matches text.
func MatchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ElementsBetween returns the projected elements with start <= index < end.
func (v *View) ElementsBetween(start, end int) []Element {
	lo := sort.Search(len(v.elements), func(i int) bool { return v.elements[i].Index >= start })
	var out []Element
	for i := lo; i < len(v.elements) && v.elements[i].Index < end; i++ {
		out = append(out, v.elements[i])
	}
	return out
}

// Syllabus returns the syllabus entries in document order.
func (v *View) Syllabus() []SyllabusEntry { return v.doc.Syllabus }

// SyllabusEntry returns an entry by its index.
func (v *View) SyllabusEntry(index int) (SyllabusEntry, bool) {
	slot, ok := v.syllabus[index]
	if !ok {
		return SyllabusEntry{}, false
	}
	return v.doc.Syllabus[slot], true
}

// SyllabusMatching returns every entry whose title matches pattern. A positive
// levelLimit excludes entries deeper than it.
func (v *View) SyllabusMatching(pattern *regexp.Regexp, levelLimit int) []SyllabusEntry {
	var out []SyllabusEntry
	for _, s := range v.doc.Syllabus {
		if levelLimit > 0 && s.Level > levelLimit {
			continue
		}
		if pattern.MatchString(s.Title) {
			out = append(out, s)
		}
	}
	return out
}

// SyllabusElementsUnder returns the elements covered by the first syllabus
// entry matching pattern.
func (v *View) SyllabusElementsUnder(pattern *regexp.Regexp, levelLimit int, ignoreChildren bool) (SyllabusEntry, []Element, bool) {
	matches := v.SyllabusMatching(pattern, levelLimit)
	if len(matches) == 0 {
		return SyllabusEntry{}, nil, false
	}
	entry := matches[0]
	return entry, v.ElementsUnder(entry, ignoreChildren), true
}

// ElementsUnder returns the elements in the entry's range. With ignoreChildren
// the ranges of its child entries are excluded.
func (v *View) ElementsUnder(entry SyllabusEntry, ignoreChildren bool) []Element {
	elems := v.ElementsBetween(entry.Range[0], entry.Range[1])
	if !ignoreChildren || len(entry.Children) == 0 {
		return elems
	}
	var out []Element
	for _, e := range elems {
		if !v.coveredByChild(entry, e.Index) {
			out = append(out, e)
		}
	}
	return out
}

func (v *View) coveredByChild(entry SyllabusEntry, index int) bool {
	for _, c := range entry.Children {
		if child, ok := v.SyllabusEntry(c); ok && child.Covers(index) {
			return true
		}
	}
	return false
}

// SyllabusOf returns the deepest entry covering index.
func (v *View) SyllabusOf(index int) (SyllabusEntry, bool) {
	var best SyllabusEntry
	found := false
	for _, s := range v.doc.Syllabus {
		if s.Covers(index) && (!found || s.Level > best.Level) {
			best, found = s, true
		}
	}
	return best, found
}

// IsTitleElement reports whether e is the heading paragraph of entry.
func IsTitleElement(entry SyllabusEntry, e Element) bool {
	return e.Kind == KindParagraph && e.Index == entry.Range[0] &&
		Normalize(e.Paragraph.Text) == Normalize(entry.Title)
}

// FindElementAt returns the element whose outline, or the outline of one of
// its continuation fragments on page, overlaps box the most. Ties go to the
// lower stored index.
func (v *View) FindElementAt(page int, box Box) (Element, bool) {
	bestIndex, bestArea := -1, 0.0
	consider := func(index, p int, outline Box) {
		if p != page {
			return
		}
		area := outline.Overlap(box)
		if area > bestArea || (area > 0 && area == bestArea && index < bestIndex) {
			bestIndex, bestArea = index, area
		}
	}
	for i := range v.doc.Paragraphs {
		p := &v.doc.Paragraphs[i]
		consider(p.Index, p.Page, p.Outline)
	}
	for i := range v.doc.Tables {
		t := &v.doc.Tables[i]
		consider(t.Index, t.Page, t.Outline)
	}
	if bestIndex < 0 {
		return Element{}, false
	}
	slot, ok := v.slots[v.resolveHead(bestIndex)]
	if !ok {
		return Element{}, false
	}
	return v.elements[slot], true
}
