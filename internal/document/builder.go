package document

// Builder assembles documents for fixtures and tests. Elements are laid out
// top to bottom on their page; every paragraph gets per-rune char boxes.
type Builder struct {
	doc    Document
	next   int
	cursor map[int]float64
}

const (
	builderLeft       = 50.0
	builderRight      = 550.0
	builderLineHeight = 20.0
	builderCharWidth  = 10.0
	builderPageWidth  = 600.0
	builderPageHeight = 850.0
)

// NewBuilder starts a document with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{doc: Document{ID: id}, cursor: make(map[int]float64)}
}

// At sets the index of the next element. Indices must keep increasing.
func (b *Builder) At(index int) *Builder {
	b.next = index
	return b
}

func (b *Builder) ensurePage(page int) {
	for len(b.doc.Pages) <= page {
		b.doc.Pages = append(b.doc.Pages, Page{Index: len(b.doc.Pages), Width: builderPageWidth, Height: builderPageHeight})
	}
}

func (b *Builder) place(page int, lines int) Box {
	b.ensurePage(page)
	y := b.cursor[page] + builderLineHeight
	h := builderLineHeight * float64(max(lines, 1))
	b.cursor[page] = y + h
	return Box{builderLeft, y, builderRight, y + h}
}

// Paragraph appends a paragraph and returns its index.
func (b *Builder) Paragraph(page int, text string) int {
	outline := b.place(page, 1)
	p := Paragraph{Index: b.next, Page: page, Outline: outline, Text: text}
	x := builderLeft
	for _, r := range text {
		p.Chars = append(p.Chars, Char{Text: string(r), Box: Box{x, outline[1], x + builderCharWidth, outline[3]}})
		x += builderCharWidth
	}
	b.doc.Paragraphs = append(b.doc.Paragraphs, p)
	b.next++
	return p.Index
}

// Continue appends a fragment of prev on page. The paragraph at prev is marked
// continued with mergeChars trailing runes to trim.
func (b *Builder) Continue(prev, page int, text string, mergeChars int) int {
	for i := range b.doc.Paragraphs {
		if b.doc.Paragraphs[i].Index == prev {
			b.doc.Paragraphs[i].Continued = true
			b.doc.Paragraphs[i].MergeCharCount = mergeChars
		}
	}
	idx := b.Paragraph(page, text)
	last := &b.doc.Paragraphs[len(b.doc.Paragraphs)-1]
	p := prev
	last.ContinuationOf = &p
	return idx
}

// Table appends a table of plain cells and returns its index.
func (b *Builder) Table(page int, rows [][]string) int {
	return b.TableCells(page, PlainCells(rows))
}

// TableCells appends a table with explicit cells.
func (b *Builder) TableCells(page int, cells [][]Cell) int {
	outline := b.place(page, len(cells))
	t := Table{Index: b.next, Page: page, Outline: outline, Cells: cells}
	colWidth := (builderRight - builderLeft) / float64(max(t.Cols(), 1))
	for r := range t.Cells {
		for c := range t.Cells[r] {
			top := outline[1] + builderLineHeight*float64(r)
			left := builderLeft + colWidth*float64(c)
			t.Cells[r][c].Box = Box{left, top, left + colWidth, top + builderLineHeight}
		}
	}
	b.doc.Tables = append(b.doc.Tables, t)
	b.next++
	return t.Index
}

// TableContinuation appends a fragment continuing the table at prev.
func (b *Builder) TableContinuation(prev, page int, rows [][]string) int {
	idx := b.Table(page, rows)
	p := prev
	b.doc.Tables[len(b.doc.Tables)-1].ContinuationOf = &p
	return idx
}

// Title sets the title of the table at index.
func (b *Builder) Title(index int, title string) *Builder {
	for i := range b.doc.Tables {
		if b.doc.Tables[i].Index == index {
			b.doc.Tables[i].Title = title
		}
	}
	return b
}

// Heading appends a syllabus entry covering [start, end). parent is the index
// of the parent entry or -1.
func (b *Builder) Heading(level int, title string, start, end, parent int) int {
	idx := len(b.doc.Syllabus)
	b.doc.Syllabus = append(b.doc.Syllabus, SyllabusEntry{
		Index: idx, Level: level, Title: title, Range: [2]int{start, end}, Parent: parent,
	})
	if parent >= 0 && parent < idx {
		b.doc.Syllabus[parent].Children = append(b.doc.Syllabus[parent].Children, idx)
	}
	return idx
}

// Build returns the document. The builder must not be reused.
func (b *Builder) Build() *Document {
	return &b.doc
}

// PlainCells converts a text grid into cells without merged regions.
func PlainCells(rows [][]string) [][]Cell {
	cells := make([][]Cell, len(rows))
	for r, row := range rows {
		cells[r] = make([]Cell, len(row))
		for c, text := range row {
			cells[r][c] = Cell{Text: text, RowSpan: 1, ColSpan: 1, Master: [2]int{r, c}}
		}
	}
	return cells
}

// Merge marks the region [r1..r2]x[c1..c2] of cells as one merged cell whose
// master is (r1, c1).
func Merge(cells [][]Cell, r1, c1, r2, c2 int) [][]Cell {
	cells[r1][c1].RowSpan = r2 - r1 + 1
	cells[r1][c1].ColSpan = c2 - c1 + 1
	for r := r1; r <= r2; r++ {
		for c := c1; c <= c2; c++ {
			if r == r1 && c == c1 {
				continue
			}
			cells[r][c] = Cell{Dummy: true, Master: [2]int{r1, c1}}
		}
	}
	return cells
}
