package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// TableRowConfig configures table_row and table_tuple.
type TableRowConfig struct {
	Columns            map[string]StringList `json:"columns"`
	NeglectPatterns    []string              `json:"neglect_patterns"`
	FilterSerialNumber bool                  `json:"filter_serial_number"`
	Multi              bool                  `json:"multi"`
	HeaderRows         int                   `json:"header_rows"`
	TableRegs          []string              `json:"table_regs"`
	UseCompleteTable   bool                  `json:"use_complete_table"`

	columns map[string][]*regexp.Regexp
	neglect []*regexp.Regexp
	tables  []*regexp.Regexp
}

// TableRow reads header-plus-data-row tables. table_tuple composes the header
// text of each column from several header rows joined by "/".
type TableRow struct {
	tuple bool
}

var _ RowStrategy = (*TableRow)(nil)

// Name implements Strategy.
func (t *TableRow) Name() string {
	if t.tuple {
		return "table_tuple"
	}
	return "table_row"
}

// Decode implements Strategy.
func (t *TableRow) Decode(raw json.RawMessage) (any, error) {
	var cfg TableRowConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("%s needs columns", t.Name())
	}
	if cfg.HeaderRows < 0 {
		return nil, errors.New("header_rows must not be negative")
	}
	cfg.columns = make(map[string][]*regexp.Regexp, len(cfg.Columns))
	var err error
	for child, srcs := range cfg.Columns {
		if cfg.columns[child], err = compileRegexps(srcs); err != nil {
			return nil, err
		}
	}
	if cfg.neglect, err = compileRegexps(cfg.NeglectPatterns); err != nil {
		return nil, err
	}
	if cfg.tables, err = compileRegexps(cfg.TableRegs); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// headerRowCount returns how many leading rows form the header. table_tuple
// grows the header while a row contains a cell spanning several columns.
func (t *TableRow) headerRowCount(table *document.Table, cfg *TableRowConfig) int {
	if cfg.HeaderRows > 0 {
		return min(cfg.HeaderRows, table.Rows())
	}
	if !t.tuple {
		return min(1, table.Rows())
	}
	h := 1
	for h < table.Rows() && rowHasColSpan(table, h-1) {
		h++
	}
	return h
}

func rowHasColSpan(table *document.Table, r int) bool {
	for _, cell := range table.Cells[r] {
		if !cell.Dummy && cell.ColSpan > 1 {
			return true
		}
	}
	return false
}

// headerTexts composes the header text of every column.
func headerTexts(table *document.Table, rows int) []string {
	cols := table.Cols()
	out := make([]string, cols)
	for c := 0; c < cols; c++ {
		var parts []string
		for r := 0; r < rows; r++ {
			text := strings.TrimSpace(table.CellText(r, c))
			if text != "" && (len(parts) == 0 || parts[len(parts)-1] != text) {
				parts = append(parts, text)
			}
		}
		out[c] = strings.Join(parts, "/")
	}
	return out
}

// mapColumns assigns each child the first unused column whose header matches.
func mapColumns(children []string, patterns map[string][]*regexp.Regexp, headers []string, skip map[int]bool) map[string]int {
	used := make(map[int]bool)
	out := make(map[string]int)
	for _, child := range children {
		ps, ok := patterns[child]
		if !ok {
			continue
		}
		for c, h := range headers {
			if skip[c] || used[c] {
				continue
			}
			if document.MatchAny(ps, h) {
				out[child] = c
				used[c] = true
				break
			}
		}
	}
	return out
}

// serialColumn reports whether every non-blank data cell of column 0 is a
// pure serial number.
func serialColumn(table *document.Table, header int) bool {
	seen := false
	for r := header; r < table.Rows(); r++ {
		text := table.CellText(r, 0)
		if isBlank(text) {
			continue
		}
		if !serialNumber.MatchString(text) {
			return false
		}
		seen = true
	}
	return seen
}

func (t *TableRow) rows(in *Input, cfg *TableRowConfig, children []string) ([]RowCandidate, error) {
	var out []RowCandidate
	for _, e := range in.View.Tables() {
		table := e.Table
		if cfg.UseCompleteTable {
			complete, err := in.View.CompleteTable(e.Index)
			if err != nil {
				return nil, err
			}
			table = complete
		}
		if table.Rows() == 0 {
			continue
		}
		hdr := t.headerRowCount(table, cfg)
		headers := headerTexts(table, hdr)
		if len(cfg.tables) > 0 && !document.MatchAny(cfg.tables, tableTitle(in.View, e)+"\n"+strings.Join(headers, "\t")) {
			continue
		}

		skip := make(map[int]bool)
		if cfg.FilterSerialNumber && serialColumn(table, hdr) {
			skip[0] = true
		}
		mapping := mapColumns(children, cfg.columns, headers, skip)
		if len(mapping) == 0 {
			continue
		}

		for r := hdr; r < table.Rows(); r++ {
			texts := table.RowTexts(r)
			if document.MatchAny(cfg.neglect, strings.Join(texts, "\t")) || repeatsHeader(table, r, hdr) {
				continue
			}
			cand := RowCandidate{Values: make(map[string][]answer.AnswerResult)}
			for _, child := range children {
				c, ok := mapping[child]
				if !ok || c >= len(texts) || isBlank(texts[c]) {
					continue
				}
				res := answer.NewResult(strings.TrimSpace(texts[c]), answer.WholeCell(table, r, c))
				res.Source = t.Name()
				cand.Values[child] = []answer.AnswerResult{res}
			}
			if len(cand.Values) == 0 {
				continue
			}
			cand.OrderKey = firstPosition(children, cand.Values)
			out = append(out, cand)
			if !cfg.Multi {
				return out, nil
			}
		}
	}
	return out, nil
}

// repeatsHeader reports whether data row r repeats the first header row, as
// happens when a table continues on the next page.
func repeatsHeader(table *document.Table, r, hdr int) bool {
	if hdr == 0 {
		return false
	}
	head, row := table.RowTexts(0), table.RowTexts(r)
	if len(head) != len(row) {
		return false
	}
	for i := range head {
		if document.Normalize(head[i]) != document.Normalize(row[i]) {
			return false
		}
	}
	return true
}

// ExtractRows implements RowStrategy.
func (t *TableRow) ExtractRows(in *Input) ([]RowCandidate, error) {
	cfg, err := options[*TableRowConfig](in, t)
	if err != nil {
		return nil, err
	}
	return t.rows(in, cfg, in.Field.ChildNames())
}

// Extract implements Strategy for a leaf: the leaf's own column is read.
func (t *TableRow) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*TableRowConfig](in, t)
	if err != nil {
		return nil, err
	}
	if !in.Field.IsLeaf() {
		return nil, fmt.Errorf("%s on %s: %w", t.Name(), in.Field.Path, ErrNotTabular)
	}
	name := in.Field.Name
	if _, ok := cfg.columns[name]; !ok && len(cfg.columns) == 1 {
		for k := range cfg.columns {
			name = k
		}
	}
	rows, err := t.rows(in, cfg, []string{name})
	if err != nil {
		return nil, err
	}
	var results []answer.AnswerResult
	for _, r := range rows {
		results = append(results, r.Values[name]...)
	}
	answer.SortResults(results)
	return results, nil
}
