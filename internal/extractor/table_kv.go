package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// StringList decodes from either a string or a list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*s = many
	return nil
}

type kvMode int

const (
	kvFirst kvMode = iota
	kvExpand
	kvCellPartial
)

// TableKVConfig configures table_kv, table_kv_expand and cell_partial_text.
type TableKVConfig struct {
	FeatureWhiteList []string              `json:"feature_white_list"`
	FeatureBlackList []string              `json:"feature_black_list"`
	TitleRegs        []string              `json:"title_regs"`
	Regs             map[string]StringList `json:"regs"`
	UseCompleteTable bool                  `json:"use_complete_table"`
	OnlyMatchedValue bool                  `json:"only_matched_value"`
	Multi            bool                  `json:"multi"`
	HeaderColumn     int                   `json:"header_column"`

	white  []*regexp.Regexp
	black  []*regexp.Regexp
	titles []*regexp.Regexp
	regs   map[string][]Pattern
}

// patternsFor returns the value regexes for a child. For a leaf the field's own
// name, the empty key, or a sole entry all apply.
func (c *TableKVConfig) patternsFor(name string) []Pattern {
	if ps, ok := c.regs[name]; ok {
		return ps
	}
	if ps, ok := c.regs[""]; ok {
		return ps
	}
	if len(c.regs) == 1 {
		for _, ps := range c.regs {
			return ps
		}
	}
	return nil
}

// TableKV reads key-value tables: a row header selects the row, the cells
// after it hold the value.
type TableKV struct {
	mode kvMode
}

var _ RowStrategy = (*TableKV)(nil)

// Name implements Strategy.
func (t *TableKV) Name() string {
	switch t.mode {
	case kvExpand:
		return "table_kv_expand"
	case kvCellPartial:
		return "cell_partial_text"
	}
	return "table_kv"
}

// Decode implements Strategy.
func (t *TableKV) Decode(raw json.RawMessage) (any, error) {
	var cfg TableKVConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.FeatureWhiteList) == 0 {
		return nil, fmt.Errorf("%s needs feature_white_list", t.Name())
	}
	if t.mode == kvCellPartial && len(cfg.Regs) == 0 {
		return nil, errors.New("cell_partial_text needs regs")
	}
	if cfg.HeaderColumn < 0 {
		return nil, errors.New("header_column must not be negative")
	}
	var err error
	if cfg.white, err = compileRegexps(cfg.FeatureWhiteList); err != nil {
		return nil, err
	}
	if cfg.black, err = compileRegexps(cfg.FeatureBlackList); err != nil {
		return nil, err
	}
	if cfg.titles, err = compileRegexps(cfg.TitleRegs); err != nil {
		return nil, err
	}
	cfg.regs = make(map[string][]Pattern, len(cfg.Regs))
	for child, srcs := range cfg.Regs {
		if cfg.regs[child], err = compilePatterns(srcs); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// kvRow is a matched row with its value cells in column order.
type kvRow struct {
	table  *document.Table
	row    int
	values [][2]int
}

// matchRows returns the rows whose header passes the white and black lists.
// Rows covered by a merged header are grouped under the header's row when
// expanding.
func (t *TableKV) matchRows(in *Input, cfg *TableKVConfig) ([][]kvRow, error) {
	var groups [][]kvRow
	for _, e := range in.View.Tables() {
		if len(cfg.titles) > 0 && !document.MatchAny(cfg.titles, tableTitle(in.View, e)) {
			continue
		}
		table := e.Table
		if cfg.UseCompleteTable {
			complete, err := in.View.CompleteTable(e.Index)
			if err != nil {
				return nil, err
			}
			table = complete
		}

		done := make(map[[2]int]bool)
		for r := 0; r < table.Rows(); r++ {
			hr, hc := table.MasterOf(r, cfg.HeaderColumn)
			if done[[2]int{hr, hc}] {
				continue
			}
			header := table.CellText(r, cfg.HeaderColumn)
			if !document.MatchAny(cfg.white, header) || document.MatchAny(cfg.black, header) {
				continue
			}
			done[[2]int{hr, hc}] = true

			span := 1
			if t.mode == kvExpand {
				if cell, ok := table.Cell(hr, hc); ok && cell.RowSpan > 1 {
					span = cell.RowSpan
				}
			}
			var group []kvRow
			for rr := r; rr < min(r+span, table.Rows()); rr++ {
				group = append(group, kvRow{table: table, row: rr, values: valueCells(table, rr, cfg.HeaderColumn)})
			}
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// valueCells lists the master coordinates right of the header column, each
// merged region once.
func valueCells(t *document.Table, r, header int) [][2]int {
	hr, hc := t.MasterOf(r, header)
	seen := map[[2]int]bool{{hr, hc}: true}
	var out [][2]int
	for c := header + 1; c < len(t.Cells[r]); c++ {
		mr, mc := t.MasterOf(r, c)
		if seen[[2]int{mr, mc}] {
			continue
		}
		seen[[2]int{mr, mc}] = true
		out = append(out, [2]int{mr, mc})
	}
	return out
}

// tableTitle is the table's own title, or the paragraph right before it.
func tableTitle(v *document.View, e document.Element) string {
	if e.Table.Title != "" {
		return e.Table.Title
	}
	prev, err := v.FindElementsNear(e.Index, 1, -1)
	if err != nil || len(prev) == 0 || prev[0].Kind != document.KindParagraph {
		return ""
	}
	return prev[0].Paragraph.Text
}

// cellValues extracts values from the given cells. With patterns each cell is
// searched for the dst group; without, the whole cell text is the value.
func (t *TableKV) cellValues(table *document.Table, cells [][2]int, patterns []*regexp.Regexp, all bool, skipBlank bool) []answer.AnswerResult {
	var out []answer.AnswerResult
	for _, rc := range cells {
		text := table.CellText(rc[0], rc[1])
		if len(patterns) == 0 {
			if text == "" || (skipBlank && isBlank(text)) {
				continue
			}
			r := answer.NewResult(text, answer.WholeCell(table, rc[0], rc[1]))
			r.Source = t.Name()
			out = append(out, r)
		} else {
			for _, re := range patterns {
				spans := findSpans(re, text, all)
				for _, s := range spans {
					r := answer.NewResult(s.text, answer.CellAnchor(table, rc[0], rc[1], s.start, s.end))
					r.Source = t.Name()
					out = append(out, r)
				}
				if len(spans) > 0 {
					break
				}
			}
		}
		if len(out) > 0 && !all {
			return out
		}
	}
	return out
}

// Extract implements Strategy for leaf fields.
func (t *TableKV) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*TableKVConfig](in, t)
	if err != nil {
		return nil, err
	}
	if !in.Field.IsLeaf() {
		return nil, fmt.Errorf("%s on %s: %w", t.Name(), in.Field.Path, ErrNotTabular)
	}
	groups, err := t.matchRows(in, cfg)
	if err != nil {
		return nil, err
	}
	patterns := resolvePatterns(cfg.patternsFor(in.Field.Name), in.Deps)

	var results []answer.AnswerResult
	for _, group := range groups {
		var found []answer.AnswerResult
		for _, row := range group {
			switch t.mode {
			case kvExpand:
				found = append(found, t.cellValues(row.table, row.values, patterns, true, true)...)
			case kvCellPartial:
				found = append(found, t.cellValues(row.table, row.values, patterns, cfg.Multi, cfg.OnlyMatchedValue)...)
			default:
				values := t.cellValues(row.table, row.values, patterns, false, true)
				if len(values) == 0 && !cfg.OnlyMatchedValue && len(patterns) == 0 {
					values = t.cellValues(row.table, row.values, nil, false, false)
				}
				found = append(found, values...)
			}
		}
		results = append(results, found...)
		if len(results) > 0 && !cfg.Multi {
			break
		}
	}
	answer.SortResults(results)
	return results, nil
}

// ExtractRows implements RowStrategy. Without regs the value cells are
// assigned to the children in declaration order.
func (t *TableKV) ExtractRows(in *Input) ([]RowCandidate, error) {
	cfg, err := options[*TableKVConfig](in, t)
	if err != nil {
		return nil, err
	}
	groups, err := t.matchRows(in, cfg)
	if err != nil {
		return nil, err
	}
	children := in.Field.ChildNames()

	var rows []RowCandidate
	for _, group := range groups {
		for _, row := range group {
			cand := RowCandidate{Values: make(map[string][]answer.AnswerResult)}
			if len(cfg.regs) > 0 {
				for _, child := range children {
					ps, ok := cfg.regs[child]
					if !ok {
						continue
					}
					if vs := t.cellValues(row.table, row.values, resolvePatterns(ps, in.Deps), false, true); len(vs) > 0 {
						cand.Values[child] = vs
					}
				}
			} else {
				for i, rc := range row.values {
					if i >= len(children) {
						break
					}
					text := row.table.CellText(rc[0], rc[1])
					if text == "" || isBlank(text) {
						continue
					}
					r := answer.NewResult(text, answer.WholeCell(row.table, rc[0], rc[1]))
					r.Source = t.Name()
					cand.Values[children[i]] = []answer.AnswerResult{r}
				}
			}
			if len(cand.Values) == 0 {
				continue
			}
			cand.OrderKey = firstPosition(children, cand.Values)
			rows = append(rows, cand)
		}
		if len(rows) > 0 && !cfg.Multi && t.mode != kvExpand {
			break
		}
	}
	return rows, nil
}

// firstPosition returns the position of the first child, in declaration order,
// that has a value.
func firstPosition(children []string, values map[string][]answer.AnswerResult) answer.Position {
	for _, c := range children {
		if vs := values[c]; len(vs) > 0 {
			return vs[0].OrderKey
		}
	}
	return answer.Position{}
}
