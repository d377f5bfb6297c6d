package assembler

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

const defaultPageHeight = 1000.0

// groupSeparator joins the normalized sub-primary-key values of a row.
const groupSeparator = "|"

// assembleTable fills a tabular node. Rows come from the node's own row
// strategies; child extractors then fill the gaps by spatial alignment, or
// seed the rows when no row strategy produced any.
func (a *Assembler) assembleTable(r *run, f *schema.Field) bool {
	children := f.ChildNames()
	rows := a.runRowChain(r, f)
	rows = thresholdRows(rows, f.LocationThreshold)

	// Children see the values gathered so far for the siblings they depend on.
	publish := func(c *schema.Field) {
		var vs []answer.AnswerResult
		for _, row := range rows {
			vs = append(vs, row.Values[c.Name]...)
		}
		r.deps[c.Path] = vs
	}
	for _, c := range f.Children {
		publish(c)
	}

	height := pageHeight(r.req.View)
	for _, c := range r.req.Schema.ChildOrder(f.Path) {
		if len(c.Extractors) == 0 {
			continue
		}
		cands := applyThreshold(a.runChain(r, c), c.LocationThreshold)
		answer.SortResults(cands)
		if len(cands) == 0 {
			continue
		}
		if len(rows) == 0 {
			for _, cand := range cands {
				rows = append(rows, extractor.RowCandidate{
					Values:   map[string][]answer.AnswerResult{c.Name: {cand}},
					OrderKey: cand.OrderKey,
				})
			}
		} else {
			align(rows, c.Name, cands, height)
		}
		publish(c)
	}

	for i := range rows {
		if len(f.UnitDepend) > 0 {
			extractor.ApplyUnitDepend(rows[i].Values, f.UnitDepend)
		}
		rows[i].OrderKey = leadingPosition(children, rows[i].Values, rows[i].OrderKey)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].OrderKey.Less(rows[j].OrderKey) })

	groups, merged, dropped := mergeRows(f, children, rows)
	for _, row := range dropped {
		r.diagnose(KindEmptyRowKey, f.Path, "", fmt.Errorf("row on page %d dropped: no value for %s, values for %s lost",
			row.OrderKey.Page+1, strings.Join(keyChildren(f), ", "), strings.Join(filledChildren(children, row.Values), ", ")))
	}
	if f.PickOrDefault() == schema.PickFirst && len(merged) > 1 {
		groups, merged = groups[:1], merged[:1]
	}

	node := r.nodes[f.Path]
	node.Groups = groups
	var all []answer.AnswerResult
	for _, c := range f.Children {
		child := r.nodes[c.Path]
		child.Results = nil
		for gi, row := range merged {
			for _, res := range row.Values[c.Name] {
				res.GroupKey = groups[gi].Key
				child.Results = append(child.Results, res)
			}
		}
		r.deps[c.Path] = child.Results
		all = append(all, child.Results...)
	}
	r.deps[f.Path] = all
	return len(groups) > 0
}

// runRowChain is runChain for row strategies.
func (a *Assembler) runRowChain(r *run, f *schema.Field) []extractor.RowCandidate {
	cfgs := f.Extractors
	for i := 0; i < len(cfgs); i++ {
		cfg := cfgs[i]
		s, err := a.strategies.Lookup(cfg.Name)
		if err != nil {
			r.diagnose(KindExtractorFailure, f.Path, configLabel(cfg, i), err)
			return nil
		}
		if _, ok := s.(extractor.Filter); ok {
			continue
		}
		rs, ok := s.(extractor.RowStrategy)
		if !ok {
			r.diagnose(KindExtractorFailure, f.Path, configLabel(cfg, i),
				fmt.Errorf("%s cannot fill rows: %w", cfg.Name, extractor.ErrNotTabular))
			return nil
		}

		rows, err := extractor.RunRows(rs, a.input(r, f, cfg))
		if err != nil {
			kind := classify(err)
			r.diagnose(kind, f.Path, configLabel(cfg, i), err)
			if kind == KindExtractorFailure {
				return nil
			}
			continue
		}

		for i+1 < len(cfgs) {
			next, ok := a.filterAt(cfgs[i+1])
			if !ok {
				break
			}
			i++
			in := a.input(r, f, cfgs[i])
			rows = mapRows(rows, func(vs []answer.AnswerResult) []answer.AnswerResult { return next.Apply(in, vs) })
		}
		if len(rows) > 0 {
			return rows
		}
	}
	return nil
}

// mapRows applies fn to every child's values and drops rows left empty.
func mapRows(rows []extractor.RowCandidate, fn func([]answer.AnswerResult) []answer.AnswerResult) []extractor.RowCandidate {
	var out []extractor.RowCandidate
	for _, row := range rows {
		kept := extractor.RowCandidate{Values: make(map[string][]answer.AnswerResult), OrderKey: row.OrderKey}
		for child, vs := range row.Values {
			if filtered := fn(vs); len(filtered) > 0 {
				kept.Values[child] = filtered
			}
		}
		if len(kept.Values) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

func thresholdRows(rows []extractor.RowCandidate, threshold float64) []extractor.RowCandidate {
	if threshold <= 0 {
		return rows
	}
	return mapRows(rows, func(vs []answer.AnswerResult) []answer.AnswerResult { return applyThreshold(vs, threshold) })
}

// pageHeight is the tallest page of the document, used to weigh page
// differences against in-page distances.
func pageHeight(v *document.View) float64 {
	h := 0.0
	for _, p := range v.Document().Pages {
		h = max(h, p.Height)
	}
	if h <= 0 {
		return defaultPageHeight
	}
	return h
}

// distance is the Euclidean distance between two first-position keys with
// pages stacked vertically.
func distance(p, q answer.Position, height float64) float64 {
	dy := float64(p.Page-q.Page)*height + p.Box[1] - q.Box[1]
	dx := p.Box[0] - q.Box[0]
	return math.Hypot(dx, dy)
}

// align gives each row lacking child the nearest candidate. A candidate goes
// to its nearest row; when several pick the same row the closest one wins,
// ties to the earlier candidate.
func align(rows []extractor.RowCandidate, child string, cands []answer.AnswerResult, height float64) {
	type pick struct {
		cand int
		dist float64
	}
	best := make([]*pick, len(rows))
	for ci, cand := range cands {
		ri, d := -1, 0.0
		for i, row := range rows {
			if dd := distance(cand.OrderKey, row.OrderKey, height); ri < 0 || dd < d {
				ri, d = i, dd
			}
		}
		if best[ri] == nil || d < best[ri].dist {
			best[ri] = &pick{cand: ci, dist: d}
		}
	}
	for ri, p := range best {
		if p == nil || len(rows[ri].Values[child]) > 0 {
			continue
		}
		if rows[ri].Values == nil {
			rows[ri].Values = make(map[string][]answer.AnswerResult)
		}
		rows[ri].Values[child] = []answer.AnswerResult{cands[p.cand]}
	}
}

// leadingPosition is the position of the first child, in declaration order,
// that has a value.
func leadingPosition(children []string, values map[string][]answer.AnswerResult, fallback answer.Position) answer.Position {
	for _, c := range children {
		if vs := values[c]; len(vs) > 0 {
			return vs[0].OrderKey
		}
	}
	return fallback
}

// keyChildren are the children whose values form a row's group key. Without
// a sub-primary-key every child takes part.
func keyChildren(f *schema.Field) []string {
	if len(f.SubPrimaryKey) > 0 {
		return f.SubPrimaryKey
	}
	return f.ChildNames()
}

func filledChildren(children []string, values map[string][]answer.AnswerResult) []string {
	var out []string
	for _, c := range children {
		if len(values[c]) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// groupKey joins the normalized key-child values of a row. ok is false when
// all parts are empty.
func groupKey(f *schema.Field, values map[string][]answer.AnswerResult) (string, bool) {
	keys := keyChildren(f)
	parts := make([]string, len(keys))
	ok := false
	for i, k := range keys {
		if vs := values[k]; len(vs) > 0 {
			parts[i] = document.Normalize(vs[0].Text)
		}
		ok = ok || parts[i] != ""
	}
	return strings.Join(parts, groupSeparator), ok
}

// mergeRows collapses rows sharing a group key. The earlier row keeps its
// values; later duplicates only fill children it lacks. Rows without any key
// value are returned as dropped.
func mergeRows(f *schema.Field, children []string, rows []extractor.RowCandidate) (groups []answer.Group, out, dropped []extractor.RowCandidate) {
	slot := make(map[string]int)
	for _, row := range rows {
		key, ok := groupKey(f, row.Values)
		if !ok {
			dropped = append(dropped, row)
			continue
		}
		if i, seen := slot[key]; seen {
			for _, c := range children {
				if len(out[i].Values[c]) == 0 && len(row.Values[c]) > 0 {
					out[i].Values[c] = row.Values[c]
				}
			}
			continue
		}
		slot[key] = len(out)
		groups = append(groups, answer.Group{Key: key, OrderKey: row.OrderKey})
		out = append(out, row)
	}
	return groups, out, dropped
}
