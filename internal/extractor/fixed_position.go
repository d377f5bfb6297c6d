package extractor

import (
	"encoding/json"
	"errors"
	"regexp"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// FixedPositionConfig configures fixed_position. Negative pages count from the
// last page, so -1 is the last page.
type FixedPositionConfig struct {
	Pages      []int    `json:"pages"`
	IndexRange *[2]int  `json:"index_range"`
	Regs       []string `json:"regs"`
	Multi      bool     `json:"multi"`

	patterns []Pattern
}

// FixedPosition extracts from paragraphs at known pages or element indexes,
// such as a cover page.
type FixedPosition struct{}

var _ Strategy = (*FixedPosition)(nil)

// Name implements Strategy.
func (*FixedPosition) Name() string { return "fixed_position" }

// Decode implements Strategy.
func (*FixedPosition) Decode(raw json.RawMessage) (any, error) {
	var cfg FixedPositionConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Pages) == 0 && cfg.IndexRange == nil {
		return nil, errors.New("fixed_position needs pages or index_range")
	}
	if r := cfg.IndexRange; r != nil && r[0] > r[1] {
		return nil, errors.New("index_range start is after its end")
	}
	var err error
	if cfg.patterns, err = compilePatterns(cfg.Regs); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *FixedPositionConfig) selects(e document.Element, pages map[int]bool) bool {
	if len(pages) > 0 && !pages[e.Page] {
		return false
	}
	if r := cfg.IndexRange; r != nil && (e.Index < r[0] || e.Index >= r[1]) {
		return false
	}
	return true
}

// Extract implements Strategy.
func (f *FixedPosition) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*FixedPositionConfig](in, f)
	if err != nil {
		return nil, err
	}

	total := len(in.View.Document().Pages)
	pages := make(map[int]bool, len(cfg.Pages))
	for _, p := range cfg.Pages {
		if p < 0 {
			p += total
		}
		pages[p] = true
	}
	elems := keep(in.View.Paragraphs(), func(e document.Element) bool { return cfg.selects(e, pages) })
	sortElements(elems)

	if len(cfg.patterns) == 0 {
		if r, ok := joinElements(f.Name(), elems); ok {
			return []answer.AnswerResult{r}, nil
		}
		return nil, nil
	}

	patterns := resolvePatterns(cfg.patterns, in.Deps)
	var results []answer.AnswerResult
	for _, e := range elems {
		results = append(results, matchParagraph(f.Name(), e.Paragraph, patterns, cfg.Multi)...)
		if len(results) > 0 && !cfg.Multi {
			break
		}
	}
	answer.SortResults(results)
	return results, nil
}

// matchParagraph applies patterns in order and returns the spans of the first
// pattern that matches.
func matchParagraph(source string, para *document.Paragraph, patterns []*regexp.Regexp, all bool) []answer.AnswerResult {
	for _, re := range patterns {
		spans := findSpans(re, para.Text, all)
		if len(spans) == 0 {
			continue
		}
		out := make([]answer.AnswerResult, 0, len(spans))
		for _, s := range spans {
			r := answer.NewResult(s.text, answer.ParagraphAnchor(para, s.start, s.end))
			r.Source = source
			out = append(out, r)
		}
		return out
	}
	return nil
}
