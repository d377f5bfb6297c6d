package extractor

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// MiddleParasConfig configures middle_paras.
type MiddleParasConfig struct {
	TopAnchorRegs        []string `json:"top_anchor_regs"`
	BottomAnchorRegs     []string `json:"bottom_anchor_regs"`
	IncludeTopAnchor     bool     `json:"include_top_anchor"`
	IncludeBottomAnchor  bool     `json:"include_bottom_anchor"`
	TopDefault           bool     `json:"top_default"`
	BottomDefault        bool     `json:"bottom_default"`
	UseSyllabusModel     bool     `json:"use_syllabus_model"`
	SyllabusRegs         []string `json:"syllabus_regs"`
	TableRegardedAsParas bool     `json:"table_regarded_as_paras"`
	IncludeTables        bool     `json:"include_tables"`
	StartAfterDepends    bool     `json:"start_after_depends"`

	top      []Pattern
	bottom   []Pattern
	syllabus []*regexp.Regexp
}

// MiddleParas yields the elements between a top and a bottom anchor.
type MiddleParas struct{}

var _ Strategy = (*MiddleParas)(nil)

// Name implements Strategy.
func (*MiddleParas) Name() string { return "middle_paras" }

// Decode implements Strategy.
func (*MiddleParas) Decode(raw json.RawMessage) (any, error) {
	var cfg MiddleParasConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.TopAnchorRegs) == 0 && len(cfg.BottomAnchorRegs) == 0 && !cfg.UseSyllabusModel {
		return nil, errors.New("middle_paras needs an anchor or use_syllabus_model")
	}
	if cfg.UseSyllabusModel && len(cfg.SyllabusRegs) == 0 {
		return nil, errors.New("use_syllabus_model needs syllabus_regs")
	}
	var err error
	if cfg.top, err = compilePatterns(cfg.TopAnchorRegs); err != nil {
		return nil, err
	}
	if cfg.bottom, err = compilePatterns(cfg.BottomAnchorRegs); err != nil {
		return nil, err
	}
	if cfg.syllabus, err = compileRegexps(cfg.SyllabusRegs); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Extract implements Strategy.
func (m *MiddleParas) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*MiddleParasConfig](in, m)
	if err != nil {
		return nil, err
	}

	section := in.View.Elements()
	if cfg.UseSyllabusModel {
		section = nil
		for _, re := range cfg.syllabus {
			if _, elems, ok := in.View.SyllabusElementsUnder(re, 0, false); ok {
				section = elems
				break
			}
		}
	}
	if cfg.StartAfterDepends {
		after := in.Deps.LastIndex()
		section = keep(section, func(e document.Element) bool { return e.Index > after })
	}
	if len(section) == 0 {
		return nil, nil
	}

	anchorText := func(e document.Element) (string, bool) {
		switch {
		case e.Kind == document.KindParagraph:
			return e.Paragraph.Text, true
		case cfg.TableRegardedAsParas:
			return e.Table.Text(), true
		}
		return "", false
	}
	find := func(patterns []*regexp.Regexp, from int) int {
		for i := from; i < len(section); i++ {
			if text, ok := anchorText(section[i]); ok && document.MatchAny(patterns, text) {
				return i
			}
		}
		return -1
	}

	start := 0
	top := -1
	if len(cfg.top) > 0 {
		top = find(resolvePatterns(cfg.top, in.Deps), 0)
		switch {
		case top >= 0 && cfg.IncludeTopAnchor:
			start = top
		case top >= 0:
			start = top + 1
		case !cfg.TopDefault:
			return nil, nil
		}
	}

	end := len(section)
	if len(cfg.bottom) > 0 {
		bottom := find(resolvePatterns(cfg.bottom, in.Deps), top+1)
		switch {
		case bottom >= 0 && cfg.IncludeBottomAnchor:
			end = bottom + 1
		case bottom >= 0:
			end = bottom
		case !cfg.BottomDefault:
			return nil, nil
		}
	}
	if start >= end {
		return nil, nil
	}

	var picked []document.Element
	for _, e := range section[start:end] {
		if e.Kind == document.KindTable && !cfg.IncludeTables && !cfg.TableRegardedAsParas {
			continue
		}
		picked = append(picked, e)
	}
	r, ok := joinElements(m.Name(), picked)
	if !ok {
		return nil, nil
	}
	return []answer.AnswerResult{r}, nil
}

// joinElements builds one result covering elems, texts joined by newlines.
func joinElements(source string, elems []document.Element) (answer.AnswerResult, bool) {
	var texts []string
	var anchors []answer.ElementResult
	for _, e := range elems {
		switch e.Kind {
		case document.KindParagraph:
			if strings.TrimSpace(e.Paragraph.Text) == "" {
				continue
			}
			texts = append(texts, e.Paragraph.Text)
			anchors = append(anchors, answer.WholeParagraph(e.Paragraph))
		case document.KindTable:
			texts = append(texts, e.Table.Text())
			anchors = append(anchors, answer.WholeTable(e.Table))
		}
	}
	if len(anchors) == 0 {
		return answer.AnswerResult{}, false
	}
	r := answer.NewResult(strings.Join(texts, "\n"), anchors...)
	r.Source = source
	return r, true
}

// SyllabusEltConfig configures syllabus_elt_v2.
type SyllabusEltConfig struct {
	InjectSyllabusFeatures []string `json:"inject_syllabus_features"`
	LevelLimit             int      `json:"level_limit"`
	IgnoreChildren         bool     `json:"ignore_children"`
	IncludeTitle           bool     `json:"include_title"`
	IncludeTables          bool     `json:"include_tables"`
	Multi                  bool     `json:"multi"`

	features []*regexp.Regexp
}

// SyllabusElt yields the content of explicitly named headings.
type SyllabusElt struct{}

var _ Strategy = (*SyllabusElt)(nil)

// Name implements Strategy.
func (*SyllabusElt) Name() string { return "syllabus_elt_v2" }

// Decode implements Strategy.
func (*SyllabusElt) Decode(raw json.RawMessage) (any, error) {
	var cfg SyllabusEltConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.InjectSyllabusFeatures) == 0 {
		return nil, errors.New("syllabus_elt_v2 needs inject_syllabus_features")
	}
	var err error
	if cfg.features, err = compileRegexps(cfg.InjectSyllabusFeatures); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Extract implements Strategy.
func (s *SyllabusElt) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*SyllabusEltConfig](in, s)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var results []answer.AnswerResult
	for _, re := range cfg.features {
		for _, entry := range in.View.SyllabusMatching(re, cfg.LevelLimit) {
			if seen[entry.Index] {
				continue
			}
			seen[entry.Index] = true

			elems := keep(in.View.ElementsUnder(entry, cfg.IgnoreChildren), func(e document.Element) bool {
				if e.Kind == document.KindTable {
					return cfg.IncludeTables
				}
				return cfg.IncludeTitle || !document.IsTitleElement(entry, e)
			})
			if r, ok := joinElements(s.Name(), elems); ok {
				results = append(results, r)
				if !cfg.Multi {
					return results, nil
				}
			}
		}
	}
	answer.SortResults(results)
	return results, nil
}

// SyllabusBasedConfig configures syllabus_based.
type SyllabusBasedConfig struct {
	SyllabusRegs   []string `json:"syllabus_regs"`
	LevelLimit     int      `json:"level_limit"`
	IgnoreChildren bool     `json:"ignore_children"`
	Regs           []string `json:"regs"`
	Multi          bool     `json:"multi"`

	syllabus []*regexp.Regexp
	patterns []Pattern
}

// SyllabusBased finds a section by heading and extracts from inside it.
type SyllabusBased struct{}

var _ Strategy = (*SyllabusBased)(nil)

// Name implements Strategy.
func (*SyllabusBased) Name() string { return "syllabus_based" }

// Decode implements Strategy.
func (*SyllabusBased) Decode(raw json.RawMessage) (any, error) {
	var cfg SyllabusBasedConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.SyllabusRegs) == 0 {
		return nil, errors.New("syllabus_based needs syllabus_regs")
	}
	var err error
	if cfg.syllabus, err = compileRegexps(cfg.SyllabusRegs); err != nil {
		return nil, err
	}
	if cfg.patterns, err = compilePatterns(cfg.Regs); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Extract implements Strategy.
func (s *SyllabusBased) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*SyllabusBasedConfig](in, s)
	if err != nil {
		return nil, err
	}

	var (
		entry document.SyllabusEntry
		elems []document.Element
		found bool
	)
	for _, re := range cfg.syllabus {
		if entry, elems, found = in.View.SyllabusElementsUnder(re, cfg.LevelLimit, cfg.IgnoreChildren); found {
			break
		}
	}
	if !found {
		return nil, nil
	}
	elems = keep(elems, func(e document.Element) bool {
		return e.Kind == document.KindParagraph && !document.IsTitleElement(entry, e)
	})

	if len(cfg.patterns) == 0 {
		if r, ok := joinElements(s.Name(), elems); ok {
			return []answer.AnswerResult{r}, nil
		}
		return nil, nil
	}

	patterns := resolvePatterns(cfg.patterns, in.Deps)
	var results []answer.AnswerResult
	for _, e := range elems {
		for _, re := range patterns {
			for _, sp := range findSpans(re, e.Paragraph.Text, cfg.Multi) {
				r := answer.NewResult(sp.text, answer.ParagraphAnchor(e.Paragraph, sp.start, sp.end))
				r.Source = s.Name()
				results = append(results, r)
			}
			if len(results) > 0 && !cfg.Multi {
				return results, nil
			}
		}
	}
	answer.SortResults(results)
	return results, nil
}
