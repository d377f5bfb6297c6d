package extractor

import (
	"encoding/json"
	"errors"
	"regexp"
	"sort"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// ElementsNearby restricts a scan to paragraphs next to an anchor paragraph.
type ElementsNearby struct {
	Regs   []string `json:"regs"`
	Amount int      `json:"amount"`
	Step   int      `json:"step"`

	anchors []*regexp.Regexp
}

// PartialTextConfig configures partial_text.
type PartialTextConfig struct {
	Regs              []string        `json:"regs"`
	UseAnswerPattern  bool            `json:"use_answer_pattern"`
	SyllabusRegs      []string        `json:"syllabus_regs"`
	NeglectPatterns   []string        `json:"neglect_patterns"`
	ElementsNearby    *ElementsNearby `json:"elements_nearby"`
	Multi             bool            `json:"multi"`
	MultiElements     bool            `json:"multi_elements"`
	StartAfterDepends bool            `json:"start_after_depends"`
	ModelAlternative  bool            `json:"model_alternative"`

	patterns []Pattern
	syllabus []*regexp.Regexp
	neglect  []*regexp.Regexp
}

// PartialText extracts the dst group of paragraph regexes.
type PartialText struct{}

var _ Strategy = (*PartialText)(nil)

// Name implements Strategy.
func (*PartialText) Name() string { return "partial_text" }

// Decode implements Strategy.
func (*PartialText) Decode(raw json.RawMessage) (any, error) {
	var cfg PartialTextConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Regs) == 0 && !cfg.UseAnswerPattern && !cfg.ModelAlternative {
		return nil, errors.New("partial_text needs regs, use_answer_pattern or model_alternative")
	}
	var err error
	if cfg.patterns, err = compilePatterns(cfg.Regs); err != nil {
		return nil, err
	}
	if cfg.syllabus, err = compileRegexps(cfg.SyllabusRegs); err != nil {
		return nil, err
	}
	if cfg.neglect, err = compileRegexps(cfg.NeglectPatterns); err != nil {
		return nil, err
	}
	if n := cfg.ElementsNearby; n != nil {
		if len(n.Regs) == 0 {
			return nil, errors.New("elements_nearby needs regs")
		}
		if n.anchors, err = compileRegexps(n.Regs); err != nil {
			return nil, err
		}
		if n.Amount <= 0 {
			n.Amount = 1
		}
		if n.Step == 0 {
			n.Step = 1
		}
	}
	return &cfg, nil
}

// Extract implements Strategy.
func (p *PartialText) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*PartialTextConfig](in, p)
	if err != nil {
		return nil, err
	}

	var patterns []*regexp.Regexp
	if cfg.UseAnswerPattern {
		for _, src := range in.Learned {
			if re, err := regexp.Compile(src); err == nil {
				patterns = append(patterns, re)
			}
		}
	}
	patterns = append(patterns, resolvePatterns(cfg.patterns, in.Deps)...)

	paras, err := p.scope(in, cfg)
	if err != nil {
		return nil, err
	}

	var results []answer.AnswerResult
	for _, e := range paras {
		para := e.Paragraph
		if document.MatchAny(cfg.neglect, para.Text) {
			continue
		}
		var found []answer.AnswerResult
		for _, re := range patterns {
			for _, s := range findSpans(re, para.Text, cfg.Multi) {
				r := answer.NewResult(s.text, answer.ParagraphAnchor(para, s.start, s.end))
				r.Source = p.Name()
				found = append(found, r)
			}
			if len(found) > 0 && !cfg.Multi {
				break
			}
		}
		if len(found) == 0 {
			continue
		}
		results = append(results, found...)
		if !cfg.MultiElements {
			break
		}
	}

	if len(results) == 0 && (cfg.ModelAlternative || in.Config.ModelAlternative) && in.Model != nil {
		predicted, err := in.Model.Predict(in.View, in.Field)
		if err != nil {
			return nil, err
		}
		for i := range predicted {
			if predicted[i].Source == "" {
				predicted[i].Source = "model"
			}
		}
		results = predicted
	}

	answer.SortResults(results)
	return results, nil
}

// scope returns the paragraphs a partial_text config may scan, in reading order.
func (p *PartialText) scope(in *Input, cfg *PartialTextConfig) ([]document.Element, error) {
	paras := in.View.Paragraphs()

	if len(cfg.syllabus) > 0 {
		paras = withinSyllabus(in.View, paras, cfg.syllabus, 0)
	}

	if n := cfg.ElementsNearby; n != nil {
		anchors := in.View.FindParagraphsMatching(n.anchors, 0, false)
		if len(anchors) == 0 {
			return nil, nil
		}
		near, err := in.View.FindElementsNear(anchors[0].Index, n.Amount, n.Step, document.KindParagraph)
		if err != nil {
			return nil, err
		}
		allowed := make(map[int]bool, len(near))
		for _, e := range near {
			allowed[e.Index] = true
		}
		paras = keep(paras, func(e document.Element) bool { return allowed[e.Index] })
	}

	if cfg.StartAfterDepends {
		after := in.Deps.LastIndex()
		paras = keep(paras, func(e document.Element) bool { return e.Index > after })
	}
	return paras, nil
}

// withinSyllabus keeps the elements covered by any syllabus entry whose title
// matches one of patterns.
func withinSyllabus(v *document.View, elems []document.Element, patterns []*regexp.Regexp, levelLimit int) []document.Element {
	allowed := make(map[int]bool)
	for _, re := range patterns {
		for _, entry := range v.SyllabusMatching(re, levelLimit) {
			for _, e := range v.ElementsUnder(entry, false) {
				allowed[e.Index] = true
			}
		}
	}
	return keep(elems, func(e document.Element) bool { return allowed[e.Index] })
}

func keep(elems []document.Element, fn func(document.Element) bool) []document.Element {
	var out []document.Element
	for _, e := range elems {
		if fn(e) {
			out = append(out, e)
		}
	}
	return out
}

func compileRegexps(srcs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(srcs))
	for _, s := range srcs {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// sortElements orders elements by index.
func sortElements(elems []document.Element) {
	sort.SliceStable(elems, func(i, j int) bool { return elems[i].Index < elems[j].Index })
}
