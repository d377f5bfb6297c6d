package extractor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// placeholder matches {{field.path}} references to dependency values.
var placeholder = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Pattern is a regex that may reference dependency values. Patterns without
// placeholders are compiled once at decode time.
type Pattern struct {
	Source string
	regex  *regexp.Regexp
}

func compilePattern(src string) (Pattern, error) {
	if placeholder.MatchString(src) {
		probe := placeholder.ReplaceAllString(src, "x")
		if _, err := regexp.Compile(probe); err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", src, err)
		}
		return Pattern{Source: src}, nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", src, err)
	}
	return Pattern{Source: src, regex: re}, nil
}

func compilePatterns(srcs []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(srcs))
	for _, s := range srcs {
		p, err := compilePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Resolve returns the regex with placeholders replaced by the quoted
// dependency values. ok is false when a referenced dependency has no value.
func (p Pattern) Resolve(deps DependsMap) (*regexp.Regexp, bool) {
	if p.regex != nil {
		return p.regex, true
	}
	missing := false
	src := placeholder.ReplaceAllStringFunc(p.Source, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		texts := deps.Texts(path)
		if len(texts) == 0 {
			missing = true
			return ""
		}
		quoted := make([]string, len(texts))
		for i, t := range texts {
			quoted[i] = regexp.QuoteMeta(t)
		}
		return "(?:" + strings.Join(quoted, "|") + ")"
	})
	if missing {
		return nil, false
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, false
	}
	return re, true
}

func resolvePatterns(ps []Pattern, deps DependsMap) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(ps))
	for _, p := range ps {
		if re, ok := p.Resolve(deps); ok {
			out = append(out, re)
		}
	}
	return out
}

// span is a matched rune range of a text.
type span struct {
	start, end int
	text       string
}

// findSpans returns the dst group of the first match, or of every match when
// all is set. Patterns without a dst group yield the whole match. Captures are
// trimmed of surrounding whitespace; empty captures are dropped.
func findSpans(re *regexp.Regexp, text string, all bool) []span {
	group := re.SubexpIndex("dst")
	n := 1
	if all {
		n = -1
	}
	var out []span
	for _, loc := range re.FindAllStringSubmatchIndex(text, n) {
		bs, be := loc[0], loc[1]
		if group > 0 {
			bs, be = loc[2*group], loc[2*group+1]
		}
		if bs < 0 {
			continue
		}
		if s, ok := trimmedSpan(text, bs, be); ok {
			out = append(out, s)
		}
	}
	return out
}

func trimmedSpan(text string, bs, be int) (span, bool) {
	sub := text[bs:be]
	lead := len(sub) - len(strings.TrimLeftFunc(sub, unicode.IsSpace))
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return span{}, false
	}
	start := utf8.RuneCountInString(text[:bs+lead])
	return span{start: start, end: start + utf8.RuneCountInString(sub), text: sub}, true
}

// blankValues are cell texts that mean "no value".
var blankValues = map[string]bool{
	"": true, "-": true, "—": true, "――": true, "——": true, "--": true,
	"/": true, "／": true, "－": true, "无": true, "N/A": true,
}

// isBlank reports whether a cell text is a blank-equivalent.
func isBlank(s string) bool {
	return blankValues[strings.TrimSpace(s)]
}

// serialNumber matches pure-number serial cells such as "1", "02", "3.".
var serialNumber = regexp.MustCompile(`^\s*[0-9０-９]+[.、]?\s*$`)
