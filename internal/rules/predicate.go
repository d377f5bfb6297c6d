package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// Regex is compliant when any value at Field matches Pattern, or when none
// does if Negate is set.
type Regex struct {
	Field   string
	Pattern *regexp.Regexp
	Negate  bool
}

func (p Regex) Evaluate(_ context.Context, acc *Accessor) (Outcome, error) {
	vs, err := acc.Values(p.Field)
	if err != nil {
		return Outcome{}, err
	}
	matched := ""
	for _, v := range vs {
		if p.Pattern.MatchString(document.Normalize(v)) {
			matched = v
			break
		}
	}
	switch {
	case matched != "" && !p.Negate:
		return Outcome{Verdict: Compliant, Reason: fmt.Sprintf("%s 符合 %s", matched, p.Pattern)}, nil
	case matched != "":
		return Outcome{Verdict: NonCompliant, Reason: fmt.Sprintf("%s 不应匹配 %s", matched, p.Pattern)}, nil
	case p.Negate:
		return Outcome{Verdict: Compliant, Reason: fmt.Sprintf("未出现 %s", p.Pattern)}, nil
	}
	return Outcome{Verdict: NonCompliant, Reason: fmt.Sprintf("%s 不符合 %s", strings.Join(vs, valueSeparator), p.Pattern)}, nil
}

// Range is compliant when the numeric value at Field lies within [Min, Max].
// A nil bound is open. A non-numeric value is ignored.
type Range struct {
	Field    string
	Min, Max *float64
}

func (p Range) Evaluate(_ context.Context, acc *Accessor) (Outcome, error) {
	n, ok, err := acc.Number(p.Field)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Verdict: Ignore, Reason: fmt.Sprintf("%s 不是数值", p.Field)}, nil
	}
	if p.Min != nil && n < *p.Min {
		return Outcome{Verdict: NonCompliant, Reason: fmt.Sprintf("%g 小于下限 %g", n, *p.Min)}, nil
	}
	if p.Max != nil && n > *p.Max {
		return Outcome{Verdict: NonCompliant, Reason: fmt.Sprintf("%g 大于上限 %g", n, *p.Max)}, nil
	}
	return Outcome{Verdict: Compliant, Reason: fmt.Sprintf("%g 在范围内", n)}, nil
}

// Consistent is compliant when every non-empty value across Fields is the
// same after normalization. Fewer than two values are ignored.
type Consistent struct {
	Fields []string
}

func (p Consistent) Evaluate(_ context.Context, acc *Accessor) (Outcome, error) {
	var (
		first, firstPath string
		seen             int
	)
	for _, path := range p.Fields {
		v, err := acc.Value(path)
		if err != nil {
			return Outcome{}, err
		}
		norm := document.Normalize(v)
		if norm == "" {
			continue
		}
		seen++
		if seen == 1 {
			first, firstPath = norm, path
			continue
		}
		if norm != first {
			return Outcome{
				Verdict: NonCompliant,
				Reason:  fmt.Sprintf("%s(%s) 与 %s(%s) 不一致", firstPath, first, path, norm),
			}, nil
		}
	}
	if seen < 2 {
		return Outcome{Verdict: Ignore, Reason: "可比较的字段不足"}, nil
	}
	return Outcome{Verdict: Compliant, Reason: "字段一致"}, nil
}

// Enum is compliant when the value at Field is one of Values.
type Enum struct {
	Field  string
	Values []string
}

func (p Enum) Evaluate(_ context.Context, acc *Accessor) (Outcome, error) {
	v, err := acc.Value(p.Field)
	if err != nil {
		return Outcome{}, err
	}
	norm := document.Normalize(v)
	for _, allowed := range p.Values {
		if norm == document.Normalize(allowed) {
			return Outcome{Verdict: Compliant, Reason: fmt.Sprintf("%s 为允许值", v)}, nil
		}
	}
	return Outcome{
		Verdict: NonCompliant,
		Reason:  fmt.Sprintf("%s 不在 [%s] 中", v, strings.Join(p.Values, valueSeparator)),
	}, nil
}
