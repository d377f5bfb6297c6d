package rules

import (
	"context"
	"fmt"
	"strings"
)

// Builtins returns the Go predicates available to rule files as
// `{kind: builtin, name: ...}`.
func Builtins() map[string]Predicate {
	return map[string]Predicate{
		"required":     Func(required),
		"unit_present": Func(unitPresent),
	}
}

// required is compliant when every declared field has a value.
func required(_ context.Context, acc *Accessor) (Outcome, error) {
	var missing []string
	for _, p := range acc.Paths() {
		empty, err := acc.Empty(p)
		if err != nil {
			return Outcome{}, err
		}
		if empty {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return Outcome{Verdict: NonCompliant, Reason: "缺少 " + strings.Join(missing, valueSeparator)}, nil
	}
	return Outcome{Verdict: Compliant, Reason: "字段齐全"}, nil
}

// unitPresent is non-compliant when an amount was extracted without a unit.
func unitPresent(_ context.Context, acc *Accessor) (Outcome, error) {
	for _, p := range acc.Paths() {
		rs, err := acc.Results(p)
		if err != nil {
			return Outcome{}, err
		}
		for _, r := range rs {
			if r.UnitMissing {
				return Outcome{Verdict: NonCompliant, Reason: fmt.Sprintf("%s 缺少单位: %s", p, r.Text)}, nil
			}
		}
	}
	return Outcome{Verdict: Compliant, Reason: "单位齐全"}, nil
}
