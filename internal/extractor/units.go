package extractor

import (
	"math/big"
	"regexp"
	"strings"

	"golang.org/x/text/width"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
)

// unitScales maps a unit suffix to its factor relative to the base unit.
// Longer suffixes come first so 万元 wins over 元.
var unitScales = []struct {
	suffix string
	scale  string
}{
	{"十亿元", "1000000000"},
	{"千万元", "10000000"},
	{"百万元", "1000000"},
	{"亿元", "100000000"},
	{"万元", "10000"},
	{"千元", "1000"},
	{"元", "1"},
	{"亿", "100000000"},
	{"万", "10000"},
	{"%", "0.01"},
	{"‰", "0.001"},
}

var currencies = []struct {
	names []string
	code  string
}{
	{[]string{"美元"}, "USD"},
	{[]string{"港元", "港币"}, "HKD"},
	{[]string{"欧元"}, "EUR"},
	{[]string{"日元"}, "JPY"},
	{[]string{"人民币"}, "CNY"},
}

var (
	unitLabel   = regexp.MustCompile(`^[(（]?\s*(?:单位|币种)\s*[:：]?\s*`)
	numberValue = regexp.MustCompile(`^[-+]?[0-9][0-9,]*(?:\.[0-9]+)?`)
)

// splitUnit identifies the currency in a unit text and reduces it to a scale
// suffix: "单位：万美元" becomes ("万元", "USD").
func splitUnit(unit string) (string, string) {
	u := width.Fold.String(strings.TrimSpace(unit))
	u = unitLabel.ReplaceAllString(u, "")
	u = strings.Trim(u, "()（） ")
	currency := ""
	for _, c := range currencies {
		for _, name := range c.names {
			if strings.Contains(u, name) {
				currency = c.code
				if c.code == "CNY" {
					u = strings.ReplaceAll(u, name, "")
				} else {
					u = strings.ReplaceAll(u, name, "元")
				}
			}
		}
	}
	if currency == "" && strings.HasSuffix(u, "元") {
		currency = "CNY"
	}
	if u == "" && currency != "" {
		u = "元"
	}
	return u, currency
}

func scaleOf(suffix string) (*big.Rat, bool) {
	for _, s := range unitScales {
		if strings.HasSuffix(suffix, s.suffix) {
			r, _ := new(big.Rat).SetString(s.scale)
			return r, true
		}
	}
	return nil, false
}

// NormalizeAmount scales value by unit. It returns the canonical decimal and
// the detected currency; ok is false when either part cannot be read.
func NormalizeAmount(value, unit string) (normalized, currency string, ok bool) {
	suffix, currency := splitUnit(unit)
	scale, found := scaleOf(suffix)
	if !found {
		return "", currency, false
	}
	num := numberValue.FindString(width.Fold.String(strings.TrimSpace(value)))
	if num == "" {
		return "", currency, false
	}
	r, valid := new(big.Rat).SetString(strings.ReplaceAll(num, ",", ""))
	if !valid {
		return "", currency, false
	}
	r.Mul(r, scale)
	return formatRat(r), currency, true
}

// formatRat prints r as a decimal without trailing zeros.
func formatRat(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	s := r.FloatString(6)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// embeddedUnit splits "5,000万元" into its number and unit parts.
func embeddedUnit(text string) (string, bool) {
	folded := width.Fold.String(strings.TrimSpace(text))
	num := numberValue.FindString(folded)
	if num == "" {
		return "", false
	}
	rest := strings.TrimSpace(folded[len(num):])
	if _, ok := scaleOf(rest); !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// ApplyUnitDepend attaches the unit companion to every amount result in one
// row. values maps child names to their results; unitDepend maps amount
// children to their unit children. When no unit is present the amount keeps
// its text and is flagged UnitMissing.
func ApplyUnitDepend(values map[string][]answer.AnswerResult, unitDepend map[string]string) {
	for amountField, unitField := range unitDepend {
		unit := ""
		if us := values[unitField]; len(us) > 0 {
			unit = strings.TrimSpace(us[0].Text)
		}
		amounts := values[amountField]
		for i := range amounts {
			r := &amounts[i]
			u := unit
			if u == "" {
				if embedded, ok := embeddedUnit(r.Text); ok {
					u = embedded
				}
			}
			if u == "" {
				r.UnitMissing = true
				continue
			}
			r.Unit = u
			normalized, currency, ok := NormalizeAmount(r.Text, u)
			r.Currency = currency
			if ok {
				r.Normalized = normalized
			}
		}
	}
}
