package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// valueSeparator joins the texts of a multi-valued field.
const valueSeparator = "、"

// Accessor is a read-only view of the AnswerTree restricted to the paths a
// rule declared. Any other path is ErrUndeclaredPath.
type Accessor struct {
	source answer.Source
	fields []SchemaResult
	index  map[string]int
}

func newAccessor(source answer.Source, fields []SchemaResult) *Accessor {
	a := &Accessor{source: source, fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		a.index[f.Path] = i
	}
	return a
}

// NewAccessor builds an accessor over fields, for predicates evaluated
// outside an Engine.
func NewAccessor(source answer.Source, fields ...SchemaResult) *Accessor {
	for i := range fields {
		if fields[i].Value == "" {
			fields[i].Value = joinTexts(fields[i].Results)
		}
	}
	return newAccessor(source, fields)
}

// Source is the answer source the tree was built from.
func (a *Accessor) Source() answer.Source { return a.source }

// Paths returns the declared paths in declaration order.
func (a *Accessor) Paths() []string {
	out := make([]string, len(a.fields))
	for i, f := range a.fields {
		out[i] = f.Path
	}
	return out
}

func (a *Accessor) field(path string) (SchemaResult, error) {
	i, ok := a.index[path]
	if !ok {
		return SchemaResult{}, fmt.Errorf("%q: %w", path, ErrUndeclaredPath)
	}
	return a.fields[i], nil
}

// Results returns the answer results held at path.
func (a *Accessor) Results(path string) ([]answer.AnswerResult, error) {
	f, err := a.field(path)
	if err != nil {
		return nil, err
	}
	return f.Results, nil
}

// Value returns the first extracted text at path, or "".
func (a *Accessor) Value(path string) (string, error) {
	rs, err := a.Results(path)
	if err != nil || len(rs) == 0 {
		return "", err
	}
	return rs[0].Text, nil
}

// Values returns every extracted text at path.
func (a *Accessor) Values(path string) ([]string, error) {
	rs, err := a.Results(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Text
	}
	return out, nil
}

// Empty reports whether path has no non-blank value.
func (a *Accessor) Empty(path string) (bool, error) {
	vs, err := a.Values(path)
	if err != nil {
		return false, err
	}
	for _, v := range vs {
		if document.Normalize(v) != "" {
			return false, nil
		}
	}
	return true, nil
}

// Number returns the first value at path as a number. A unit-normalized value
// is preferred over the raw text. ok is false when there is no numeric value.
func (a *Accessor) Number(path string) (n float64, ok bool, err error) {
	rs, err := a.Results(path)
	if err != nil || len(rs) == 0 {
		return 0, false, err
	}
	n, ok = parseNumber(rs[0])
	return n, ok, nil
}

func parseNumber(r answer.AnswerResult) (float64, bool) {
	text := r.Normalized
	if text == "" {
		text = strings.NewReplacer(",", "", "%", "").Replace(document.Normalize(r.Text))
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func joinTexts(rs []answer.AnswerResult) string {
	texts := make([]string, 0, len(rs))
	for _, r := range rs {
		texts = append(texts, r.Text)
	}
	return strings.Join(texts, valueSeparator)
}
