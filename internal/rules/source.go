package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Source supplies the rule set of a schema. Rules are loaded per run.
type Source interface {
	Rules(ctx context.Context, schema string) ([]Rule, error)
}

// PredicateDefinition is the serialized predicate of a rule. Kind selects
// which of the other keys apply.
type PredicateDefinition struct {
	Kind    string   `koanf:"kind"`
	Expr    string   `koanf:"expr"`
	Field   string   `koanf:"field"`
	Fields  []string `koanf:"fields"`
	Pattern string   `koanf:"pattern"`
	Negate  bool     `koanf:"negate"`
	Min     *float64 `koanf:"min"`
	Max     *float64 `koanf:"max"`
	Values  []string `koanf:"values"`
	Name    string   `koanf:"name"`
}

// Definition is the serialized form of a rule.
type Definition struct {
	ID           string              `koanf:"id"`
	Name         string              `koanf:"name"`
	Label        string              `koanf:"label"`
	Origin       string              `koanf:"origin"`
	Fields       []string            `koanf:"fields"`
	ReviewStatus string              `koanf:"review_status"`
	Tip          string              `koanf:"tip"`
	Suggestion   string              `koanf:"suggestion"`
	Predicate    PredicateDefinition `koanf:"predicate"`
}

// Predicate kinds.
const (
	KindExpr       = "expr"
	KindRegex      = "regex"
	KindRange      = "range"
	KindConsistent = "consistent"
	KindEnum       = "enum"
	KindBuiltin    = "builtin"
)

// Compile turns a definition into a Rule. Builtin predicates are looked up in
// builtins by name.
func Compile(def Definition, builtins map[string]Predicate) (Rule, error) {
	if def.ID == "" {
		return Rule{}, fmt.Errorf("%w: rule without id", ErrInvalidRule)
	}
	r := Rule{
		ID:           def.ID,
		Name:         def.Name,
		Label:        def.Label,
		Origin:       def.Origin,
		Fields:       def.Fields,
		ReviewStatus: def.ReviewStatus,
		Tip:          def.Tip,
		Suggestion:   def.Suggestion,
	}

	pd := def.Predicate
	field := pd.Field
	if field == "" && len(def.Fields) > 0 {
		field = def.Fields[0]
	}
	needField := func() error {
		if field == "" {
			return fmt.Errorf("%w: %s: %s predicate without field", ErrInvalidRule, def.ID, pd.Kind)
		}
		return nil
	}

	switch pd.Kind {
	case KindExpr:
		e, err := CompileExpr(pd.Expr)
		if err != nil {
			return Rule{}, fmt.Errorf("%s: %w", def.ID, err)
		}
		r.Predicate = e
	case KindRegex:
		if err := needField(); err != nil {
			return Rule{}, err
		}
		re, err := regexp.Compile(pd.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %s: %v", ErrInvalidRule, def.ID, err)
		}
		r.Predicate = Regex{Field: field, Pattern: re, Negate: pd.Negate}
	case KindRange:
		if err := needField(); err != nil {
			return Rule{}, err
		}
		if pd.Min == nil && pd.Max == nil {
			return Rule{}, fmt.Errorf("%w: %s: range without bounds", ErrInvalidRule, def.ID)
		}
		r.Predicate = Range{Field: field, Min: pd.Min, Max: pd.Max}
	case KindConsistent:
		fields := pd.Fields
		if len(fields) == 0 {
			fields = def.Fields
		}
		if len(fields) < 2 {
			return Rule{}, fmt.Errorf("%w: %s: consistent needs two fields", ErrInvalidRule, def.ID)
		}
		r.Predicate = Consistent{Fields: fields}
	case KindEnum:
		if err := needField(); err != nil {
			return Rule{}, err
		}
		if len(pd.Values) == 0 {
			return Rule{}, fmt.Errorf("%w: %s: enum without values", ErrInvalidRule, def.ID)
		}
		r.Predicate = Enum{Field: field, Values: pd.Values}
	case KindBuiltin:
		p, ok := builtins[pd.Name]
		if !ok {
			return Rule{}, fmt.Errorf("%w: %s: unknown builtin %q", ErrInvalidRule, def.ID, pd.Name)
		}
		r.Predicate = p
		r.Builtin = true
	default:
		return Rule{}, fmt.Errorf("%w: %s: unknown predicate kind %q", ErrInvalidRule, def.ID, pd.Kind)
	}
	return r, nil
}

// ParseRules decodes a YAML rule set:
//
//	rules:
//	  - id: R001
//	    fields: [investment_scope]
//	    predicate: {kind: expr, expr: "!empty('investment_scope')"}
func ParseRules(data []byte, builtins map[string]Predicate) ([]Rule, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	var defs []Definition
	if err := k.Unmarshal("rules", &defs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	out := make([]Rule, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, def.ID)
		}
		seen[def.ID] = true
		r, err := Compile(def, builtins)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// FileSource reads <Dir>/<schema>.yaml. A schema without a rule file has no
// rules.
type FileSource struct {
	Dir      string
	Builtins map[string]Predicate
}

// Rules implements Source.
func (s FileSource) Rules(ctx context.Context, schemaName string) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !schemaNamePattern.MatchString(schemaName) {
		return nil, fmt.Errorf("invalid schema name %q", schemaName)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, schemaName+".yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules for %q: %w", schemaName, err)
	}
	builtins := s.Builtins
	if builtins == nil {
		builtins = Builtins()
	}
	rs, err := ParseRules(data, builtins)
	if err != nil {
		return nil, fmt.Errorf("rules for %q: %w", schemaName, err)
	}
	return rs, nil
}

// MemorySource serves rule sets held in memory.
type MemorySource map[string][]Rule

// Rules implements Source. The returned slice is a copy.
func (m MemorySource) Rules(_ context.Context, schemaName string) ([]Rule, error) {
	return append([]Rule(nil), m[schemaName]...), nil
}
