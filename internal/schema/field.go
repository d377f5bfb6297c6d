// Package schema loads extraction schemas: a named tree of fields where every
// extractable node carries an ordered list of extractor configurations.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownSchema is returned when no definition exists for a schema name.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrUnknownField is returned when a path does not resolve to a field.
	ErrUnknownField = errors.New("unknown field")

	// ErrCyclicDependency is returned when extractor depends form a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrInvalidDefinition is returned when a definition is structurally invalid.
	ErrInvalidDefinition = errors.New("invalid schema definition")
)

// Pick is a field's pick-answer strategy.
type Pick string

const (
	PickFirst Pick = "first"
	PickAll   Pick = "all"
)

// ExtractorConfig is one entry of a field's extractor list. The strategy-specific
// keys stay in Raw; Options holds the typed record decoded by the extractor
// library when the schema is loaded.
type ExtractorConfig struct {
	Name             string
	Depends          []string
	ModelAlternative bool
	Raw              json.RawMessage
	Options          any
}

type configHeader struct {
	Name             string   `json:"name"`
	Depends          []string `json:"depends,omitempty"`
	ModelAlternative bool     `json:"model_alternative,omitempty"`
}

// UnmarshalJSON keeps the raw object and lifts the common keys.
func (c *ExtractorConfig) UnmarshalJSON(data []byte) error {
	var h configHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	if h.Name == "" {
		return fmt.Errorf("%w: extractor config without name", ErrInvalidDefinition)
	}
	c.Name = h.Name
	c.Depends = h.Depends
	c.ModelAlternative = h.ModelAlternative
	c.Raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// MarshalJSON emits the raw object, or the header when no raw form exists.
func (c ExtractorConfig) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	return json.Marshal(configHeader{Name: c.Name, Depends: c.Depends, ModelAlternative: c.ModelAlternative})
}

// Field is a node of the schema tree.
//
// A leaf has no children. A tabular node has leaf children and either a
// sub-primary-key or extractors of its own; its extractors produce whole rows.
// Any other node with children is a plain group.
type Field struct {
	Name              string            `json:"name"`
	Children          []*Field          `json:"children,omitempty"`
	SubPrimaryKey     []string          `json:"sub_primary_key,omitempty"`
	Pick              Pick              `json:"pick,omitempty"`
	LocationThreshold float64           `json:"location_threshold,omitempty"`
	UnitDepend        map[string]string `json:"unit_depend,omitempty"`
	Extractors        []ExtractorConfig `json:"extractors,omitempty"`

	Path   string `json:"-"`
	Parent *Field `json:"-"`
}

// IsLeaf reports whether the field has no children.
func (f *Field) IsLeaf() bool { return len(f.Children) == 0 }

// IsTabular reports whether the field is extracted as rows.
func (f *Field) IsTabular() bool {
	return len(f.Children) > 0 && (len(f.SubPrimaryKey) > 0 || len(f.Extractors) > 0)
}

// Child returns the direct child by name.
func (f *Field) Child(name string) *Field {
	for _, c := range f.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildNames returns the names of the direct children in declaration order.
func (f *Field) ChildNames() []string {
	names := make([]string, len(f.Children))
	for i, c := range f.Children {
		names[i] = c.Name
	}
	return names
}

// PickOrDefault returns the pick strategy. Tabular fields default to all,
// everything else to first.
func (f *Field) PickOrDefault() Pick {
	if f.Pick == "" {
		if f.IsTabular() {
			return PickAll
		}
		return PickFirst
	}
	return f.Pick
}

// Definition is the serialized form of a schema.
type Definition struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Fields  []*Field `json:"fields"`
}
