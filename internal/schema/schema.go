package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ConfigDecoder turns a raw extractor config into its typed record. The
// extractor library implements it; an unknown name must fail.
type ConfigDecoder interface {
	DecodeConfig(name string, raw json.RawMessage) (any, error)
}

// Schema is an immutable, validated field tree. Extraction units (leaves
// outside tabular nodes, and tabular nodes) are kept in dependency order.
type Schema struct {
	Name    string
	Version string
	Root    *Field

	fields   map[string]*Field
	units    []*Field
	deps     map[string][]string
	children map[string][]*Field
	checksum string
}

// Parse decodes and builds a schema from its JSON definition.
func Parse(data []byte, decoder ConfigDecoder) (*Schema, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return Build(&def, decoder)
}

// Build validates a definition, decodes its extractor configs and orders its
// extraction units by dependency.
func Build(def *Definition, decoder ConfigDecoder) (*Schema, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: schema without name", ErrInvalidDefinition)
	}
	s := &Schema{
		Name:     def.Name,
		Version:  def.Version,
		Root:     &Field{Name: def.Name, Children: def.Fields},
		fields:   make(map[string]*Field),
		deps:     make(map[string][]string),
		children: make(map[string][]*Field),
	}

	if err := s.index(s.Root); err != nil {
		return nil, err
	}
	if decoder != nil {
		if err := s.decodeConfigs(decoder); err != nil {
			return nil, err
		}
	}
	s.collectUnits(s.Root)
	if err := s.sortUnits(); err != nil {
		return nil, err
	}

	sum, err := checksum(s)
	if err != nil {
		return nil, err
	}
	s.checksum = sum
	return s, nil
}

func (s *Schema) index(f *Field) error {
	seen := make(map[string]bool, len(f.Children))
	for _, c := range f.Children {
		if c.Name == "" || strings.Contains(c.Name, ".") {
			return fmt.Errorf("%w: invalid field name %q under %q", ErrInvalidDefinition, c.Name, f.Path)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate field %q under %q", ErrInvalidDefinition, c.Name, f.Path)
		}
		seen[c.Name] = true

		c.Parent = f
		c.Path = c.Name
		if f != s.Root {
			c.Path = f.Path + "." + c.Name
		}
		s.fields[c.Path] = c
	}

	if err := validateField(f); err != nil {
		return err
	}
	for _, c := range f.Children {
		if err := s.index(c); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f *Field) error {
	switch f.Pick {
	case "", PickFirst, PickAll:
	default:
		return fmt.Errorf("%w: field %q has unknown pick %q", ErrInvalidDefinition, f.Path, f.Pick)
	}
	for _, k := range f.SubPrimaryKey {
		if f.Child(k) == nil {
			return fmt.Errorf("%w: sub-primary-key %q of %q is not a direct child", ErrInvalidDefinition, k, f.Path)
		}
	}
	for amount, unit := range f.UnitDepend {
		if f.Child(amount) == nil || f.Child(unit) == nil {
			return fmt.Errorf("%w: unit-depend %q -> %q of %q must name direct children", ErrInvalidDefinition, amount, unit, f.Path)
		}
	}
	if f.IsTabular() {
		for _, c := range f.Children {
			if !c.IsLeaf() {
				return fmt.Errorf("%w: tabular field %q has nested group %q", ErrInvalidDefinition, f.Path, c.Name)
			}
		}
	}
	return nil
}

func (s *Schema) decodeConfigs(decoder ConfigDecoder) error {
	for _, f := range s.fields {
		for i := range f.Extractors {
			cfg := &f.Extractors[i]
			opts, err := decoder.DecodeConfig(cfg.Name, cfg.Raw)
			if err != nil {
				return fmt.Errorf("%w: %s extractor #%d (%s): %v", ErrInvalidDefinition, f.Path, i, cfg.Name, err)
			}
			cfg.Options = opts
		}
	}
	return nil
}

func (s *Schema) collectUnits(f *Field) {
	for _, c := range f.Children {
		switch {
		case c.IsTabular(), c.IsLeaf():
			s.units = append(s.units, c)
		default:
			s.collectUnits(c)
		}
	}
}

// unitOf maps a field to the extraction unit that produces it.
func (s *Schema) unitOf(f *Field) (*Field, bool) {
	if f.IsTabular() || (f.IsLeaf() && (f.Parent == nil || !f.Parent.IsTabular())) {
		return f, true
	}
	if f.IsLeaf() && f.Parent.IsTabular() {
		return f.Parent, true
	}
	return nil, false
}

// sortUnits orders units topologically by depends. Among ready units the one
// declared first goes first, so the order is stable. A child of a tabular unit
// may depend on a sibling; that orders the children inside the unit.
func (s *Schema) sortUnits() error {
	edges := make(map[*Field][]*Field)
	for _, u := range s.units {
		siblings := make(map[*Field][]*Field)
		for _, owner := range append([]*Field{u}, u.Children...) {
			for _, dep := range fieldDepends(owner) {
				target, ok := s.fields[dep]
				if !ok {
					return fmt.Errorf("%s depends on %q: %w", owner.Path, dep, ErrUnknownField)
				}
				du, ok := s.unitOf(target)
				if !ok {
					return fmt.Errorf("%s depends on group %q: %w", owner.Path, dep, ErrUnknownField)
				}
				s.deps[u.Path] = appendUnique(s.deps[u.Path], dep)
				if du != u {
					edges[du] = append(edges[du], u)
					continue
				}
				if owner == u || target == u || target == owner {
					return fmt.Errorf("%w: %s depends on itself via %q", ErrCyclicDependency, owner.Path, dep)
				}
				siblings[target] = append(siblings[target], owner)
			}
		}
		if u.IsTabular() {
			ordered, err := topoSort(u.Children, siblings)
			if err != nil {
				return fmt.Errorf("%s: %w", u.Path, err)
			}
			s.children[u.Path] = ordered
		}
	}

	ordered, err := topoSort(s.units, edges)
	if err != nil {
		return err
	}
	s.units = ordered
	return nil
}

// topoSort orders nodes so that every node follows the ones with an edge to
// it. Ties go to declaration order.
func topoSort(nodes []*Field, edges map[*Field][]*Field) ([]*Field, error) {
	pos := make(map[*Field]int, len(nodes))
	indegree := make(map[*Field]int, len(nodes))
	for i, n := range nodes {
		pos[n] = i
	}
	for _, targets := range edges {
		for _, t := range targets {
			indegree[t]++
		}
	}

	done := make(map[*Field]bool, len(nodes))
	ordered := make([]*Field, 0, len(nodes))
	for len(ordered) < len(nodes) {
		var next *Field
		for _, n := range nodes {
			if !done[n] && indegree[n] == 0 && (next == nil || pos[n] < pos[next]) {
				next = n
			}
		}
		if next == nil {
			var stuck []string
			for _, n := range nodes {
				if !done[n] {
					stuck = append(stuck, n.Path)
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(stuck, ", "))
		}
		done[next] = true
		ordered = append(ordered, next)
		for _, d := range edges[next] {
			indegree[d]--
		}
	}
	return ordered, nil
}

func fieldDepends(f *Field) []string {
	var deps []string
	for _, cfg := range f.Extractors {
		deps = append(deps, cfg.Depends...)
	}
	return deps
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// Units returns the extraction units in dependency order.
func (s *Schema) Units() []*Field { return s.units }

// Depends returns the dependency paths declared by a unit and its children.
func (s *Schema) Depends(unitPath string) []string { return s.deps[unitPath] }

// ChildOrder returns the children of a tabular unit in dependency order, or
// nil for any other path.
func (s *Schema) ChildOrder(unitPath string) []*Field { return s.children[unitPath] }

// Lookup returns any field by dotted path.
func (s *Schema) Lookup(path string) (*Field, error) {
	f, ok := s.fields[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownField)
	}
	return f, nil
}

// Resolve returns the leaf at path. Paths ending at an inner node fail.
func (s *Schema) Resolve(path string) (*Field, error) {
	f, err := s.Lookup(path)
	if err != nil {
		return nil, err
	}
	if !f.IsLeaf() {
		return nil, fmt.Errorf("%s is not a leaf: %w", path, ErrUnknownField)
	}
	return f, nil
}

// LeafPaths returns every leaf path in declaration order.
func (s *Schema) LeafPaths() []string {
	var out []string
	var walk func(*Field)
	walk = func(f *Field) {
		for _, c := range f.Children {
			if c.IsLeaf() {
				out = append(out, c.Path)
				continue
			}
			walk(c)
		}
	}
	walk(s.Root)
	return out
}

// Checksum returns the schema fingerprint.
func (s *Schema) Checksum() string { return s.checksum }

// Checksum returns the fingerprint of a schema's structure and extractor list.
func Checksum(s *Schema) string { return s.checksum }

type canonicalField struct {
	Name              string            `json:"name"`
	Children          []canonicalField  `json:"children,omitempty"`
	SubPrimaryKey     []string          `json:"sub_primary_key,omitempty"`
	Pick              Pick              `json:"pick"`
	LocationThreshold float64           `json:"location_threshold,omitempty"`
	UnitDepend        map[string]string `json:"unit_depend,omitempty"`
	Extractors        []any             `json:"extractors,omitempty"`
}

func canonicalize(f *Field) (canonicalField, error) {
	c := canonicalField{
		Name:              f.Name,
		SubPrimaryKey:     f.SubPrimaryKey,
		Pick:              f.PickOrDefault(),
		LocationThreshold: f.LocationThreshold,
		UnitDepend:        f.UnitDepend,
	}
	for _, cfg := range f.Extractors {
		var v any
		raw, err := cfg.MarshalJSON()
		if err != nil {
			return c, err
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return c, fmt.Errorf("canonicalize %s extractor %s: %w", f.Path, cfg.Name, err)
		}
		c.Extractors = append(c.Extractors, v)
	}
	for _, child := range f.Children {
		cc, err := canonicalize(child)
		if err != nil {
			return c, err
		}
		c.Children = append(c.Children, cc)
	}
	return c, nil
}

// checksum hashes the canonical JSON form. Map keys are sorted by the encoder,
// so key order and whitespace in the definition do not affect the result.
func checksum(s *Schema) (string, error) {
	c, err := canonicalize(s.Root)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", s.Name, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
