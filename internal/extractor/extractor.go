// Package extractor implements the named extraction strategies. Each strategy
// decodes its own typed config when a schema is loaded and turns a document
// view plus that config into ordered answer candidates.
package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

var (
	// ErrUnknownStrategy is returned for an extractor name nobody registered.
	ErrUnknownStrategy = errors.New("unknown extractor strategy")

	// ErrDuplicateStrategy is returned when a name is registered twice.
	ErrDuplicateStrategy = errors.New("extractor strategy already registered")

	// ErrExtractorFailure wraps errors and panics raised inside a strategy.
	ErrExtractorFailure = errors.New("extractor failure")

	// ErrNotTabular is returned when a row-only strategy runs on a leaf, or a
	// leaf-only strategy on a tabular field.
	ErrNotTabular = errors.New("strategy does not support this field shape")

	// ErrInvalidConfig is returned when a config cannot be decoded.
	ErrInvalidConfig = errors.New("invalid extractor config")
)

// DependsMap exposes the results of dependency fields by path.
type DependsMap map[string][]answer.AnswerResult

// Texts returns the texts of the results at path.
func (d DependsMap) Texts(path string) []string {
	var out []string
	for _, r := range d[path] {
		if r.Text != "" {
			out = append(out, r.Text)
		}
	}
	return out
}

// LastIndex returns the highest element index anchored by any dependency.
func (d DependsMap) LastIndex() int {
	last := -1
	paths := make([]string, 0, len(d))
	for p := range d {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		for _, r := range d[p] {
			last = max(last, r.LastIndex())
		}
	}
	return last
}

// Input is everything a strategy sees for one config of one field.
type Input struct {
	View    *document.View
	Field   *schema.Field
	Config  schema.ExtractorConfig
	Deps    DependsMap
	Learned []string
	Model   Model
}

// Strategy is a named extractor.
type Strategy interface {
	// Name is the key schemas use to select the strategy.
	Name() string
	// Decode parses and validates the strategy's config at schema load.
	Decode(raw json.RawMessage) (any, error)
	// Extract returns candidates for a leaf field, ordered by position.
	Extract(in *Input) ([]answer.AnswerResult, error)
}

// RowCandidate is one row produced for a tabular field.
type RowCandidate struct {
	Values   map[string][]answer.AnswerResult
	OrderKey answer.Position
}

// RowStrategy is implemented by strategies that can fill tabular fields.
type RowStrategy interface {
	Strategy
	ExtractRows(in *Input) ([]RowCandidate, error)
}

// Filter is implemented by chain operators that post-process the candidates
// produced by the preceding config.
type Filter interface {
	Strategy
	Apply(in *Input, candidates []answer.AnswerResult) []answer.AnswerResult
}

// Registry maps names to strategies. It implements schema.ConfigDecoder.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

var _ schema.ConfigDecoder = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// NewDefaultRegistry returns a registry holding every built-in strategy.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range builtins() {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

func builtins() []Strategy {
	return []Strategy{
		&PartialText{},
		&MiddleParas{},
		&SyllabusElt{},
		&SyllabusBased{},
		&TableKV{mode: kvFirst},
		&TableKV{mode: kvExpand},
		&TableKV{mode: kvCellPartial},
		&TableRow{tuple: false},
		&TableRow{tuple: true},
		&FixedPosition{},
		&ScoreFilter{},
		&Default{},
	}
}

// Register adds a strategy under its name.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Lookup returns the strategy registered under name.
func (r *Registry) Lookup(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeConfig implements schema.ConfigDecoder.
func (r *Registry) DecodeConfig(name string, raw json.RawMessage) (any, error) {
	s, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	opts, err := s.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return opts, nil
}

// decodeInto unmarshals raw into dst, treating empty input as an empty object.
func decodeInto(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// options returns the typed config held by in, decoding it when the schema was
// built without a decoder.
func options[T any](in *Input, s Strategy) (T, error) {
	var zero T
	if opts, ok := in.Config.Options.(T); ok {
		return opts, nil
	}
	decoded, err := s.Decode(in.Config.Raw)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	opts, ok := decoded.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s decoded %T", ErrInvalidConfig, s.Name(), decoded)
	}
	return opts, nil
}
