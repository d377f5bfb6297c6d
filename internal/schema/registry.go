package schema

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

// Source supplies raw schema definitions by name.
type Source interface {
	Definition(ctx context.Context, name string) ([]byte, error)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// DirSource reads <dir>/<name>.json.
type DirSource struct {
	Dir string
}

// Definition implements Source.
func (d DirSource) Definition(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSchema)
	}
	data, err := os.ReadFile(filepath.Join(d.Dir, name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("read schema %q: %w", name, err)
	}
	return data, nil
}

// MemorySource serves definitions held in memory.
type MemorySource map[string][]byte

// Definition implements Source.
func (m MemorySource) Definition(_ context.Context, name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSchema)
	}
	return data, nil
}

// Registry is a read-mostly cache of loaded schemas keyed by name. Entries are
// never mutated; a reload with a different checksum replaces the entry.
type Registry struct {
	source    Source
	decoder   ConfigDecoder
	validator *Validator
	logger    *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Schema
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a registry over source. decoder validates extractor
// configs at load time.
func NewRegistry(source Source, decoder ConfigDecoder, opts ...RegistryOption) (*Registry, error) {
	if source == nil {
		return nil, errors.New("schema source is required")
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		source:    source,
		decoder:   decoder,
		validator: v,
		logger:    zap.NewNop(),
		entries:   make(map[string]*Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Load returns the cached schema for name, reading it from the source on the
// first request.
func (r *Registry) Load(ctx context.Context, name string) (*Schema, error) {
	r.mu.RLock()
	s, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	s, _, err := r.Reload(ctx, name)
	return s, err
}

// Get returns the cached schema when its checksum matches.
func (r *Registry) Get(name, checksum string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[name]
	if !ok || s.Checksum() != checksum {
		return nil, false
	}
	return s, true
}

// Reload reads the definition again. changed reports whether the checksum
// differs from the cached entry, which invalidates answers stored against it.
func (r *Registry) Reload(ctx context.Context, name string) (s *Schema, changed bool, err error) {
	data, err := r.source.Definition(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if err := r.validator.Validate(data); err != nil {
		return nil, false, fmt.Errorf("schema %q: %w", name, err)
	}
	s, err = Parse(data, r.decoder)
	if err != nil {
		return nil, false, fmt.Errorf("schema %q: %w", name, err)
	}
	if s.Name != name {
		return nil, false, fmt.Errorf("%w: definition for %q declares name %q", ErrInvalidDefinition, name, s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[name]
	if ok && prev.Checksum() == s.Checksum() {
		return prev, false, nil
	}
	r.entries[name] = s
	if ok {
		r.logger.Info("schema checksum changed",
			zap.String("schema", name),
			zap.String("previous", prev.Checksum()),
			zap.String("current", s.Checksum()))
	}
	return s, ok, nil
}

// Invalidate drops the cached entry for name.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}
