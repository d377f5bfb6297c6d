package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
)

type memoryEntry struct {
	version int64
	tree    []byte
	results [][]byte
}

// MemoryStore keeps everything in process. Entries hold encoded copies, so
// callers never share state with the store.
type MemoryStore struct {
	mu       sync.Mutex
	locks    map[Key]*sync.Mutex
	entries  map[Key]*memoryEntry
	patterns *extractor.MemoryPatternStore
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[Key]*sync.Mutex),
		entries:  make(map[Key]*memoryEntry),
		patterns: extractor.NewMemoryPatternStore(),
	}
}

func (m *MemoryStore) lock(key Key) (*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l, nil
}

func (m *MemoryStore) entry(key Key) (*memoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.entries[key], nil
}

// Commit implements Store.
func (m *MemoryStore) Commit(ctx context.Context, c Commit) (int64, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}
	l, err := m.lock(c.Key)
	if err != nil {
		return 0, err
	}
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cur, err := m.entry(c.Key)
	if err != nil {
		return 0, err
	}
	var version int64
	var prior [][]byte
	if cur != nil {
		version, prior = cur.version, cur.results
	}
	if version != c.ExpectedVersion {
		return 0, fmt.Errorf("%s: expected version %d, stored %d: %w", c.Key, c.ExpectedVersion, version, ErrPersistenceConflict)
	}

	tree, err := c.Tree.Marshal()
	if err != nil {
		return 0, err
	}
	next := &memoryEntry{version: version + 1, tree: tree, results: prior}
	if c.ReplaceResults {
		old, err := decodeAll(prior)
		if err != nil {
			return 0, err
		}
		next.results = nil
		for _, r := range Merge(old, c.Results, c.Labels) {
			data, err := encodeResult(r)
			if err != nil {
				return 0, err
			}
			next.results = append(next.results, data)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.entries[c.Key] = next
	return next.version, nil
}

// Version implements Store.
func (m *MemoryStore) Version(_ context.Context, key Key) (int64, error) {
	e, err := m.entry(key)
	if err != nil || e == nil {
		return 0, err
	}
	return e.version, nil
}

// LoadTree implements Store.
func (m *MemoryStore) LoadTree(_ context.Context, key Key) (*answer.Tree, error) {
	e, err := m.entry(key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("tree %s: %w", key, ErrNotFound)
	}
	return answer.Parse(e.tree)
}

// ListResults implements Store.
func (m *MemoryStore) ListResults(_ context.Context, key Key) ([]rules.AuditResult, error) {
	e, err := m.entry(key)
	if err != nil || e == nil {
		return nil, err
	}
	return decodeAll(e.results)
}

func (m *MemoryStore) open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Patterns implements extractor.PatternStore.
func (m *MemoryStore) Patterns(ctx context.Context, schemaName string) (map[string][]string, error) {
	if err := m.open(); err != nil {
		return nil, err
	}
	return m.patterns.Patterns(ctx, schemaName)
}

// Learn implements extractor.PatternStore.
func (m *MemoryStore) Learn(ctx context.Context, schemaName string, learned map[string][]string) error {
	if err := m.open(); err != nil {
		return err
	}
	return m.patterns.Learn(ctx, schemaName, learned)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func decodeAll(encoded [][]byte) ([]rules.AuditResult, error) {
	out := make([]rules.AuditResult, 0, len(encoded))
	for _, data := range encoded {
		r, err := decodeResult(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
