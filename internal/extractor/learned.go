package extractor

import (
	"context"
	"regexp"
	"sync"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/document"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

const (
	learnedPrefixRunes = 6
	learnedSuffixRunes = 2
	maxLearnedPatterns = 20
)

// Model is a pluggable learned extractor consulted by configs that set
// model_alternative when their own patterns find nothing.
type Model interface {
	Predict(view *document.View, field *schema.Field) ([]answer.AnswerResult, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(view *document.View, field *schema.Field) ([]answer.AnswerResult, error)

// Predict implements Model.
func (f ModelFunc) Predict(view *document.View, field *schema.Field) ([]answer.AnswerResult, error) {
	return f(view, field)
}

// NopModel never predicts anything.
type NopModel struct{}

// Predict implements Model.
func (NopModel) Predict(*document.View, *schema.Field) ([]answer.AnswerResult, error) {
	return nil, nil
}

// PatternStore keeps answer patterns learned from user-validated trees, keyed
// by schema and field path.
type PatternStore interface {
	// Patterns returns the learned patterns of every field of a schema.
	Patterns(ctx context.Context, schemaName string) (map[string][]string, error)

	// Learn merges learned patterns into the stored ones with MergePatterns.
	Learn(ctx context.Context, schemaName string, learned map[string][]string) error
}

// MergePatterns puts fresh before prior, drops duplicates and keeps at most
// the newest maxLearnedPatterns.
func MergePatterns(prior, fresh []string) []string {
	merged := make([]string, 0, len(fresh)+len(prior))
	seen := make(map[string]bool)
	for _, p := range append(append([]string(nil), fresh...), prior...) {
		if !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	if len(merged) > maxLearnedPatterns {
		merged = merged[:maxLearnedPatterns]
	}
	return merged
}

// MemoryPatternStore is an in-process PatternStore.
type MemoryPatternStore struct {
	mu       sync.RWMutex
	patterns map[string]map[string][]string
}

var _ PatternStore = (*MemoryPatternStore)(nil)

// NewMemoryPatternStore returns an empty store.
func NewMemoryPatternStore() *MemoryPatternStore {
	return &MemoryPatternStore{patterns: make(map[string]map[string][]string)}
}

// Patterns implements PatternStore. The returned map is a copy.
func (m *MemoryPatternStore) Patterns(_ context.Context, schemaName string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(m.patterns[schemaName]))
	for path, ps := range m.patterns[schemaName] {
		out[path] = append([]string(nil), ps...)
	}
	return out, nil
}

// Learn implements PatternStore.
func (m *MemoryPatternStore) Learn(_ context.Context, schemaName string, learned map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.patterns[schemaName]
	if !ok {
		fields = make(map[string][]string)
		m.patterns[schemaName] = fields
	}
	for path, ps := range learned {
		fields[path] = MergePatterns(fields[path], ps)
	}
	return nil
}

// LearnPatterns derives answer patterns from a validated tree: each result
// anchored to one paragraph span yields its quoted left context, a lazy dst
// group and its quoted right context (or end of text).
func LearnPatterns(view *document.View, tree *answer.Tree) map[string][]string {
	out := make(map[string][]string)
	tree.Walk(func(n *answer.Node) {
		if !n.IsLeaf() {
			return
		}
		seen := make(map[string]bool)
		for _, r := range n.Results {
			p, ok := patternFor(view, r)
			if !ok || seen[p] {
				continue
			}
			seen[p] = true
			out[n.Path] = append(out[n.Path], p)
		}
	})
	return out
}

func patternFor(view *document.View, r answer.AnswerResult) (string, bool) {
	if len(r.Elements) != 1 || r.Elements[0].ElementKind != document.KindParagraph {
		return "", false
	}
	e := r.Elements[0]
	p, err := view.ParagraphAt(e.ElementIndex)
	if err != nil {
		return "", false
	}
	runes := []rune(p.Text)
	start, end := e.CharRange[0], e.CharRange[1]
	if start <= 0 || end > len(runes) || start >= end {
		return "", false
	}
	prefix := string(runes[max(0, start-learnedPrefixRunes):start])
	pattern := regexp.QuoteMeta(prefix) + `(?P<dst>.+?)`
	if end < len(runes) {
		pattern += regexp.QuoteMeta(string(runes[end:min(len(runes), end+learnedSuffixRunes)]))
	} else {
		pattern += `$`
	}
	return pattern, true
}
