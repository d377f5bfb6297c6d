// Package store persists AnswerTrees and AuditResults per (document, schema,
// answer-source) triple, and the answer patterns learned from final trees.
//
// Every Commit runs in one transaction holding the triple's row lock and is
// guarded by an optimistic version check, so concurrent runs for the same
// triple serialize and a stale writer fails with ErrPersistenceConflict
// without touching stored state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
)

var (
	// ErrPersistenceConflict is returned when a commit's expected version does
	// not match the stored one.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrNotFound is returned when no tree is stored for a key.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Key identifies one run target.
type Key struct {
	DocumentID string
	Schema     string
	Source     answer.Source
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DocumentID, k.Schema, k.Source)
}

// KeyOf returns the key a tree is stored under.
func KeyOf(t *answer.Tree) Key {
	return Key{DocumentID: t.DocumentID, Schema: t.Schema, Source: t.Source}
}

// Commit is one atomic write.
type Commit struct {
	Key  Key
	Tree *answer.Tree

	// Results replace the stored results when ReplaceResults is set: fully
	// when Labels is empty, otherwise only results carrying those labels.
	Results        []rules.AuditResult
	Labels         []string
	ReplaceResults bool

	// ExpectedVersion must equal the stored version (0 for a new key).
	ExpectedVersion int64
}

func (c Commit) validate() error {
	if c.Key.DocumentID == "" || c.Key.Schema == "" || c.Key.Source == "" {
		return fmt.Errorf("incomplete key %q", c.Key)
	}
	if c.Tree == nil {
		return errors.New("commit without tree")
	}
	return nil
}

// Store is the persistence backend of the inspection service.
type Store interface {
	// Commit writes a tree and results and returns the new version.
	Commit(ctx context.Context, c Commit) (int64, error)

	// Version returns the stored version of key, 0 when nothing is stored.
	Version(ctx context.Context, key Key) (int64, error)

	// LoadTree returns the stored tree or ErrNotFound.
	LoadTree(ctx context.Context, key Key) (*answer.Tree, error)

	// ListResults returns the stored results in order.
	ListResults(ctx context.Context, key Key) ([]rules.AuditResult, error)

	// Learned answer patterns outlive the process that learned them.
	extractor.PatternStore

	Close() error
}

// Merge returns the result list after a commit. Without labels fresh replaces
// prior. With labels, prior results carrying one of the labels are replaced
// in place by the fresh result of the same rule, or dropped when there is
// none; fresh results for new rules are appended; everything else is kept.
func Merge(prior, fresh []rules.AuditResult, labels []string) []rules.AuditResult {
	if len(labels) == 0 {
		return append([]rules.AuditResult(nil), fresh...)
	}
	scoped := make(map[string]bool, len(labels))
	for _, l := range labels {
		scoped[l] = true
	}
	byRule := make(map[string]int, len(fresh))
	for i, r := range fresh {
		byRule[r.RuleID] = i
	}

	used := make([]bool, len(fresh))
	out := make([]rules.AuditResult, 0, len(prior)+len(fresh))
	for _, p := range prior {
		if !scoped[p.Label] {
			out = append(out, p)
			continue
		}
		if i, ok := byRule[p.RuleID]; ok && !used[i] {
			out = append(out, fresh[i])
			used[i] = true
		}
	}
	for i, r := range fresh {
		if !used[i] {
			out = append(out, r)
		}
	}
	return out
}

func encodeResult(r rules.AuditResult) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode audit result %s: %w", r.RuleID, err)
	}
	return data, nil
}

func decodeResult(data []byte) (rules.AuditResult, error) {
	var r rules.AuditResult
	if err := json.Unmarshal(data, &r); err != nil {
		return rules.AuditResult{}, fmt.Errorf("decode audit result: %w", err)
	}
	return r, nil
}
