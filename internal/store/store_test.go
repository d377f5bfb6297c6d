package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
)

var testKey = Key{DocumentID: "doc-1", Schema: "fund", Source: answer.SourcePreset}

func testTree(text string) *answer.Tree {
	return &answer.Tree{
		DocumentID: testKey.DocumentID,
		Schema:     testKey.Schema,
		Checksum:   "abc",
		Source:     testKey.Source,
		Root: &answer.Node{Name: "fund", Children: []*answer.Node{
			{Name: "fund_name", Path: "fund_name", Results: []answer.AnswerResult{answer.NewResult(text)}},
		}},
	}
}

func result(id, label string, v rules.Verdict) rules.AuditResult {
	return rules.AuditResult{
		DocumentID: testKey.DocumentID, Schema: testKey.Schema, AnswerSource: testKey.Source,
		RuleID: id, RuleName: id, Label: label, Verdict: v,
		Reasons: []rules.Reason{{Text: string(v), Matched: v == rules.Compliant}},
	}
}

func ids(rs []rules.AuditResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.RuleID + ":" + string(r.Verdict)
	}
	return out
}

// backends runs fn against every testable Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "inspector.db"), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_CommitAndLoad(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		v, err := s.Version(ctx, testKey)
		require.NoError(t, err)
		assert.Zero(t, v)
		_, err = s.LoadTree(ctx, testKey)
		assert.ErrorIs(t, err, ErrNotFound)

		v, err = s.Commit(ctx, Commit{
			Key: testKey, Tree: testTree("华夏基金"), ReplaceResults: true,
			Results: []rules.AuditResult{result("R1", "A", rules.Compliant), result("R2", "B", rules.Ignore)},
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, v)

		tree, err := s.LoadTree(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, testTree("华夏基金"), tree)

		rs, err := s.ListResults(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"R1:compliant", "R2:ignore"}, ids(rs))
		assert.Equal(t, result("R1", "A", rules.Compliant), rs[0])

		v, err = s.Version(ctx, testKey)
		require.NoError(t, err)
		assert.EqualValues(t, 1, v)
	})
}

func TestStore_VersionConflict(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Commit(ctx, Commit{Key: testKey, Tree: testTree("first"), ReplaceResults: true,
			Results: []rules.AuditResult{result("R1", "A", rules.Compliant)}})
		require.NoError(t, err)

		_, err = s.Commit(ctx, Commit{Key: testKey, Tree: testTree("stale"), ReplaceResults: true, ExpectedVersion: 0})
		assert.ErrorIs(t, err, ErrPersistenceConflict)

		tree, err := s.LoadTree(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, "first", tree.Results("fund_name")[0].Text)
		rs, err := s.ListResults(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"R1:compliant"}, ids(rs))
		v, err := s.Version(ctx, testKey)
		require.NoError(t, err)
		assert.EqualValues(t, 1, v)
	})
}

func TestStore_LabelScopedReplacement(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		initial := []rules.AuditResult{
			result("A1", "A", rules.Compliant),
			result("B1", "B", rules.Compliant),
			result("B2", "B", rules.Compliant),
		}
		_, err := s.Commit(ctx, Commit{Key: testKey, Tree: testTree("x"), Results: initial, ReplaceResults: true})
		require.NoError(t, err)

		_, err = s.Commit(ctx, Commit{
			Key: testKey, Tree: testTree("x"), ExpectedVersion: 1, ReplaceResults: true, Labels: []string{"B"},
			Results: []rules.AuditResult{result("B1", "B", rules.NonCompliant), result("B2", "B", rules.NonCompliant)},
		})
		require.NoError(t, err)

		rs, err := s.ListResults(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"A1:compliant", "B1:non-compliant", "B2:non-compliant"}, ids(rs))
		assert.Equal(t, initial[0], rs[0])
	})
}

func TestStore_ZeroRulesKeepsResults(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Commit(ctx, Commit{Key: testKey, Tree: testTree("x"), ReplaceResults: true,
			Results: []rules.AuditResult{result("R1", "A", rules.Compliant)}})
		require.NoError(t, err)

		v, err := s.Commit(ctx, Commit{Key: testKey, Tree: testTree("y"), ExpectedVersion: 1})
		require.NoError(t, err)
		assert.EqualValues(t, 2, v)

		rs, err := s.ListResults(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"R1:compliant"}, ids(rs))
	})
}

func TestStore_KeysAreIndependent(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		final := testKey
		final.Source = answer.SourceFinal

		_, err := s.Commit(ctx, Commit{Key: testKey, Tree: testTree("preset"), ReplaceResults: true,
			Results: []rules.AuditResult{result("R1", "A", rules.Compliant)}})
		require.NoError(t, err)
		_, err = s.Commit(ctx, Commit{Key: final, Tree: testTree("final")})
		require.NoError(t, err)

		rs, err := s.ListResults(ctx, final)
		require.NoError(t, err)
		assert.Empty(t, rs)
		tree, err := s.LoadTree(ctx, final)
		require.NoError(t, err)
		assert.Equal(t, "final", tree.Results("fund_name")[0].Text)
	})
}

func TestStore_ConcurrentCommitsSerialize(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const writers = 4

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = s.Commit(ctx, Commit{Key: testKey, Tree: testTree("x")})
			}()
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ErrPersistenceConflict)
		}
		assert.Equal(t, 1, ok)
		v, err := s.Version(ctx, testKey)
		require.NoError(t, err)
		assert.EqualValues(t, 1, v)
	})
}

func TestStore_RejectsInvalidCommit(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		_, err := s.Commit(context.Background(), Commit{Key: testKey})
		assert.Error(t, err)
		_, err = s.Commit(context.Background(), Commit{Key: Key{Schema: "fund"}, Tree: testTree("x")})
		assert.Error(t, err)
	})
}

func TestMerge(t *testing.T) {
	prior := []rules.AuditResult{
		result("A1", "A", rules.Compliant),
		result("B1", "B", rules.Compliant),
		result("C1", "C", rules.Compliant),
		result("B2", "B", rules.Compliant),
	}

	tests := []struct {
		name   string
		fresh  []rules.AuditResult
		labels []string
		want   []string
	}{
		{
			name:  "full replace",
			fresh: []rules.AuditResult{result("A1", "A", rules.NonCompliant)},
			want:  []string{"A1:non-compliant"},
		},
		{
			name:   "in place",
			fresh:  []rules.AuditResult{result("B2", "B", rules.Ignore), result("B1", "B", rules.NonCompliant)},
			labels: []string{"B"},
			want:   []string{"A1:compliant", "B1:non-compliant", "C1:compliant", "B2:ignore"},
		},
		{
			name:   "dropped and added",
			fresh:  []rules.AuditResult{result("B1", "B", rules.Ignore), result("B3", "B", rules.Compliant)},
			labels: []string{"B"},
			want:   []string{"A1:compliant", "B1:ignore", "C1:compliant", "B3:compliant"},
		},
		{
			name:   "several labels",
			fresh:  []rules.AuditResult{result("C1", "C", rules.Ignore)},
			labels: []string{"A", "C"},
			want:   []string{"B1:compliant", "C1:ignore", "B2:compliant"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Merge(prior, tt.fresh, tt.labels)))
		})
	}
}

func TestStore_AnswerPatterns(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		got, err := s.Patterns(ctx, "fund")
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, s.Learn(ctx, "fund", map[string][]string{
			"custodian": {`托管人为(?P<dst>.+?)。`},
			"manager":   {`管理人为(?P<dst>.+?)。`},
		}))
		require.NoError(t, s.Learn(ctx, "fund", map[string][]string{
			"custodian": {`托管机构为(?P<dst>.+?)。`, `托管人为(?P<dst>.+?)。`},
		}))
		require.NoError(t, s.Learn(ctx, "bond", nil))

		got, err = s.Patterns(ctx, "fund")
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{
			"custodian": {`托管机构为(?P<dst>.+?)。`, `托管人为(?P<dst>.+?)。`},
			"manager":   {`管理人为(?P<dst>.+?)。`},
		}, got)

		other, err := s.Patterns(ctx, "bond")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestSQLite_AnswerPatternsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "inspector.db")

	s, err := OpenSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Learn(ctx, "fund", map[string][]string{"custodian": {`托管人为(?P<dst>.+?)。`}}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Patterns(ctx, "fund")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"custodian": {`托管人为(?P<dst>.+?)。`}}, got)
}
