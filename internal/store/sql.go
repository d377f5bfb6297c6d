package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver      string
	DSN         string
	MaxConns    int32
	DialTimeout time.Duration
}

// Open returns the backend named by cfg.Driver. SQL backends are migrated.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.DSN, logger)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db       *sql.DB
	pool     *pgxpool.Pool
	postgres bool
	logger   *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite database file. Transactions
// begin immediately so the writer lock is taken before the version is read.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("store opened", zap.String("driver", DriverSQLite), zap.String("path", path))
	return s, nil
}

// OpenPostgres connects a pgx pool and wraps it as *sql.DB.
func OpenPostgres(ctx context.Context, cfg Config, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "scriber-inspector"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &SQLStore{db: stdlib.OpenDBFromPool(pool), pool: pool, postgres: true, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("store opened", zap.String("driver", DriverPostgres))
	return s, nil
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS inspection_runs (
		document_id   TEXT   NOT NULL,
		schema_name   TEXT   NOT NULL,
		answer_source TEXT   NOT NULL,
		version       BIGINT NOT NULL,
		tree          TEXT   NOT NULL,
		updated_at    BIGINT NOT NULL,
		PRIMARY KEY (document_id, schema_name, answer_source)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_results (
		document_id   TEXT    NOT NULL,
		schema_name   TEXT    NOT NULL,
		answer_source TEXT    NOT NULL,
		position      INTEGER NOT NULL,
		rule_id       TEXT    NOT NULL,
		label         TEXT    NOT NULL,
		verdict       TEXT    NOT NULL,
		payload       TEXT    NOT NULL,
		PRIMARY KEY (document_id, schema_name, answer_source, position)
	)`,
	`CREATE TABLE IF NOT EXISTS answer_patterns (
		schema_name TEXT   NOT NULL,
		field_path  TEXT   NOT NULL,
		patterns    TEXT   NOT NULL,
		updated_at  BIGINT NOT NULL,
		PRIMARY KEY (schema_name, field_path)
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const keyClause = ` WHERE document_id = ? AND schema_name = ? AND answer_source = ?`

func keyArgs(k Key, extra ...any) []any {
	return append([]any{k.DocumentID, k.Schema, string(k.Source)}, extra...)
}

// Commit implements Store.
func (s *SQLStore) Commit(ctx context.Context, c Commit) (version int64, err error) {
	if err := c.validate(); err != nil {
		return 0, err
	}
	tree, err := c.Tree.Marshal()
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit %s: %w", c.Key, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.String("key", c.Key.String()), zap.Error(rbErr))
			}
		}
	}()

	// Ensure the row exists so there is something to lock.
	if _, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO inspection_runs (document_id, schema_name, answer_source, version, tree, updated_at)
		 VALUES (?, ?, ?, 0, '', 0) ON CONFLICT DO NOTHING`), keyArgs(c.Key)...); err != nil {
		return 0, fmt.Errorf("reserve %s: %w", c.Key, err)
	}

	lock := `SELECT version FROM inspection_runs` + keyClause
	if s.postgres {
		lock += ` FOR UPDATE`
	}
	var current int64
	if err = tx.QueryRowContext(ctx, s.rebind(lock), keyArgs(c.Key)...).Scan(&current); err != nil {
		return 0, fmt.Errorf("lock %s: %w", c.Key, err)
	}
	if current != c.ExpectedVersion {
		err = fmt.Errorf("%s: expected version %d, stored %d: %w", c.Key, c.ExpectedVersion, current, ErrPersistenceConflict)
		return 0, err
	}

	version = current + 1
	if _, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE inspection_runs SET version = ?, tree = ?, updated_at = ?`+keyClause),
		append([]any{version, string(tree), time.Now().UnixMilli()}, keyArgs(c.Key)...)...); err != nil {
		return 0, fmt.Errorf("write tree %s: %w", c.Key, err)
	}

	if c.ReplaceResults {
		if err = s.replaceResults(ctx, tx, c); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", c.Key, err)
	}
	return version, nil
}

func (s *SQLStore) replaceResults(ctx context.Context, tx *sql.Tx, c Commit) error {
	var prior []rules.AuditResult
	if len(c.Labels) > 0 {
		var err error
		if prior, err = s.listResults(ctx, tx, c.Key); err != nil {
			return err
		}
	}
	merged := Merge(prior, c.Results, c.Labels)

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM audit_results`+keyClause), keyArgs(c.Key)...); err != nil {
		return fmt.Errorf("clear results %s: %w", c.Key, err)
	}
	insert := s.rebind(`INSERT INTO audit_results
		(document_id, schema_name, answer_source, position, rule_id, label, verdict, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, r := range merged {
		data, err := encodeResult(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert,
			keyArgs(c.Key, i, r.RuleID, r.Label, string(r.Verdict), string(data))...); err != nil {
			return fmt.Errorf("write result %s of %s: %w", r.RuleID, c.Key, err)
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) listResults(ctx context.Context, q querier, key Key) ([]rules.AuditResult, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT payload FROM audit_results`+keyClause+` ORDER BY position`), keyArgs(key)...)
	if err != nil {
		return nil, fmt.Errorf("list results %s: %w", key, err)
	}
	defer rows.Close()

	var out []rules.AuditResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan result of %s: %w", key, err)
		}
		r, err := decodeResult([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Version implements Store.
func (s *SQLStore) Version(ctx context.Context, key Key) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM inspection_runs`+keyClause), keyArgs(key)...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("version %s: %w", key, err)
	}
	return v, nil
}

// LoadTree implements Store.
func (s *SQLStore) LoadTree(ctx context.Context, key Key) (*answer.Tree, error) {
	var tree string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT tree FROM inspection_runs`+keyClause+` AND version > 0`), keyArgs(key)...).Scan(&tree)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tree %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", key, err)
	}
	return answer.Parse([]byte(tree))
}

// ListResults implements Store.
func (s *SQLStore) ListResults(ctx context.Context, key Key) ([]rules.AuditResult, error) {
	return s.listResults(ctx, s.db, key)
}

// Patterns implements extractor.PatternStore.
func (s *SQLStore) Patterns(ctx context.Context, schemaName string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT field_path, patterns FROM answer_patterns WHERE schema_name = ?`), schemaName)
	if err != nil {
		return nil, fmt.Errorf("list answer patterns of %s: %w", schemaName, err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var path, payload string
		if err := rows.Scan(&path, &payload); err != nil {
			return nil, fmt.Errorf("scan answer patterns of %s: %w", schemaName, err)
		}
		var ps []string
		if err := json.Unmarshal([]byte(payload), &ps); err != nil {
			return nil, fmt.Errorf("decode answer patterns of %s/%s: %w", schemaName, path, err)
		}
		out[path] = ps
	}
	return out, rows.Err()
}

// Learn implements extractor.PatternStore. All fields of one call are merged
// in a single transaction, each under its row lock.
func (s *SQLStore) Learn(ctx context.Context, schemaName string, learned map[string][]string) (err error) {
	if len(learned) == 0 {
		return nil
	}
	paths := make([]string, 0, len(learned))
	for p := range learned {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin learn %s: %w", schemaName, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.String("schema", schemaName), zap.Error(rbErr))
			}
		}
	}()

	reserve := s.rebind(`INSERT INTO answer_patterns (schema_name, field_path, patterns, updated_at)
		VALUES (?, ?, '[]', 0) ON CONFLICT DO NOTHING`)
	lock := `SELECT patterns FROM answer_patterns WHERE schema_name = ? AND field_path = ?`
	if s.postgres {
		lock += ` FOR UPDATE`
	}
	lock = s.rebind(lock)
	update := s.rebind(`UPDATE answer_patterns SET patterns = ?, updated_at = ? WHERE schema_name = ? AND field_path = ?`)

	for _, path := range paths {
		if _, err = tx.ExecContext(ctx, reserve, schemaName, path); err != nil {
			return fmt.Errorf("reserve answer patterns %s/%s: %w", schemaName, path, err)
		}
		var payload string
		if err = tx.QueryRowContext(ctx, lock, schemaName, path).Scan(&payload); err != nil {
			return fmt.Errorf("lock answer patterns %s/%s: %w", schemaName, path, err)
		}
		var prior []string
		if err = json.Unmarshal([]byte(payload), &prior); err != nil {
			return fmt.Errorf("decode answer patterns of %s/%s: %w", schemaName, path, err)
		}
		var data []byte
		if data, err = json.Marshal(extractor.MergePatterns(prior, learned[path])); err != nil {
			return fmt.Errorf("encode answer patterns of %s/%s: %w", schemaName, path, err)
		}
		if _, err = tx.ExecContext(ctx, update, string(data), time.Now().UnixMilli(), schemaName, path); err != nil {
			return fmt.Errorf("write answer patterns %s/%s: %w", schemaName, path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit answer patterns of %s: %w", schemaName, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}
