package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a DocumentStore kept in a single SQLite file. Aliases live
// in their own table so that repointing one is a single transaction.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens (or creates) the SQLite file at dbPath and runs the
// migration that creates the store tables if they do not exist.
// The caller must call Close() when the program shuts down.
func NewSQLite(dbPath string, log *zap.Logger) (*SQLiteStore, error) {
	// The modernc.org driver is pure Go and works without CGO.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS indices (
    name       TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
    index_name TEXT NOT NULL REFERENCES indices(name) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    body       TEXT NOT NULL,
    PRIMARY KEY (index_name, id)
);
CREATE TABLE IF NOT EXISTS aliases (
    alias      TEXT NOT NULL,
    index_name TEXT NOT NULL REFERENCES indices(name) ON DELETE CASCADE,
    PRIMARY KEY (alias, index_name)
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create store tables: %w", err)
	}
	s.log.Info("SQLite migration applied")
	return nil
}

func (s *SQLiteStore) CreateIndex(ctx context.Context, name string) error {
	taken, err := s.AliasExists(ctx, name)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("create index %s: name is used by an alias", name)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO indices (name, created_at) VALUES (?, ?)`, name, time.Now().UTC()); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	s.log.Debug("index created", zap.String("index", name))
	return nil
}

// writeIndex resolves collection to the index a write goes to, creating the
// index when neither an index nor an alias of that name exists.
func (s *SQLiteStore) writeIndex(ctx context.Context, collection string) (string, error) {
	indexes, err := s.AliasIndexes(ctx, collection)
	if err != nil {
		return "", err
	}
	switch len(indexes) {
	case 0:
	case 1:
		return indexes[0], nil
	default:
		return "", fmt.Errorf("alias %s points at %d indexes, cannot write through it", collection, len(indexes))
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO indices (name, created_at) VALUES (?, ?)`, collection, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("create index %s: %w", collection, err)
	}
	return collection, nil
}

func (s *SQLiteStore) Save(ctx context.Context, collection, id string, doc any) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	index, err := s.writeIndex(ctx, collection)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (index_name, id, body) VALUES (?, ?, ?)
		 ON CONFLICT (index_name, id) DO UPDATE SET body = excluded.body`,
		index, id, string(body)); err != nil {
		return "", fmt.Errorf("save document %s/%s: %w", index, id, err)
	}
	return id, nil
}

func (s *SQLiteStore) Load(ctx context.Context, collection, id string) (map[string]any, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
SELECT body FROM documents
WHERE id = ? AND (index_name = ? OR index_name IN (SELECT index_name FROM aliases WHERE alias = ?))
LIMIT 1`, id, collection, collection).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s/%s: %w", collection, id, err)
	}
	return decodeBody(body)
}

func (s *SQLiteStore) IndexExists(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM indices WHERE name = ?`, name)
}

func (s *SQLiteStore) AliasExists(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM aliases WHERE alias = ? LIMIT 1`, name)
}

func (s *SQLiteStore) exists(ctx context.Context, query, arg string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", arg, err)
	}
	return true, nil
}

func (s *SQLiteStore) AliasIndexes(ctx context.Context, alias string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT index_name FROM aliases WHERE alias = ? ORDER BY index_name`, alias)
	if err != nil {
		return nil, fmt.Errorf("query alias %s: %w", alias, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan alias %s: %w", alias, err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddIndexToAlias(ctx context.Context, index, alias string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO aliases (alias, index_name) VALUES (?, ?)`, alias, index); err != nil {
		return fmt.Errorf("add %s to alias %s: %w", index, alias, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveAllIndexesFromAlias(ctx context.Context, alias string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM aliases WHERE alias = ?`, alias); err != nil {
		return fmt.Errorf("clear alias %s: %w", alias, err)
	}
	return nil
}

// SwapAlias detaches alias from its indexes and attaches it to index inside
// one transaction; readers see either the old or the new mapping.
func (s *SQLiteStore) SwapAlias(ctx context.Context, alias, index string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM indices WHERE name = ?`, index).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("index %s does not exist", index)
		}
		return nil, fmt.Errorf("lookup index %s: %w", index, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT index_name FROM aliases WHERE alias = ? AND index_name <> ? ORDER BY index_name`, alias, index)
	if err != nil {
		return nil, fmt.Errorf("query alias %s: %w", alias, err)
	}
	var previous []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan alias %s: %w", alias, err)
		}
		previous = append(previous, name)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE alias = ?`, alias); err != nil {
		return nil, fmt.Errorf("detach alias %s: %w", alias, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO aliases (alias, index_name) VALUES (?, ?)`, alias, index); err != nil {
		return nil, fmt.Errorf("attach alias %s: %w", alias, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("alias swapped", zap.String("alias", alias), zap.String("index", index), zap.Strings("previous", previous))
	return previous, nil
}

func (s *SQLiteStore) RemoveIndex(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM indices WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove index %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove index %s: %w", name, ErrNotFound)
	}
	return nil
}

// Flush is a no-op: committed rows are immediately visible to readers.
func (s *SQLiteStore) Flush(context.Context, ...string) error {
	return nil
}

// FindAll reads every document of an index or of the indexes behind an
// alias in a single statement, so a concurrent alias swap is never observed
// half way.
func (s *SQLiteStore) FindAll(ctx context.Context, collection string) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, body FROM documents
WHERE index_name = ? OR index_name IN (SELECT index_name FROM aliases WHERE alias = ?)
ORDER BY index_name, id`, collection, collection)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		src, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{ID: id, Source: src})
	}
	return hits, rows.Err()
}

// Close shuts down the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func decodeBody(body string) (map[string]any, error) {
	var src map[string]any
	if err := json.Unmarshal([]byte(body), &src); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return src, nil
}
