// Package sqlite implements the store.Store port on an embedded SQLite
// database (modernc.org/sqlite, pure-Go, no cgo), for single-node
// deployments that don't want a Postgres dependency.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lemonforge/runsched/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// SQLite implements store.Store on a local database file (or ":memory:").
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers per file
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Chat() store.Table          { return &table{db: s.db, ns: "chat"} }
func (s *SQLite) Runs() store.Table          { return &table{db: s.db, ns: "runs"} }
func (s *SQLite) RunHistory() store.Table    { return &table{db: s.db, ns: "run_history"} }
func (s *SQLite) Progress() store.Table      { return &table{db: s.db, ns: "progress"} }
func (s *SQLite) SessionsIndex() store.Table { return &table{db: s.db, ns: "sessions_index"} }
func (s *SQLite) Close() error               { return s.db.Close() }

type table struct {
	db *sql.DB
	ns string
}

func (t *table) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE namespace = ? AND key = ?`, t.ns, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s/%s: %w", t.ns, key, err)
	}
	return value, nil
}

func (t *table) Put(ctx context.Context, key string, value []byte) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO kv_store (namespace, key, value, updated_at) VALUES (?, ?, ?, unixepoch())
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		t.ns, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: put %s/%s: %w", t.ns, key, err)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, key string) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM kv_store WHERE namespace = ? AND key = ?`, t.ns, key)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s/%s: %w", t.ns, key, err)
	}
	return nil
}

func (t *table) List(ctx context.Context) ([]store.KV, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT key, value FROM kv_store WHERE namespace = ?`, t.ns)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", t.ns, err)
	}
	defer rows.Close()

	var out []store.KV
	for rows.Next() {
		var kv store.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", t.ns, err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}
