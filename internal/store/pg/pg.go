// Package pg implements the store.Store port on Postgres via pgx/v5,
// with schema migrations managed by golang-migrate.
package pg

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lemonforge/runsched/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PG implements store.Store on a single `kv_store` table, namespaced per
// logical table (chat/runs/run_history/progress/sessions_index).
type PG struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	if err := migrate(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: migrate: %w", err)
	}
	return &PG{pool: pool}, nil
}

func (p *PG) Chat() store.Table          { return &table{pool: p.pool, ns: "chat"} }
func (p *PG) Runs() store.Table          { return &table{pool: p.pool, ns: "runs"} }
func (p *PG) RunHistory() store.Table    { return &table{pool: p.pool, ns: "run_history"} }
func (p *PG) Progress() store.Table      { return &table{pool: p.pool, ns: "progress"} }
func (p *PG) SessionsIndex() store.Table { return &table{pool: p.pool, ns: "sessions_index"} }

func (p *PG) Close() error {
	p.pool.Close()
	return nil
}

// table implements store.Table scoped to one namespace within kv_store.
type table struct {
	pool *pgxpool.Pool
	ns   string
}

func (t *table) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.pool.QueryRow(ctx,
		`SELECT value FROM kv_store WHERE namespace = $1 AND key = $2`, t.ns, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pg: get %s/%s: %w", t.ns, key, err)
	}
	return value, nil
}

func (t *table) Put(ctx context.Context, key string, value []byte) error {
	_, err := t.pool.Exec(ctx,
		`INSERT INTO kv_store (namespace, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		t.ns, key, value)
	if err != nil {
		return fmt.Errorf("pg: put %s/%s: %w", t.ns, key, err)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, key string) error {
	_, err := t.pool.Exec(ctx, `DELETE FROM kv_store WHERE namespace = $1 AND key = $2`, t.ns, key)
	if err != nil {
		return fmt.Errorf("pg: delete %s/%s: %w", t.ns, key, err)
	}
	return nil
}

func (t *table) List(ctx context.Context) ([]store.KV, error) {
	rows, err := t.pool.Query(ctx, `SELECT key, value FROM kv_store WHERE namespace = $1`, t.ns)
	if err != nil {
		return nil, fmt.Errorf("pg: list %s: %w", t.ns, err)
	}
	defer rows.Close()

	var out []store.KV
	for rows.Next() {
		var kv store.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("pg: scan %s: %w", t.ns, err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}
