package credstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresBackend keeps credentials in <schema>.session_credentials.
//
// Ownership: the backend owns its pool and closes it on Close.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresBackend connects to dsn, verifies connectivity and ensures the
// table exists.
func NewPostgresBackend(ctx context.Context, dsn, schema string, maxConns int32) (*PostgresBackend, error) {
	if schema == "" {
		schema = "gateway"
	}
	if !pgIdent.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pingPool(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	b := &PostgresBackend{pool: pool, table: schema + ".session_credentials"}
	if err := b.migrate(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) migrate(ctx context.Context, schema string) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + b.table + ` (
			session_key TEXT PRIMARY KEY,
			data        BYTEA NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, s := range stmts {
		if _, err := b.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.pool.QueryRow(ctx, `SELECT data FROM `+b.table+` WHERE session_key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *PostgresBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO `+b.table+` (session_key, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (session_key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		key, data)
	return err
}

func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM `+b.table+` WHERE session_key = $1`, key)
	return err
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// pingPool checks that a connection can be acquired within timeout.
func pingPool(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
