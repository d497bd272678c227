// Package database opens the Postgres pool and owns the posts schema.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN and checks that
// the server answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Schema is the posts table the metadata sink writes to. Readers (the web
// frontend) query it ordered by created_at.
const Schema = `
CREATE TABLE IF NOT EXISTS posts (
	id BIGINT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	content TEXT,
	media_type TEXT NOT NULL DEFAULT 'none',
	media_url TEXT,
	width INT,
	height INT
);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);`

// EnsureSchema creates the posts table if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
