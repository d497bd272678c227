// Package repository holds the SQL behind the metadata sink.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostRepository reads and writes the posts table.
type PostRepository struct {
	db querier
}

// NewPostRepository constructs a repository.
func NewPostRepository(pool *pgxpool.Pool) *PostRepository {
	return &PostRepository{db: pool}
}

const upsertPost = `
	INSERT INTO posts (id, created_at, content, media_type, media_url, width, height)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (id) DO UPDATE SET
		created_at = EXCLUDED.created_at,
		content = EXCLUDED.content,
		media_type = EXCLUDED.media_type,
		media_url = EXCLUDED.media_url,
		width = EXCLUDED.width,
		height = EXCLUDED.height`

// Upsert inserts rec or replaces the row with the same id.
func (r *PostRepository) Upsert(ctx context.Context, rec *model.CanonicalRecord) error {
	_, err := r.db.Exec(ctx, upsertPost,
		rec.ID, rec.CreatedAt, rec.Content, string(rec.MediaType), rec.MediaURL, rec.Width, rec.Height)
	if err != nil {
		return fmt.Errorf("upsert post: %w", err)
	}
	return nil
}

// Get returns the post with id.
func (r *PostRepository) Get(ctx context.Context, id int64) (*model.CanonicalRecord, error) {
	var (
		rec       model.CanonicalRecord
		mediaType string
	)
	row := r.db.QueryRow(ctx, `
		SELECT id, created_at, content, media_type, media_url, width, height
		FROM posts WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.Content, &mediaType, &rec.MediaURL, &rec.Width, &rec.Height); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("post %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select post: %w", err)
	}
	rec.MediaType = model.MediaKind(mediaType)
	return &rec, nil
}
