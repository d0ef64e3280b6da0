package persistence

import (
	"context"
	"errors"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/finchsec/policysync/pkg/uuidv7"
	"github.com/jackc/pgx/v5"
)

type CommentPGStore struct {
	pool pgBeginner
}

func NewCommentPGStore(pool pgBeginner) ports.CommentStore {
	return &CommentPGStore{pool: pool}
}

func (s *CommentPGStore) FindMarkedComment(ctx context.Context, mergeRequestID string, marker string) (types.Comment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Comment{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var c types.Comment
	err = tx.QueryRow(ctx, `
	SELECT id::text, merge_request_id::text, COALESCE(author_id::text, ''), body
	FROM security.merge_request_notes
	WHERE merge_request_id = $1::uuid AND position(
	  $2 in body) > 0
	ORDER BY created_at ASC
	LIMIT 1
	`, mergeRequestID, marker).Scan(&c.ID, &c.MergeRequestID, &c.AuthorID, &c.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Comment{}, types.ErrNotFound
	}
	if err != nil {
		return types.Comment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Comment{}, err
	}
	return c, nil
}

func (s *CommentPGStore) CreateComment(ctx context.Context, c types.Comment) (string, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.merge_request_notes (id, merge_request_id, author_id, body, created_at)
	VALUES ($1::uuid, $2::uuid, NULLIF($3, '')::uuid, $4, now())
	`, id, c.MergeRequestID, c.AuthorID, c.Body); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *CommentPGStore) UpdateComment(ctx context.Context, id string, body string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	UPDATE security.merge_request_notes
	SET body = $2, updated_at = now()
	WHERE id = $1::uuid
	`, id, body); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
