package persistence

import (
	"context"
	"errors"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/jackc/pgx/v5"
)

// ProjectPGStore reads the slices of project and merge request state this
// subsystem needs. Both are owned elsewhere; nothing here writes.
type ProjectPGStore struct {
	pool pgBeginner
}

func NewProjectPGStore(pool pgBeginner) ports.ProjectDirectory {
	return &ProjectPGStore{pool: pool}
}

func (s *ProjectPGStore) GetProject(ctx context.Context, id string) (types.Project, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Project{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var p types.Project
	err = tx.QueryRow(ctx, `
	SELECT id::text, COALESCE(namespace_id::text, ''), pending_deletion
	FROM security.projects
	WHERE id = $1::uuid
	`, id).Scan(&p.ID, &p.NamespaceID, &p.PendingDeletion)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Project{}, types.ErrNotFound
	}
	if err != nil {
		return types.Project{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Project{}, err
	}
	return p, nil
}

func (s *ProjectPGStore) ListNamespaceProjects(ctx context.Context, namespaceID string) ([]types.Project, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT id::text, COALESCE(namespace_id::text, ''), pending_deletion
	FROM security.projects
	WHERE namespace_id = $1::uuid
	ORDER BY id::text ASC
	`, namespaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Project
	for rows.Next() {
		var p types.Project
		if err := rows.Scan(&p.ID, &p.NamespaceID, &p.PendingDeletion); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProjectPGStore) ListOpenMergeRequests(ctx context.Context, projectID string) ([]types.MergeRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT id::text, project_id::text, source_branch, target_branch
	FROM security.merge_requests
	WHERE project_id = $1::uuid AND state = 'opened'
	ORDER BY id::text ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MergeRequest
	for rows.Next() {
		mr := types.MergeRequest{Open: true}
		if err := rows.Scan(&mr.ID, &mr.ProjectID, &mr.SourceBranch, &mr.TargetBranch); err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
