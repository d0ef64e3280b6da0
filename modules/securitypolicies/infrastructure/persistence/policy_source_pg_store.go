package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/jackc/pgx/v5"
)

// PolicySourcePGStore reads the latest committed revision of a policy
// document. The version-controlled store that writes revisions is an
// external collaborator; this adapter only ever reads.
type PolicySourcePGStore struct {
	pool pgBeginner
}

func NewPolicySourcePGStore(pool pgBeginner) ports.PolicySource {
	return &PolicySourcePGStore{pool: pool}
}

func (s *PolicySourcePGStore) FetchDocument(ctx context.Context, cfg types.PolicyConfiguration) ([]byte, time.Time, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var raw []byte
	var committedAt time.Time
	err = tx.QueryRow(ctx, `
	SELECT content, committed_at
	FROM security.policy_documents
	WHERE policy_ref = $1
	ORDER BY revision DESC
	LIMIT 1
	`, cfg.PolicyRef).Scan(&raw, &committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, types.ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, time.Time{}, err
	}
	return raw, committedAt, nil
}
