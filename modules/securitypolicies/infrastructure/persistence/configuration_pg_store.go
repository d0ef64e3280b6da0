package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/jackc/pgx/v5"
)

type ConfigurationPGStore struct {
	pool pgBeginner
}

func NewConfigurationPGStore(pool pgBeginner) *ConfigurationPGStore {
	return &ConfigurationPGStore{pool: pool}
}

var _ ports.ConfigurationStore = (*ConfigurationPGStore)(nil)

func (s *ConfigurationPGStore) GetConfiguration(ctx context.Context, id string) (types.PolicyConfiguration, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.PolicyConfiguration{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var cfg types.PolicyConfiguration
	var configuredAt *time.Time
	err = tx.QueryRow(ctx, `
	SELECT
	  id::text,
	  COALESCE(project_id::text, ''),
	  COALESCE(namespace_id::text, ''),
	  policy_ref,
	  configured_at,
	  COALESCE(bot_user_id::text, '')
	FROM security.policy_configurations
	WHERE id = $1::uuid
	`, id).Scan(&cfg.ID, &cfg.ProjectID, &cfg.NamespaceID, &cfg.PolicyRef, &configuredAt, &cfg.BotUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.PolicyConfiguration{}, types.ErrNotFound
	}
	if err != nil {
		return types.PolicyConfiguration{}, err
	}
	if configuredAt != nil {
		cfg.ConfiguredAt = *configuredAt
	}

	if err := tx.Commit(ctx); err != nil {
		return types.PolicyConfiguration{}, err
	}
	return cfg, nil
}

func (s *ConfigurationPGStore) StampConfiguredAt(ctx context.Context, id string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	UPDATE security.policy_configurations
	SET configured_at = $2
	WHERE id = $1::uuid
	`, id, at.UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *ConfigurationPGStore) SetBotUser(ctx context.Context, id string, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	UPDATE security.policy_configurations
	SET bot_user_id = $2::uuid
	WHERE id = $1::uuid
	`, id, userID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ConfigurationForProject resolves the configuration governing a project:
// its own, or the closest namespace-scoped one.
func (s *ConfigurationPGStore) ConfigurationForProject(ctx context.Context, projectID string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var id string
	err = tx.QueryRow(ctx, `
	SELECT c.id::text
	FROM security.policy_configurations c
	LEFT JOIN security.projects p ON p.namespace_id = c.namespace_id
	WHERE c.project_id = $1::uuid OR p.id = $1::uuid
	ORDER BY (c.project_id IS NOT NULL) DESC
	LIMIT 1
	`, projectID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}
