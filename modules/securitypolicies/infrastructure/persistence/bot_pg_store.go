package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/finchsec/policysync/pkg/uuidv7"
	"github.com/jackc/pgx/v5"
)

type BotPGStore struct {
	pool pgBeginner
}

func NewBotPGStore(pool pgBeginner) ports.BotDirectory {
	return &BotPGStore{pool: pool}
}

func (s *BotPGStore) CreateBotUser(ctx context.Context, projectID string) (types.BotIdentity, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return types.BotIdentity{}, err
	}
	bot := types.BotIdentity{
		UserID:    id,
		ProjectID: projectID,
		Username:  fmt.Sprintf("security-policy-bot-%.8s", id),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.BotIdentity{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.bot_users (user_id, project_id, username)
	VALUES ($1::uuid, $2::uuid, $3)
	`, bot.UserID, bot.ProjectID, bot.Username); err != nil {
		return types.BotIdentity{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.BotIdentity{}, err
	}
	return bot, nil
}

// GrantGuestMembership records the bot's least-privilege membership on the
// governed project. Rerunnable: an existing membership is left untouched.
func (s *BotPGStore) GrantGuestMembership(ctx context.Context, userID string, projectID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.project_members (project_id, user_id, access_level)
	VALUES ($1::uuid, $2::uuid, 'guest')
	ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *BotPGStore) GetBot(ctx context.Context, userID string) (types.BotIdentity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.BotIdentity{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var bot types.BotIdentity
	err = tx.QueryRow(ctx, `
	SELECT user_id::text, project_id::text, username
	FROM security.bot_users
	WHERE user_id = $1::uuid
	`, userID).Scan(&bot.UserID, &bot.ProjectID, &bot.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.BotIdentity{}, types.ErrNotFound
	}
	if err != nil {
		return types.BotIdentity{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.BotIdentity{}, err
	}
	return bot, nil
}

func (s *BotPGStore) SaveCredential(ctx context.Context, cred types.AccessCredential) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.bot_credentials (id, bot_user_id, token, expires_at)
	VALUES ($1::uuid, $2::uuid, $3, $4)
	`, cred.ID, cred.BotUserID, cred.Token, cred.ExpiresAt.UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *BotPGStore) RevokeCredential(ctx context.Context, credentialID string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	UPDATE security.bot_credentials
	SET revoked_at = COALESCE(revoked_at, $2)
	WHERE id = $1::uuid
	`, credentialID, at.UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
