package persistence

import (
	"context"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

type SchedulePGStore struct {
	pool pgBeginner
}

func NewSchedulePGStore(pool pgBeginner) ports.ScheduleStore {
	return &SchedulePGStore{pool: pool}
}

// ClaimDueSchedules reads due rows with SKIP LOCKED so any number of
// stateless pollers can share the schedule table without double-claiming.
// The lock only spans the read; Tick re-checks dueness before running.
func (s *SchedulePGStore) ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]types.RuleSchedule, error) {
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT
	  id::text,
	  configuration_id::text,
	  COALESCE(owner_user_id::text, ''),
	  cadence_seconds,
	  next_run_at
	FROM security.rule_schedules
	WHERE next_run_at <= $1
	ORDER BY next_run_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RuleSchedule
	for rows.Next() {
		var sched types.RuleSchedule
		var cadenceSeconds int64
		if err := rows.Scan(&sched.ID, &sched.ConfigurationID, &sched.OwnerUserID, &cadenceSeconds, &sched.NextRunAt); err != nil {
			return nil, err
		}
		sched.Cadence = time.Duration(cadenceSeconds) * time.Second
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SchedulePGStore) CreateSchedule(ctx context.Context, sched types.RuleSchedule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.rule_schedules (id, configuration_id, owner_user_id, cadence_seconds, next_run_at)
	VALUES ($1::uuid, $2::uuid, NULLIF($3, '')::uuid, $4, $5)
	ON CONFLICT (id) DO NOTHING
	`, sched.ID, sched.ConfigurationID, sched.OwnerUserID, int64(sched.Cadence/time.Second), sched.NextRunAt.UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *SchedulePGStore) AdvanceNextRun(ctx context.Context, id string, next time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	UPDATE security.rule_schedules
	SET next_run_at = $2
	WHERE id = $1::uuid
	`, id, next.UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *SchedulePGStore) DeleteSchedulesForConfiguration(ctx context.Context, configurationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	DELETE FROM security.rule_schedules
	WHERE configuration_id = $1::uuid
	`, configurationID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
