package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

// Reconciler is the slice of SyncService the schedulers invoke.
type Reconciler interface {
	Reconcile(ctx context.Context, projectID string, configurationID string, actor *types.Actor) SyncResult
}

type ScheduleService struct {
	schedules ports.ScheduleStore
	configs   ports.ConfigurationStore
	projects  ports.ProjectDirectory
	bots      ports.BotDirectory
	sync      Reconciler
	now       func() time.Time
}

func NewScheduleService(
	schedules ports.ScheduleStore,
	configs ports.ConfigurationStore,
	projects ports.ProjectDirectory,
	bots ports.BotDirectory,
	sync Reconciler,
) *ScheduleService {
	return &ScheduleService{
		schedules: schedules,
		configs:   configs,
		projects:  projects,
		bots:      bots,
		sync:      sync,
		now:       time.Now,
	}
}

// Tick processes one claimed schedule. The due check happens here again so a
// schedule redelivered after its advance is a no-op. next_run_at advances by
// cadence from now, never from the missed time, and advances unconditionally:
// reconciliation failures and deletion-pending projects never block it.
func (s *ScheduleService) Tick(ctx context.Context, schedule types.RuleSchedule) {
	now := s.now()
	if !schedule.Due(now) {
		return
	}

	cfg, err := s.configs.GetConfiguration(ctx, schedule.ConfigurationID)
	if errors.Is(err, types.ErrNotFound) {
		// Schedule outlived its configuration; advance and move on.
		s.advance(ctx, schedule, now)
		return
	}
	if err != nil {
		log.Printf("schedule tick failure: schedule_id=%s configuration_id=%s message=load configuration: %v",
			schedule.ID, schedule.ConfigurationID, err)
		s.advance(ctx, schedule, now)
		return
	}

	if cfg.NamespaceScoped() {
		s.runNamespace(ctx, schedule, cfg)
	} else {
		s.runProject(ctx, schedule, cfg, cfg.ProjectID)
	}

	s.advance(ctx, schedule, now)
}

func (s *ScheduleService) advance(ctx context.Context, schedule types.RuleSchedule, now time.Time) {
	next := now.Add(schedule.Cadence)
	if err := s.schedules.AdvanceNextRun(ctx, schedule.ID, next); err != nil {
		log.Printf("schedule advance failure: schedule_id=%s message=%v", schedule.ID, err)
	}
}

func (s *ScheduleService) runProject(ctx context.Context, schedule types.RuleSchedule, cfg types.PolicyConfiguration, projectID string) {
	project, err := s.projects.GetProject(ctx, projectID)
	if errors.Is(err, types.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("schedule tick failure: schedule_id=%s project_id=%s message=load project: %v", schedule.ID, projectID, err)
		return
	}
	if project.PendingDeletion {
		return
	}

	actor := s.actingIdentity(ctx, schedule, cfg)
	res := s.sync.Reconcile(ctx, projectID, cfg.ID, actor)
	if len(res.Failures) > 0 {
		log.Printf("scheduled sync finished with failures: schedule_id=%s project_id=%s failures=%d",
			schedule.ID, projectID, len(res.Failures))
	}
}

// runNamespace fans out one reconciliation per member project. Fan-out is
// independent: one project's failure is logged and does not block siblings.
func (s *ScheduleService) runNamespace(ctx context.Context, schedule types.RuleSchedule, cfg types.PolicyConfiguration) {
	projects, err := s.projects.ListNamespaceProjects(ctx, cfg.NamespaceID)
	if err != nil {
		log.Printf("schedule tick failure: schedule_id=%s namespace_id=%s message=list projects: %v",
			schedule.ID, cfg.NamespaceID, err)
		return
	}
	for _, p := range projects {
		if p.PendingDeletion {
			continue
		}
		s.runProject(ctx, schedule, cfg, p.ID)
	}
}

// actingIdentity resolves the identity a scheduled run acts as: the schedule
// owner, or the configuration's bot when the owner is (or has become) a bot.
func (s *ScheduleService) actingIdentity(ctx context.Context, schedule types.RuleSchedule, cfg types.PolicyConfiguration) *types.Actor {
	if schedule.OwnerUserID == "" {
		return nil
	}
	if cfg.BotUserID != "" && schedule.OwnerUserID == cfg.BotUserID {
		bot, err := s.bots.GetBot(ctx, cfg.BotUserID)
		if err != nil {
			return nil
		}
		return &types.Actor{UserID: bot.UserID, Bot: true}
	}
	return &types.Actor{UserID: schedule.OwnerUserID}
}

// RunDue claims and ticks due schedules once. Pollers call this in a loop;
// claiming uses SKIP LOCKED semantics so concurrent pollers never double-run
// the same schedule within one poll interval.
func (s *ScheduleService) RunDue(ctx context.Context, limit int) int {
	due, err := s.schedules.ClaimDueSchedules(ctx, s.now(), limit)
	if err != nil {
		log.Printf("schedule poll failure: message=%v", err)
		return 0
	}
	for _, schedule := range due {
		s.Tick(ctx, schedule)
	}
	return len(due)
}
