package services

import (
	"context"
	"testing"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

type recordedRun struct {
	ProjectID       string
	ConfigurationID string
	Actor           *types.Actor
}

// recordingReconciler captures Reconcile calls and can fail per project.
type recordingReconciler struct {
	runs     []recordedRun
	failFor  map[string]bool
	failures int
}

func (r *recordingReconciler) Reconcile(_ context.Context, projectID string, configurationID string, actor *types.Actor) SyncResult {
	r.runs = append(r.runs, recordedRun{ProjectID: projectID, ConfigurationID: configurationID, Actor: actor})
	if r.failFor[projectID] {
		r.failures++
		return SyncResult{Failures: []SyncFailure{{ConfigurationID: configurationID, PolicyIndex: -1, Message: "induced"}}}
	}
	return SyncResult{Writes: 1}
}

func scheduleFixture(rec *recordingReconciler) (*memStore, *ScheduleService, time.Time) {
	m := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewScheduleService(m, m, m, m, rec)
	svc.now = func() time.Time { return now }
	return m, svc, now
}

func TestTick_RunsAndAdvances(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	m.configs["cfg-1"] = types.PolicyConfiguration{ID: "cfg-1", ProjectID: "p-1", PolicyRef: "ref-1"}
	m.projects["p-1"] = types.Project{ID: "p-1"}
	sched := types.RuleSchedule{
		ID:              "sched-1",
		ConfigurationID: "cfg-1",
		OwnerUserID:     "u-1",
		Cadence:         time.Hour,
		NextRunAt:       now.Add(-time.Minute),
	}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	if len(rec.runs) != 1 {
		t.Fatalf("runs = %+v, want 1", rec.runs)
	}
	run := rec.runs[0]
	if run.ProjectID != "p-1" || run.ConfigurationID != "cfg-1" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Actor == nil || run.Actor.UserID != "u-1" || run.Actor.Bot {
		t.Fatalf("acting identity = %+v, want schedule owner", run.Actor)
	}

	// next_run_at advances by cadence from now, not from the missed time.
	if got := m.schedules["sched-1"].NextRunAt; !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("next_run_at = %v, want %v", got, now.Add(time.Hour))
	}
}

func TestTick_NotDueIsNoOp(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	sched := types.RuleSchedule{ID: "sched-1", ConfigurationID: "cfg-1", Cadence: time.Hour, NextRunAt: now.Add(time.Minute)}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	if len(rec.runs) != 0 {
		t.Fatalf("runs = %+v, want none for a not-due schedule", rec.runs)
	}
	if got := m.schedules["sched-1"].NextRunAt; !got.Equal(sched.NextRunAt) {
		t.Fatalf("next_run_at moved on a no-op tick")
	}
}

func TestTick_MissingConfigurationStillAdvances(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	sched := types.RuleSchedule{ID: "sched-1", ConfigurationID: "cfg-gone", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	if len(rec.runs) != 0 {
		t.Fatalf("runs = %+v, want none", rec.runs)
	}
	if got := m.schedules["sched-1"].NextRunAt; !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("schedule for deleted configuration did not advance")
	}
}

func TestTick_PendingDeletionSkipsButAdvances(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	m.configs["cfg-1"] = types.PolicyConfiguration{ID: "cfg-1", ProjectID: "p-1", PolicyRef: "ref-1"}
	m.projects["p-1"] = types.Project{ID: "p-1", PendingDeletion: true}
	sched := types.RuleSchedule{ID: "sched-1", ConfigurationID: "cfg-1", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	if len(rec.runs) != 0 {
		t.Fatalf("reconciled a deletion-pending project")
	}
	if got := m.schedules["sched-1"].NextRunAt; !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("next_run_at = %v, want advanced", got)
	}
}

func TestTick_FailureStillAdvances(t *testing.T) {
	rec := &recordingReconciler{failFor: map[string]bool{"p-1": true}}
	m, svc, now := scheduleFixture(rec)

	m.configs["cfg-1"] = types.PolicyConfiguration{ID: "cfg-1", ProjectID: "p-1", PolicyRef: "ref-1"}
	m.projects["p-1"] = types.Project{ID: "p-1"}
	sched := types.RuleSchedule{ID: "sched-1", ConfigurationID: "cfg-1", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	if rec.failures != 1 {
		t.Fatalf("failures = %d", rec.failures)
	}
	if got := m.schedules["sched-1"].NextRunAt; !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("failed run blocked advancement")
	}
}

func TestTick_NamespaceFanOutIsIndependent(t *testing.T) {
	rec := &recordingReconciler{failFor: map[string]bool{"p-a": true}}
	m, svc, now := scheduleFixture(rec)

	m.configs["cfg-ns"] = types.PolicyConfiguration{ID: "cfg-ns", NamespaceID: "ns-1", PolicyRef: "ref-1"}
	m.projects["p-a"] = types.Project{ID: "p-a", NamespaceID: "ns-1"}
	m.projects["p-b"] = types.Project{ID: "p-b", NamespaceID: "ns-1"}
	m.projects["p-doomed"] = types.Project{ID: "p-doomed", NamespaceID: "ns-1", PendingDeletion: true}
	m.projects["p-other"] = types.Project{ID: "p-other", NamespaceID: "ns-2"}

	sched := types.RuleSchedule{ID: "sched-1", ConfigurationID: "cfg-ns", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	// p-a fails, p-b still runs; pending-deletion and foreign projects are
	// never touched.
	if len(rec.runs) != 2 {
		t.Fatalf("runs = %+v, want p-a and p-b", rec.runs)
	}
	if rec.runs[0].ProjectID != "p-a" || rec.runs[1].ProjectID != "p-b" {
		t.Fatalf("runs = %+v", rec.runs)
	}
	if rec.failures != 1 {
		t.Fatalf("failures = %d, want the induced one", rec.failures)
	}
	if got := m.schedules["sched-1"].NextRunAt; !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("namespace schedule did not advance")
	}
}

func TestActingIdentity_BotOwner(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	m.bots["bot-1"] = types.BotIdentity{UserID: "bot-1", ProjectID: "p-1"}
	m.configs["cfg-1"] = types.PolicyConfiguration{ID: "cfg-1", ProjectID: "p-1", PolicyRef: "ref-1", BotUserID: "bot-1"}
	m.projects["p-1"] = types.Project{ID: "p-1"}
	sched := types.RuleSchedule{ID: "sched-1", ConfigurationID: "cfg-1", OwnerUserID: "bot-1", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	if len(rec.runs) != 1 {
		t.Fatalf("runs = %+v", rec.runs)
	}
	actor := rec.runs[0].Actor
	if actor == nil || !actor.Bot || actor.UserID != "bot-1" {
		t.Fatalf("acting identity = %+v, want the configuration's bot", actor)
	}
}

func TestActingIdentity_NoOwnerMeansSystem(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	m.configs["cfg-1"] = types.PolicyConfiguration{ID: "cfg-1", ProjectID: "p-1", PolicyRef: "ref-1"}
	m.projects["p-1"] = types.Project{ID: "p-1"}
	sched := types.RuleSchedule{ID: "sched-1", ConfigurationID: "cfg-1", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)}
	m.schedules[sched.ID] = sched

	svc.Tick(context.Background(), sched)

	if len(rec.runs) != 1 || rec.runs[0].Actor != nil {
		t.Fatalf("runs = %+v, want one system-triggered run", rec.runs)
	}
}

func TestRunDue_ClaimsAndTicks(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	m.configs["cfg-1"] = types.PolicyConfiguration{ID: "cfg-1", ProjectID: "p-1", PolicyRef: "ref-1"}
	m.projects["p-1"] = types.Project{ID: "p-1"}

	for _, s := range []types.RuleSchedule{
		{ID: "due-1", ConfigurationID: "cfg-1", Cadence: time.Hour, NextRunAt: now.Add(-2 * time.Minute)},
		{ID: "due-2", ConfigurationID: "cfg-1", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)},
		{ID: "later", ConfigurationID: "cfg-1", Cadence: time.Hour, NextRunAt: now.Add(time.Hour)},
	} {
		if err := m.CreateSchedule(context.Background(), s); err != nil {
			t.Fatalf("seed schedule: %v", err)
		}
	}

	if n := svc.RunDue(context.Background(), 10); n != 2 {
		t.Fatalf("RunDue = %d, want 2", n)
	}
	if len(rec.runs) != 2 {
		t.Fatalf("runs = %+v", rec.runs)
	}

	// Everything due was advanced past now; a second poll finds nothing.
	if n := svc.RunDue(context.Background(), 10); n != 0 {
		t.Fatalf("second RunDue = %d, want 0", n)
	}

	if got := m.schedules["later"].NextRunAt; !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("undue schedule was touched")
	}
}

func TestScheduleStoreErrorsDoNotPanic(t *testing.T) {
	rec := &recordingReconciler{}
	m, svc, now := scheduleFixture(rec)

	// Advancing a deleted schedule logs and moves on.
	sched := types.RuleSchedule{ID: "vanished", ConfigurationID: "cfg-gone", Cadence: time.Hour, NextRunAt: now.Add(-time.Minute)}
	svc.Tick(context.Background(), sched)

	if len(rec.runs) != 0 {
		t.Fatalf("runs = %+v", rec.runs)
	}
	if _, ok := m.schedules["vanished"]; ok {
		t.Fatalf("schedule resurrected")
	}
}
