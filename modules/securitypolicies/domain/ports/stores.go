package ports

import (
	"context"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

type ConfigurationStore interface {
	GetConfiguration(ctx context.Context, id string) (types.PolicyConfiguration, error)
	StampConfiguredAt(ctx context.Context, id string, at time.Time) error
	SetBotUser(ctx context.Context, id string, userID string) error
}

// ApprovalRuleStore owns the persisted ApprovalRule and ScanResultPolicyRead
// rows. The reconciler is the only writer; everything else reads.
type ApprovalRuleStore interface {
	// GetProjectRule returns the project-level rule keyed by
	// (configuration id, policy index), or types.ErrNotFound.
	GetProjectRule(ctx context.Context, configurationID string, policyIndex int) (types.ApprovalRule, error)

	// CreateProjectRule inserts a rule together with its read-model row in
	// one transaction.
	CreateProjectRule(ctx context.Context, rule types.ApprovalRule, read types.ScanResultPolicyRead) error

	// ReplaceReadModel deletes and recreates the read-model row for an
	// existing rule in one short transaction, updating the rule's shape.
	// Returns types.ErrProjectMismatch when the persisted row's project no
	// longer matches read.ProjectID.
	ReplaceReadModel(ctx context.Context, rule types.ApprovalRule, read types.ScanResultPolicyRead) error

	// DeleteRule removes the project-level rule, every merge-request-level
	// projection of it, and the read-model row. Missing rows are a no-op.
	DeleteRule(ctx context.Context, configurationID string, policyIndex int) error

	ListProjectRules(ctx context.Context, projectID string) ([]types.ApprovalRule, error)

	// SyncMergeRequestRules replaces the policy-managed rule set of one open
	// merge request with projections of the given project-level rules.
	// Hand-authored merge request rules are left alone. Reports whether
	// anything actually changed, so no-op runs stay observable as zero writes.
	SyncMergeRequestRules(ctx context.Context, mergeRequestID string, rules []types.ApprovalRule) (bool, error)

	ListMergeRequestRules(ctx context.Context, mergeRequestID string) ([]types.ApprovalRule, error)

	SetMergeRequestRuleApprovals(ctx context.Context, ruleID string, approvalsRequired int) error

	// DeleteLegacyRule removes a hand-authored rule that could not be safely
	// migrated into a policy-project commit.
	DeleteLegacyRule(ctx context.Context, ruleID string) error
}

type ProjectDirectory interface {
	GetProject(ctx context.Context, id string) (types.Project, error)
	ListNamespaceProjects(ctx context.Context, namespaceID string) ([]types.Project, error)
	ListOpenMergeRequests(ctx context.Context, projectID string) ([]types.MergeRequest, error)
}

type ScheduleStore interface {
	// ClaimDueSchedules returns up to limit schedules with next_run_at <= now,
	// locked against concurrent pollers (SKIP LOCKED semantics).
	ClaimDueSchedules(ctx context.Context, now time.Time, limit int) ([]types.RuleSchedule, error)

	CreateSchedule(ctx context.Context, s types.RuleSchedule) error

	// AdvanceNextRun moves next_run_at forward. Advancement is unconditional
	// on tick: it never depends on the reconciliation outcome.
	AdvanceNextRun(ctx context.Context, id string, next time.Time) error

	DeleteSchedulesForConfiguration(ctx context.Context, configurationID string) error
}

type BotDirectory interface {
	CreateBotUser(ctx context.Context, projectID string) (types.BotIdentity, error)
	GrantGuestMembership(ctx context.Context, userID string, projectID string) error
	GetBot(ctx context.Context, userID string) (types.BotIdentity, error)
	SaveCredential(ctx context.Context, cred types.AccessCredential) error
	RevokeCredential(ctx context.Context, credentialID string, at time.Time) error
}

type CommentStore interface {
	// FindMarkedComment locates the single bot comment carrying the stable
	// marker, or types.ErrNotFound.
	FindMarkedComment(ctx context.Context, mergeRequestID string, marker string) (types.Comment, error)
	CreateComment(ctx context.Context, c types.Comment) (string, error)
	UpdateComment(ctx context.Context, id string, body string) error
}
