package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/finchsec/policysync/pkg/authz"
	"github.com/google/uuid"
)

var approvalRuleNamespace = uuid.Must(uuid.Parse("7b1f1f3e-52a4-4f0e-9c2e-9f6f6f1c8a21"))
var readModelNamespace = uuid.Must(uuid.Parse("c4a7d7e2-0d2b-47b5-9a9b-3d2f0f5b6e84"))

// deterministicRuleID keys the project-level rule on (configuration id,
// policy index) so a rerun recreates the same row instead of duplicating it.
func deterministicRuleID(configurationID string, policyIndex int) string {
	name := fmt.Sprintf("securitypolicies.approval_rule:%s:%d", configurationID, policyIndex)
	return uuid.NewSHA1(approvalRuleNamespace, []byte(name)).String()
}

// deterministicReadModelID folds the rule shape into the id: an unchanged
// policy hashes to the existing row (zero writes), a changed one to a fresh
// row for the delete-then-insert replace.
func deterministicReadModelID(configurationID string, policyIndex int, rule types.ApprovalRule) string {
	name := fmt.Sprintf("securitypolicies.scan_result_policy_read:%s:%d:%s", configurationID, policyIndex, ruleFingerprint(rule))
	return uuid.NewSHA1(readModelNamespace, []byte(name)).String()
}

func ruleFingerprint(r types.ApprovalRule) string {
	return fmt.Sprintf("%s|%d|%v|%v|%v|%s|%v|%v|%v|%v|%d",
		r.Name, r.ApprovalsRequired, r.UserApprovers, r.GroupApprovers, r.RoleApprovers,
		r.Rule.Kind, r.Rule.Branches, r.Rule.Scanners, r.Rule.SeverityLevels,
		r.Rule.VulnerabilityStates, r.Rule.VulnerabilitiesAllowed)
}

// SyncFailure is the structured failure record written to the operational log
// instead of being raised out of the task boundary.
type SyncFailure struct {
	Worker          string
	ConfigurationID string
	ActorID         string
	PolicyIndex     int
	Message         string
}

// SyncResult reports what one reconciliation run did. Write counts exist so
// idempotence is observable: a second run over an unchanged document reports
// zero writes and zero deletes.
type SyncResult struct {
	Skipped  bool
	Writes   int
	Deletes  int
	Failures []SyncFailure
}

type SyncService struct {
	configs  ports.ConfigurationStore
	rules    ports.ApprovalRuleStore
	projects ports.ProjectDirectory
	source   ports.PolicySource
	authz    ports.Authorizer
	now      func() time.Time
}

func NewSyncService(
	configs ports.ConfigurationStore,
	rules ports.ApprovalRuleStore,
	projects ports.ProjectDirectory,
	source ports.PolicySource,
	authz ports.Authorizer,
) *SyncService {
	return &SyncService{
		configs:  configs,
		rules:    rules,
		projects: projects,
		source:   source,
		authz:    authz,
		now:      time.Now,
	}
}

const syncWorkerName = "sync_scan_policies"

// Reconcile converges persisted approval state for one (project,
// configuration) pair with a freshly compiled policy document. It never
// returns an error: failures are collected, logged, and isolated per policy
// index. Running it twice over an unchanged document produces no net writes.
func (s *SyncService) Reconcile(ctx context.Context, projectID string, configurationID string, actor *types.Actor) SyncResult {
	var res SyncResult

	cfg, err := s.configs.GetConfiguration(ctx, configurationID)
	if errors.Is(err, types.ErrNotFound) {
		// Redelivery after the configuration was deleted: expected race.
		res.Skipped = true
		return res
	}
	if err != nil {
		return s.fail(res, configurationID, actor, -1, fmt.Sprintf("load configuration: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return s.fail(res, configurationID, actor, -1, err.Error())
	}

	project, err := s.projects.GetProject(ctx, projectID)
	if errors.Is(err, types.ErrNotFound) {
		res.Skipped = true
		return res
	}
	if err != nil {
		return s.fail(res, configurationID, actor, -1, fmt.Sprintf("load project: %v", err))
	}

	// A nil actor is system-triggered work whose authorization was
	// established out-of-band; the check is bypassed, not failed closed.
	// Bot actors are the same automation in concrete form.
	if actor != nil && !actor.Bot && s.authz != nil {
		allowed, enforced, err := s.authz.Authorize(authz.SubjectFromUser(actor.UserID), authz.DomainFromProject(project.ID), authz.ObjectSecurityPolicy, authz.ActionSync)
		if err != nil {
			return s.fail(res, configurationID, actor, -1, fmt.Sprintf("authorize: %v", err))
		}
		if !allowed && enforced {
			return s.fail(res, configurationID, actor, -1, "actor not allowed to sync security policies")
		}
		if !allowed && !enforced {
			log.Printf("policy sync shadow deny: configuration_id=%s project_id=%s actor_id=%s", configurationID, project.ID, actor.UserID)
		}
	}

	raw, revisedAt, err := s.source.FetchDocument(ctx, cfg)
	if errors.Is(err, types.ErrNotFound) {
		res.Skipped = true
		return res
	}
	if err != nil {
		return s.fail(res, configurationID, actor, -1, fmt.Sprintf("fetch policy document: %v", err))
	}
	// configured_at is stamped after every completed run. A revision no newer
	// than the stamp cannot change derived state, so the run is rejected as a
	// no-op: last-writer-wins at the document level.
	if !revisedAt.IsZero() && !cfg.ConfiguredAt.IsZero() && !revisedAt.After(cfg.ConfiguredAt) {
		res.Skipped = true
		return res
	}

	compiled, err := CompilePolicyDocument(configurationID, raw)
	if err != nil {
		// Malformed top-level structure aborts the whole compile for this
		// configuration; per-entry problems never reach this branch.
		return s.fail(res, configurationID, actor, -1, fmt.Sprintf("compile: %v", err))
	}
	for _, ce := range compiled.Errors {
		log.Printf("policy compile rejected entry: configuration_id=%s kind=%s policy_index=%d reason=%s",
			configurationID, ce.Kind, ce.Index, ce.Reason)
	}

	for _, policy := range compiled.ScanResultPolicies {
		if err := ctx.Err(); err != nil {
			return s.fail(res, configurationID, actor, policy.Index, fmt.Sprintf("canceled: %v", err))
		}
		if policy.Tombstone {
			n, err := s.deleteIndex(ctx, configurationID, policy.Index)
			if err != nil {
				res = s.fail(res, configurationID, actor, policy.Index, fmt.Sprintf("delete rule: %v", err))
				continue
			}
			res.Deletes += n
			continue
		}
		wrote, err := s.upsertIndex(ctx, cfg, project, policy)
		if err != nil {
			res = s.fail(res, configurationID, actor, policy.Index, fmt.Sprintf("write rule: %v", err))
			continue
		}
		if wrote {
			res.Writes++
		}
	}

	// An index deleted outright from the document leaves no tombstone behind.
	// Sweep persisted rules past the compiled length so removed entries stop
	// governing open merge requests.
	persisted, err := s.rules.ListProjectRules(ctx, project.ID)
	if err != nil {
		res = s.fail(res, configurationID, actor, -1, fmt.Sprintf("list project rules: %v", err))
	} else {
		for _, r := range persisted {
			if r.ConfigurationID != configurationID || r.PolicyIndex < len(compiled.ScanResultPolicies) {
				continue
			}
			if err := s.rules.DeleteRule(ctx, configurationID, r.PolicyIndex); err != nil {
				res = s.fail(res, configurationID, actor, r.PolicyIndex, fmt.Sprintf("delete stale rule: %v", err))
				continue
			}
			res.Deletes++
		}
	}

	res = s.propagate(ctx, project, configurationID, actor, res)

	if err := s.configs.StampConfiguredAt(ctx, configurationID, s.now()); err != nil {
		res = s.fail(res, configurationID, actor, -1, fmt.Sprintf("stamp configured_at: %v", err))
	}

	return res
}

func (s *SyncService) deleteIndex(ctx context.Context, configurationID string, index int) (int, error) {
	_, err := s.rules.GetProjectRule(ctx, configurationID, index)
	if errors.Is(err, types.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := s.rules.DeleteRule(ctx, configurationID, index); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *SyncService) upsertIndex(ctx context.Context, cfg types.PolicyConfiguration, project types.Project, policy types.Policy) (bool, error) {
	target := targetRule(cfg.ID, project.ID, policy)
	read := types.ScanResultPolicyRead{
		ID:              target.ReadModelID,
		ProjectID:       project.ID,
		ConfigurationID: cfg.ID,
		PolicyIndex:     policy.Index,
		Rule:            target.Rule,
	}

	existing, err := s.rules.GetProjectRule(ctx, cfg.ID, policy.Index)
	if errors.Is(err, types.ErrNotFound) {
		return true, s.rules.CreateProjectRule(ctx, target, read)
	}
	if err != nil {
		return false, err
	}
	if ruleShapeEqual(existing, target) {
		return false, nil
	}
	// Delete-then-insert replace of the read-model row: never a field-by-field
	// patch, so no partially updated predicate state is observable mid-write.
	return true, s.rules.ReplaceReadModel(ctx, target, read)
}

// targetRule folds a compiled policy into the persisted rule shape. Approver
// sets union across actions and the required count takes the strictest
// action; predicates denormalize the policy's primary (first) rule.
func targetRule(configurationID string, projectID string, policy types.Policy) types.ApprovalRule {
	rule := types.ApprovalRule{
		ID:              deterministicRuleID(configurationID, policy.Index),
		Scope:           types.ScopeProject,
		ProjectID:       projectID,
		Name:            policy.Name,
		ConfigurationID: configurationID,
		PolicyIndex:     policy.Index,
	}
	for _, a := range policy.Actions {
		if a.Kind != types.ActionKindRequireApproval {
			continue
		}
		if a.ApprovalsRequired > rule.ApprovalsRequired {
			rule.ApprovalsRequired = a.ApprovalsRequired
		}
		rule.UserApprovers = unionSorted(rule.UserApprovers, a.UserApprovers)
		rule.GroupApprovers = unionSorted(rule.GroupApprovers, a.GroupApprovers)
		rule.RoleApprovers = unionSorted(rule.RoleApprovers, a.RoleApprovers)
	}
	if len(policy.Rules) > 0 {
		rule.Rule = policy.Rules[0]
		rule.ReportType = policy.Rules[0].Kind
	}
	rule.ReadModelID = deterministicReadModelID(configurationID, policy.Index, rule)
	return rule
}

func ruleShapeEqual(a, b types.ApprovalRule) bool {
	// The read-model id is a fingerprint over every field that matters; two
	// rules with the same id are the same shape.
	return a.ReadModelID == b.ReadModelID && a.ReadModelID != ""
}

func unionSorted(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

func (s *SyncService) fail(res SyncResult, configurationID string, actor *types.Actor, index int, message string) SyncResult {
	actorID := ""
	if actor != nil {
		actorID = actor.UserID
	}
	f := SyncFailure{
		Worker:          syncWorkerName,
		ConfigurationID: configurationID,
		ActorID:         actorID,
		PolicyIndex:     index,
		Message:         message,
	}
	res.Failures = append(res.Failures, f)
	log.Printf("policy sync failure: worker=%s configuration_id=%s actor_id=%s policy_index=%d message=%s",
		f.Worker, f.ConfigurationID, f.ActorID, f.PolicyIndex, f.Message)
	return res
}
