package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var mergeRequestRuleNamespace = uuid.Must(uuid.Parse("3f8c2f76-9d14-4ab1-b6a0-1f4c2a7d9e55"))

// deterministicMergeRequestRuleID keeps merge-request projections rerunnable:
// re-syncing the same project rule onto the same merge request hits the same
// row instead of duplicating it.
func deterministicMergeRequestRuleID(mergeRequestID string, configurationID string, policyIndex int) string {
	name := fmt.Sprintf("securitypolicies.merge_request_rule:%s:%s:%d", mergeRequestID, configurationID, policyIndex)
	return uuid.NewSHA1(mergeRequestRuleNamespace, []byte(name)).String()
}

type ApprovalRulePGStore struct {
	pool pgBeginner
}

func NewApprovalRulePGStore(pool pgBeginner) ports.ApprovalRuleStore {
	return &ApprovalRulePGStore{pool: pool}
}

const approvalRuleColumns = `
  id::text,
  scope,
  project_id::text,
  COALESCE(merge_request_id::text, ''),
  name,
  COALESCE(configuration_id::text, ''),
  policy_index,
  approvals_required,
  user_approvers,
  group_approvers,
  role_approvers,
  COALESCE(read_model_id::text, ''),
  rule,
  report_type`

func scanApprovalRule(row pgx.Row) (types.ApprovalRule, error) {
	var r types.ApprovalRule
	var ruleJSON []byte
	err := row.Scan(
		&r.ID, &r.Scope, &r.ProjectID, &r.MergeRequestID, &r.Name,
		&r.ConfigurationID, &r.PolicyIndex, &r.ApprovalsRequired,
		&r.UserApprovers, &r.GroupApprovers, &r.RoleApprovers,
		&r.ReadModelID, &ruleJSON, &r.ReportType,
	)
	if err != nil {
		return types.ApprovalRule{}, err
	}
	if len(ruleJSON) > 0 {
		if err := json.Unmarshal(ruleJSON, &r.Rule); err != nil {
			return types.ApprovalRule{}, err
		}
	}
	return r, nil
}

func (s *ApprovalRulePGStore) GetProjectRule(ctx context.Context, configurationID string, policyIndex int) (types.ApprovalRule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.ApprovalRule{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	row := tx.QueryRow(ctx, `
	SELECT`+approvalRuleColumns+`
	FROM security.approval_rules
	WHERE configuration_id = $1::uuid AND policy_index = $2 AND scope = 'project'
	`, configurationID, policyIndex)

	rule, err := scanApprovalRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ApprovalRule{}, types.ErrNotFound
	}
	if err != nil {
		return types.ApprovalRule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.ApprovalRule{}, err
	}
	return rule, nil
}

func (s *ApprovalRulePGStore) CreateProjectRule(ctx context.Context, rule types.ApprovalRule, read types.ScanResultPolicyRead) error {
	ruleJSON, err := json.Marshal(rule.Rule)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.scan_result_policy_reads (id, project_id, configuration_id, policy_index, rule)
	VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5::jsonb)
	ON CONFLICT (id) DO NOTHING
	`, read.ID, read.ProjectID, read.ConfigurationID, read.PolicyIndex, ruleJSON); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.approval_rules
	  (id, scope, project_id, name, configuration_id, policy_index,
	   approvals_required, user_approvers, group_approvers, role_approvers,
	   read_model_id, rule, report_type)
	VALUES ($1::uuid, 'project', $2::uuid, $3, $4::uuid, $5, $6, $7, $8, $9, $10::uuid, $11::jsonb, $12)
	ON CONFLICT (id) DO NOTHING
	`, rule.ID, rule.ProjectID, rule.Name, rule.ConfigurationID, rule.PolicyIndex,
		rule.ApprovalsRequired, rule.UserApprovers, rule.GroupApprovers, rule.RoleApprovers,
		rule.ReadModelID, ruleJSON, string(rule.ReportType)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ReplaceReadModel deletes and recreates the read-model row inside one short
// transaction, then points the rule at the new row. The project check rejects
// recreation over a row that leaked across a project transfer.
func (s *ApprovalRulePGStore) ReplaceReadModel(ctx context.Context, rule types.ApprovalRule, read types.ScanResultPolicyRead) error {
	ruleJSON, err := json.Marshal(rule.Rule)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var existingProjectID string
	err = tx.QueryRow(ctx, `
	SELECT project_id::text
	FROM security.scan_result_policy_reads
	WHERE configuration_id = $1::uuid AND policy_index = $2
	FOR UPDATE
	`, read.ConfigurationID, read.PolicyIndex).Scan(&existingProjectID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if err == nil && existingProjectID != read.ProjectID {
		return types.ErrProjectMismatch
	}

	if _, err := tx.Exec(ctx, `
	DELETE FROM security.scan_result_policy_reads
	WHERE configuration_id = $1::uuid AND policy_index = $2
	`, read.ConfigurationID, read.PolicyIndex); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
	INSERT INTO security.scan_result_policy_reads (id, project_id, configuration_id, policy_index, rule)
	VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5::jsonb)
	`, read.ID, read.ProjectID, read.ConfigurationID, read.PolicyIndex, ruleJSON); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
	UPDATE security.approval_rules
	SET name = $3,
	    approvals_required = $4,
	    user_approvers = $5,
	    group_approvers = $6,
	    role_approvers = $7,
	    read_model_id = $8::uuid,
	    rule = $9::jsonb,
	    report_type = $10
	WHERE configuration_id = $1::uuid AND policy_index = $2 AND scope = 'project'
	`, rule.ConfigurationID, rule.PolicyIndex, rule.Name, rule.ApprovalsRequired,
		rule.UserApprovers, rule.GroupApprovers, rule.RoleApprovers,
		rule.ReadModelID, ruleJSON, string(rule.ReportType)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *ApprovalRulePGStore) DeleteRule(ctx context.Context, configurationID string, policyIndex int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	DELETE FROM security.approval_rules
	WHERE configuration_id = $1::uuid AND policy_index = $2
	`, configurationID, policyIndex); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
	DELETE FROM security.scan_result_policy_reads
	WHERE configuration_id = $1::uuid AND policy_index = $2
	`, configurationID, policyIndex); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *ApprovalRulePGStore) ListProjectRules(ctx context.Context, projectID string) ([]types.ApprovalRule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT`+approvalRuleColumns+`
	FROM security.approval_rules
	WHERE project_id = $1::uuid AND scope = 'project'
	ORDER BY policy_index ASC, id::text ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ApprovalRule
	for rows.Next() {
		rule, err := scanApprovalRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ApprovalRulePGStore) SyncMergeRequestRules(ctx context.Context, mergeRequestID string, rules []types.ApprovalRule) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	changed := false

	desired := map[string]bool{}
	for _, r := range rules {
		desired[deterministicMergeRequestRuleID(mergeRequestID, r.ConfigurationID, r.PolicyIndex)] = true
	}

	rows, err := tx.Query(ctx, `
	SELECT id::text
	FROM security.approval_rules
	WHERE merge_request_id = $1::uuid AND scope = 'merge_request' AND configuration_id IS NOT NULL
	`, mergeRequestID)
	if err != nil {
		return false, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, err
		}
		if !desired[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, id := range stale {
		if _, err := tx.Exec(ctx, `DELETE FROM security.approval_rules WHERE id = $1::uuid`, id); err != nil {
			return false, err
		}
		changed = true
	}

	for _, r := range rules {
		ruleJSON, err := json.Marshal(r.Rule)
		if err != nil {
			return false, err
		}
		id := deterministicMergeRequestRuleID(mergeRequestID, r.ConfigurationID, r.PolicyIndex)
		tag, err := tx.Exec(ctx, `
	INSERT INTO security.approval_rules
	  (id, scope, project_id, merge_request_id, name, configuration_id, policy_index,
	   approvals_required, user_approvers, group_approvers, role_approvers,
	   read_model_id, rule, report_type)
	VALUES ($1::uuid, 'merge_request', $2::uuid, $3::uuid, $4, $5::uuid, $6, $7, $8, $9, $10, $11::uuid, $12::jsonb, $13)
	ON CONFLICT (id) DO UPDATE SET
	  name = EXCLUDED.name,
	  approvals_required = EXCLUDED.approvals_required,
	  user_approvers = EXCLUDED.user_approvers,
	  group_approvers = EXCLUDED.group_approvers,
	  role_approvers = EXCLUDED.role_approvers,
	  read_model_id = EXCLUDED.read_model_id,
	  rule = EXCLUDED.rule,
	  report_type = EXCLUDED.report_type
	WHERE security.approval_rules.read_model_id IS DISTINCT FROM EXCLUDED.read_model_id
	`, id, r.ProjectID, mergeRequestID, r.Name, r.ConfigurationID, r.PolicyIndex,
			r.ApprovalsRequired, r.UserApprovers, r.GroupApprovers, r.RoleApprovers,
			r.ReadModelID, ruleJSON, string(r.ReportType))
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() > 0 {
			changed = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return changed, nil
}

func (s *ApprovalRulePGStore) ListMergeRequestRules(ctx context.Context, mergeRequestID string) ([]types.ApprovalRule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT`+approvalRuleColumns+`
	FROM security.approval_rules
	WHERE merge_request_id = $1::uuid AND scope = 'merge_request'
	ORDER BY policy_index ASC, id::text ASC
	`, mergeRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ApprovalRule
	for rows.Next() {
		rule, err := scanApprovalRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ApprovalRulePGStore) SetMergeRequestRuleApprovals(ctx context.Context, ruleID string, approvalsRequired int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	UPDATE security.approval_rules
	SET approvals_required = $2
	WHERE id = $1::uuid AND scope = 'merge_request'
	`, ruleID, approvalsRequired); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *ApprovalRulePGStore) DeleteLegacyRule(ctx context.Context, ruleID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	DELETE FROM security.approval_rules
	WHERE id = $1::uuid AND configuration_id IS NULL
	`, ruleID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
