package services

import (
	"context"
	"fmt"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

// propagate applies the final project-level rule set onto every currently
// open merge request so in-flight reviews pick up new or changed requirements
// without a new commit. Per-merge-request failures are isolated.
func (s *SyncService) propagate(ctx context.Context, project types.Project, configurationID string, actor *types.Actor, res SyncResult) SyncResult {
	projectRules, err := s.rules.ListProjectRules(ctx, project.ID)
	if err != nil {
		return s.fail(res, configurationID, actor, -1, fmt.Sprintf("list project rules: %v", err))
	}

	var managed []types.ApprovalRule
	for _, r := range projectRules {
		if r.ConfigurationID == configurationID {
			managed = append(managed, r)
		}
	}

	openMRs, err := s.projects.ListOpenMergeRequests(ctx, project.ID)
	if err != nil {
		return s.fail(res, configurationID, actor, -1, fmt.Sprintf("list open merge requests: %v", err))
	}

	for _, mr := range openMRs {
		applicable := rulesForBranch(managed, mr.TargetBranch)
		changed, err := s.rules.SyncMergeRequestRules(ctx, mr.ID, applicable)
		if err != nil {
			res = s.fail(res, configurationID, actor, -1, fmt.Sprintf("propagate to merge request %s: %v", mr.ID, err))
			continue
		}
		if changed {
			res.Writes++
		}
	}
	return res
}

// rulesForBranch keeps rules whose branch set is empty (match all) or names
// the merge request's target branch.
func rulesForBranch(rules []types.ApprovalRule, targetBranch string) []types.ApprovalRule {
	var out []types.ApprovalRule
	for _, r := range rules {
		if len(r.Rule.Branches) == 0 {
			out = append(out, r)
			continue
		}
		for _, b := range r.Rule.Branches {
			if b == targetBranch {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
