package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/google/cel-go/cel"
)

// violationExpr counts the findings matched by a rule's predicates and
// compares against the allowed threshold. Empty predicate sets match all.
const violationExpr = `size(findings.filter(f,
	(size(severities) == 0 || f.severity in severities) &&
	(size(states) == 0 || f.state in states) &&
	(size(scanners) == 0 || f.scanner in scanners) &&
	f.report_type == report_type)) > allowed`

var newApprovalCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("findings", cel.ListType(cel.MapType(cel.StringType, cel.StringType))),
		cel.Variable("severities", cel.ListType(cel.StringType)),
		cel.Variable("states", cel.ListType(cel.StringType)),
		cel.Variable("scanners", cel.ListType(cel.StringType)),
		cel.Variable("report_type", cel.StringType),
		cel.Variable("allowed", cel.IntType),
	)
}

var violationProgramCache sync.Map

func violationProgram() (cel.Program, error) {
	if cached, ok := violationProgramCache.Load(violationExpr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newApprovalCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(violationExpr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	violationProgramCache.Store(violationExpr, prg)
	return prg, nil
}

// RuleViolated reports whether the findings matched by the rule's predicates
// exceed the rule's allowed threshold.
func RuleViolated(rule types.Rule, findings []types.Finding) (bool, error) {
	prg, err := violationProgram()
	if err != nil {
		return false, err
	}

	fs := make([]map[string]string, 0, len(findings))
	for _, f := range findings {
		fs = append(fs, map[string]string{
			"severity":    string(f.Severity),
			"state":       string(f.State),
			"scanner":     f.Scanner,
			"report_type": string(f.ReportType),
		})
	}

	out, _, err := prg.Eval(map[string]any{
		"findings":    fs,
		"severities":  severityStrings(rule.SeverityLevels),
		"states":      stateStrings(rule.VulnerabilityStates),
		"scanners":    append([]string{}, rule.Scanners...),
		"report_type": string(rule.Kind),
		"allowed":     int64(rule.VulnerabilitiesAllowed),
	})
	if err != nil {
		return false, err
	}
	violated, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("violation expression returned %T, want bool", out.Value())
	}
	return violated, nil
}

func severityStrings(in []types.Severity) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return out
}

func stateStrings(in []types.VulnerabilityState) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return out
}

// ApprovalOutcome summarizes one evaluation pass for a merge request, in the
// shape the violation comment generator consumes.
type ApprovalOutcome struct {
	MergeRequestID   string
	ReportType       types.RuleKind
	ViolatedPolicy   bool
	RequiresApproval bool
}

type ApprovalEvalService struct {
	rules ports.ApprovalRuleStore
}

func NewApprovalEvalService(rules ports.ApprovalRuleStore) *ApprovalEvalService {
	return &ApprovalEvalService{rules: rules}
}

// UpdateApprovals re-evaluates every policy-managed rule on a merge request
// against the latest findings. A non-violated rule has its required approval
// count reset to zero; a violated one is restored to the policy's required
// count, so redelivered evaluations converge in either direction. Failures
// are logged per rule and never propagate.
func (s *ApprovalEvalService) UpdateApprovals(ctx context.Context, mergeRequestID string, findings []types.Finding) []ApprovalOutcome {
	rules, err := s.rules.ListMergeRequestRules(ctx, mergeRequestID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		log.Printf("approval eval failure: merge_request_id=%s message=list rules: %v", mergeRequestID, err)
		return nil
	}

	byReport := map[types.RuleKind]*ApprovalOutcome{}
	for _, rule := range rules {
		if rule.ConfigurationID == "" {
			// Hand-authored rule: not ours to touch.
			continue
		}
		violated, err := RuleViolated(rule.Rule, findings)
		if err != nil {
			log.Printf("approval eval failure: merge_request_id=%s rule_id=%s message=%v", mergeRequestID, rule.ID, err)
			continue
		}

		required := 0
		if violated {
			required = rule.ApprovalsRequired
		}
		if err := s.rules.SetMergeRequestRuleApprovals(ctx, rule.ID, required); err != nil {
			log.Printf("approval eval failure: merge_request_id=%s rule_id=%s message=set approvals: %v", mergeRequestID, rule.ID, err)
			continue
		}

		o := byReport[rule.ReportType]
		if o == nil {
			o = &ApprovalOutcome{MergeRequestID: mergeRequestID, ReportType: rule.ReportType}
			byReport[rule.ReportType] = o
		}
		if violated {
			o.ViolatedPolicy = true
			if required > 0 {
				o.RequiresApproval = true
			}
		}
	}

	var out []ApprovalOutcome
	for _, kind := range []types.RuleKind{types.RuleKindScanFinding, types.RuleKindLicenseFinding} {
		if o := byReport[kind]; o != nil {
			out = append(out, *o)
		}
	}
	return out
}
