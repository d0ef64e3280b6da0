package services

import (
	"fmt"
	"strings"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"gopkg.in/yaml.v3"
)

// ScanResultPolicyLimit caps the number of enabled scan_result policies that
// are enforced per configuration. Enabled entries past the limit compile to
// tombstones so previously materialized state is still cleaned up.
const ScanResultPolicyLimit = 5

const maxPolicyNameLength = 255

type policyDocument struct {
	ScanExecutionPolicy []yaml.Node `yaml:"scan_execution_policy"`
	ScanResultPolicy    []yaml.Node `yaml:"scan_result_policy"`
}

type policyEntry struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Enabled     bool          `yaml:"enabled"`
	Rules       []ruleEntry   `yaml:"rules"`
	Actions     []actionEntry `yaml:"actions"`
}

type ruleEntry struct {
	Type                   string   `yaml:"type"`
	Branches               []string `yaml:"branches"`
	Scanners               []string `yaml:"scanners"`
	SeverityLevels         []string `yaml:"severity_levels"`
	VulnerabilityStates    []string `yaml:"vulnerability_states"`
	VulnerabilitiesAllowed int      `yaml:"vulnerabilities_allowed"`
}

type actionEntry struct {
	Type              string   `yaml:"type"`
	ApprovalsRequired int      `yaml:"approvals_required"`
	UserApprovers     []string `yaml:"user_approvers"`
	GroupApprovers    []string `yaml:"group_approvers"`
	RoleApprovers     []string `yaml:"role_approvers"`
}

// CompilePolicyDocument parses raw policy YAML into typed, validated policies.
// Malformed top-level structure fails the whole compile; a malformed
// individual entry rejects only that entry. Compilation performs no writes.
func CompilePolicyDocument(configurationID string, raw []byte) (types.CompiledDocument, error) {
	out := types.CompiledDocument{ConfigurationID: configurationID}

	var doc policyDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return out, fmt.Errorf("policy document: %w", err)
	}

	for i, node := range doc.ScanExecutionPolicy {
		policy, err := compileEntry(types.PolicyKindScanExecution, i, node)
		if err != nil {
			out.Errors = append(out.Errors, types.CompileError{
				Kind: types.PolicyKindScanExecution, Index: i, Reason: err.Error(),
			})
			continue
		}
		out.ScanExecutionPolicies = append(out.ScanExecutionPolicies, policy)
	}

	enabledSeen := 0
	for i, node := range doc.ScanResultPolicy {
		policy, err := compileEntry(types.PolicyKindScanResult, i, node)
		if err != nil {
			out.Errors = append(out.Errors, types.CompileError{
				Kind: types.PolicyKindScanResult, Index: i, Reason: err.Error(),
			})
			// A rejected entry still tombstones its index: stale rules from a
			// previously valid version of the entry must not survive.
			out.ScanResultPolicies = append(out.ScanResultPolicies, tombstone(i))
			continue
		}
		if policy.Enabled {
			enabledSeen++
			if enabledSeen > ScanResultPolicyLimit {
				out.Errors = append(out.Errors, types.CompileError{
					Kind:   types.PolicyKindScanResult,
					Index:  i,
					Reason: fmt.Sprintf("enabled scan_result policy limit (%d) exceeded", ScanResultPolicyLimit),
				})
				out.ScanResultPolicies = append(out.ScanResultPolicies, tombstone(i))
				continue
			}
		}
		if !policy.Enabled {
			// Disabled compiles to an explicit tombstone so the reconciler
			// removes anything previously materialized at this index.
			policy.Tombstone = true
		}
		out.ScanResultPolicies = append(out.ScanResultPolicies, policy)
	}

	return out, nil
}

func tombstone(index int) types.Policy {
	return types.Policy{Index: index, Kind: types.PolicyKindScanResult, Tombstone: true}
}

func compileEntry(kind types.PolicyKind, index int, node yaml.Node) (types.Policy, error) {
	var entry policyEntry
	if err := node.Decode(&entry); err != nil {
		return types.Policy{}, fmt.Errorf("malformed entry: %v", err)
	}

	entry.Name = strings.TrimSpace(entry.Name)
	if entry.Name == "" {
		return types.Policy{}, fmt.Errorf("name is required")
	}
	if len(entry.Name) > maxPolicyNameLength {
		return types.Policy{}, fmt.Errorf("name exceeds %d characters", maxPolicyNameLength)
	}

	policy := types.Policy{
		Index:       index,
		Name:        entry.Name,
		Description: strings.TrimSpace(entry.Description),
		Enabled:     entry.Enabled,
		Kind:        kind,
	}

	if kind == types.PolicyKindScanExecution {
		// Scan execution rules/actions are scanner-pipeline instructions, not
		// approval predicates; they are carried through untyped here.
		return policy, nil
	}

	if len(entry.Rules) == 0 {
		return types.Policy{}, fmt.Errorf("at least one rule is required")
	}
	if len(entry.Actions) == 0 {
		return types.Policy{}, fmt.Errorf("at least one action is required")
	}

	for i, r := range entry.Rules {
		rule, err := compileRule(r)
		if err != nil {
			return types.Policy{}, fmt.Errorf("rule %d: %v", i, err)
		}
		policy.Rules = append(policy.Rules, rule)
	}
	for i, a := range entry.Actions {
		action, err := compileAction(a)
		if err != nil {
			return types.Policy{}, fmt.Errorf("action %d: %v", i, err)
		}
		policy.Actions = append(policy.Actions, action)
	}

	return policy, nil
}

func compileRule(r ruleEntry) (types.Rule, error) {
	kind := types.RuleKind(strings.TrimSpace(r.Type))
	switch kind {
	case types.RuleKindScanFinding, types.RuleKindLicenseFinding:
	default:
		return types.Rule{}, fmt.Errorf("unknown rule type %q", r.Type)
	}
	if r.VulnerabilitiesAllowed < 0 {
		return types.Rule{}, fmt.Errorf("vulnerabilities_allowed must be >= 0")
	}

	rule := types.Rule{
		Kind:                   kind,
		Branches:               normalizeBranches(r.Branches),
		Scanners:               normalizeSet(r.Scanners),
		VulnerabilitiesAllowed: r.VulnerabilitiesAllowed,
	}

	for _, s := range normalizeSet(r.SeverityLevels) {
		sev := types.Severity(s)
		if !knownSeverity(sev) {
			return types.Rule{}, fmt.Errorf("unknown severity %q", s)
		}
		rule.SeverityLevels = append(rule.SeverityLevels, sev)
	}
	for _, s := range normalizeSet(r.VulnerabilityStates) {
		state := types.VulnerabilityState(s)
		if !knownState(state) {
			return types.Rule{}, fmt.Errorf("unknown vulnerability state %q", s)
		}
		rule.VulnerabilityStates = append(rule.VulnerabilityStates, state)
	}

	return rule, nil
}

func compileAction(a actionEntry) (types.Action, error) {
	kind := types.ActionKind(strings.TrimSpace(a.Type))
	if kind != types.ActionKindRequireApproval {
		return types.Action{}, fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.ApprovalsRequired < 1 {
		return types.Action{}, fmt.Errorf("approvals_required must be >= 1")
	}
	return types.Action{
		Kind:              kind,
		ApprovalsRequired: a.ApprovalsRequired,
		UserApprovers:     normalizeSet(a.UserApprovers),
		GroupApprovers:    normalizeSet(a.GroupApprovers),
		RoleApprovers:     normalizeSet(a.RoleApprovers),
	}, nil
}

func normalizeSet(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// normalizeBranches dedups without lowercasing: branch names are case
// sensitive.
func normalizeBranches(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func knownSeverity(s types.Severity) bool {
	for _, k := range types.KnownSeverities {
		if s == k {
			return true
		}
	}
	return false
}

func knownState(s types.VulnerabilityState) bool {
	for _, k := range types.KnownVulnerabilityStates {
		if s == k {
			return true
		}
	}
	return false
}
