package types

// PolicyKind distinguishes the two top-level policy families in a policy
// document. Only scan_result policies materialize approval rules.
type PolicyKind string

const (
	PolicyKindScanExecution PolicyKind = "scan_execution"
	PolicyKindScanResult    PolicyKind = "scan_result"
)

type RuleKind string

const (
	RuleKindScanFinding    RuleKind = "scan_finding"
	RuleKindLicenseFinding RuleKind = "license_finding"
)

type ActionKind string

const (
	ActionKindRequireApproval ActionKind = "require_approval"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

var KnownSeverities = []Severity{
	SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown,
}

type VulnerabilityState string

const (
	StateNewlyDetected  VulnerabilityState = "newly_detected"
	StateNewNeedsTriage VulnerabilityState = "new_needs_triage"
	StateNewDismissed   VulnerabilityState = "new_dismissed"
	StateDetected       VulnerabilityState = "detected"
	StateConfirmed      VulnerabilityState = "confirmed"
	StateResolved       VulnerabilityState = "resolved"
	StateDismissed      VulnerabilityState = "dismissed"
)

var KnownVulnerabilityStates = []VulnerabilityState{
	StateNewlyDetected, StateNewNeedsTriage, StateNewDismissed,
	StateDetected, StateConfirmed, StateResolved, StateDismissed,
}

// Rule is one match predicate of a policy. Empty Branches or Scanners means
// "match all". VulnerabilitiesAllowed is the count at or below which approval
// is NOT required.
type Rule struct {
	Kind                   RuleKind
	Branches               []string
	Scanners               []string
	SeverityLevels         []Severity
	VulnerabilityStates    []VulnerabilityState
	VulnerabilitiesAllowed int
}

type Action struct {
	Kind              ActionKind
	ApprovalsRequired int
	UserApprovers     []string
	GroupApprovers    []string
	RoleApprovers     []string
}

// Policy is the ephemeral compile-time record. Identity for diffing is
// (configuration id, Index): names are mutable, positions are not.
// A Tombstone policy marks an index whose previously materialized state must
// be removed; it is distinct from the index simply being absent.
type Policy struct {
	Index       int
	Name        string
	Description string
	Enabled     bool
	Kind        PolicyKind
	Tombstone   bool
	Rules       []Rule
	Actions     []Action
}

// CompileError records one rejected document entry. Rejection is per entry:
// one malformed policy never blocks the rest of the document.
type CompileError struct {
	Kind   PolicyKind
	Index  int
	Reason string
}

// CompiledDocument is the output of one side-effect-free compile pass.
type CompiledDocument struct {
	ConfigurationID       string
	ScanExecutionPolicies []Policy
	ScanResultPolicies    []Policy
	Errors                []CompileError
}
