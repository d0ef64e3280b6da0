package types

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores for missing rows. Callers in the worker
// path treat it as a silent no-op: redelivery after the target was deleted is
// an expected race, not a failure.
var ErrNotFound = errors.New("securitypolicies: not found")

// ErrProjectMismatch rejects read-model recreation when the persisted row's
// project no longer matches the configuration's project (stale row leaking
// across a project transfer).
var ErrProjectMismatch = errors.New("securitypolicies: read model project mismatch")

// PolicyConfiguration binds exactly one of project or namespace to a policy
// document location. Project XOR namespace: never both, never neither.
type PolicyConfiguration struct {
	ID           string
	ProjectID    string
	NamespaceID  string
	PolicyRef    string
	ConfiguredAt time.Time
	BotUserID    string
}

func (c PolicyConfiguration) Validate() error {
	if (c.ProjectID == "") == (c.NamespaceID == "") {
		return errors.New("securitypolicies: configuration must set exactly one of project or namespace")
	}
	return nil
}

func (c PolicyConfiguration) NamespaceScoped() bool { return c.NamespaceID != "" }

// RuleScope distinguishes project-level rules from their merge-request-level
// projections.
type RuleScope string

const (
	ScopeProject      RuleScope = "project"
	ScopeMergeRequest RuleScope = "merge_request"
)

// ApprovalRule is the persisted enforcement row. ConfigurationID is empty for
// hand-authored rules, which the reconciler never touches.
type ApprovalRule struct {
	ID                string
	Scope             RuleScope
	ProjectID         string
	MergeRequestID    string
	Name              string
	ConfigurationID   string
	PolicyIndex       int
	ApprovalsRequired int
	UserApprovers     []string
	GroupApprovers    []string
	RoleApprovers     []string
	ReadModelID       string
	Rule              Rule
	ReportType        RuleKind
}

// ScanResultPolicyRead is the denormalized read-model row consumed by the
// approval evaluation path. One row per live rule instance; replaced
// wholesale, never patched field by field.
type ScanResultPolicyRead struct {
	ID              string
	ProjectID       string
	ConfigurationID string
	PolicyIndex     int
	Rule            Rule
}

// RuleSchedule drives periodic reconciliation. NextRunAt always advances by
// Cadence from the tick time, so an outage collapses to a single catch-up run.
type RuleSchedule struct {
	ID              string
	ConfigurationID string
	OwnerUserID     string
	Cadence         time.Duration
	NextRunAt       time.Time
}

func (s RuleSchedule) Due(now time.Time) bool { return !s.NextRunAt.After(now) }

// Actor is the explicit acting identity threaded through every operation.
// A nil *Actor means system-triggered: authorization was established
// out-of-band and checks are bypassed rather than failing closed.
type Actor struct {
	UserID string
	Role   string
	Bot    bool
}

// BotIdentity is the automation actor used when no human actor is available.
type BotIdentity struct {
	UserID    string
	ProjectID string
	Username  string
}

// AccessCredential is a short-lived token minted for bot-driven automation.
// The failure path of every workflow that mints one must revoke it before
// surfacing the error.
type AccessCredential struct {
	ID        string
	BotUserID string
	Token     string
	ExpiresAt time.Time
	RevokedAt time.Time
}

func (c AccessCredential) Revoked() bool { return !c.RevokedAt.IsZero() }

// Project is the slice of project state this subsystem reads.
type Project struct {
	ID              string
	NamespaceID     string
	PendingDeletion bool
}

// MergeRequest is the slice of merge request state this subsystem reads.
type MergeRequest struct {
	ID           string
	ProjectID    string
	SourceBranch string
	TargetBranch string
	Open         bool
}

// Finding is one scan finding attributed to a merge request, as delivered by
// the ingestion pipeline.
type Finding struct {
	Severity   Severity
	State      VulnerabilityState
	Scanner    string
	ReportType RuleKind
}

// ViolationInput is the outcome summary delivered per merge request and
// report type.
type ViolationInput struct {
	MergeRequestID   string
	ReportType       RuleKind
	ViolatedPolicy   bool
	RequiresApproval bool
}

// Comment is the single mutable violation summary note on a merge request.
type Comment struct {
	ID             string
	MergeRequestID string
	AuthorID       string
	Body           string
}

// LegacyRule is a hand-authored approval rule eligible for migration into a
// policy-project commit.
type LegacyRule struct {
	ID        string
	ProjectID string
	Name      string
}
