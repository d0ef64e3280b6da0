package ports

import (
	"context"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

// PolicySource reads the versioned policy document for a configuration.
// External collaborator, consumed read-only. The returned time is when the
// served revision was committed; a zero time means the source does not track
// revisions and the document is always treated as fresh.
type PolicySource interface {
	FetchDocument(ctx context.Context, cfg types.PolicyConfiguration) ([]byte, time.Time, error)
}

// PolicyProjectGateway covers the external project/commit/merge-request
// surface used when migrating a legacy approval rule into a policy-project
// commit. Each step may fail independently.
type PolicyProjectGateway interface {
	CreatePolicyProject(ctx context.Context, projectID string) (string, error)
	CommitPolicyDocument(ctx context.Context, policyProjectID string, token string, doc []byte) (string, error)
	CreateMergeRequest(ctx context.Context, policyProjectID string, token string, title string) (string, error)
}

// ReconcileTrigger is the fire-and-forget, at-least-once reconciliation entry
// point consumed by the schedulers and the event-driven refresh.
type ReconcileTrigger interface {
	Enqueue(projectID string, configurationID string)
}

// Authorizer decides whether an acting identity may perform an action on a
// project. A nil acting identity never reaches the authorizer: callers bypass
// the check entirely for system-triggered work.
type Authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}
