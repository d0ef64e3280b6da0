package authz

// Catalog of the authorization surface. Policies grant (subject, domain,
// object, action) tuples; these are the only object and action names the
// services check or grant.
const (
	ObjectSecurityPolicy = "security_policy"
)

const (
	ActionSync = "sync"
)
