package authz

import (
	"errors"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

func ModeFromEnv() (Mode, error) {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv("AUTHZ_MODE")))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow:
		return Mode(raw), nil
	case ModeDisabled:
		if os.Getenv("AUTHZ_UNSAFE_ALLOW_DISABLED") != "1" {
			return "", errors.New("authz: AUTHZ_MODE=disabled requires AUTHZ_UNSAFE_ALLOW_DISABLED=1")
		}
		return ModeDisabled, nil
	default:
		return "", errors.New("authz: invalid AUTHZ_MODE (expected enforce|shadow|disabled)")
	}
}

// defaultModel is an RBAC-with-domains model: subjects are users or roles,
// domains are project ids, objects are protected surfaces such as
// security_policy.
const defaultModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (r.sub == p.sub || g(r.sub, p.sub, r.dom)) && r.dom == p.dom && r.obj == p.obj && r.act == p.act
`

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

// NewAuthorizer loads the policy CSV through casbin's file adapter. An empty
// modelPath falls back to the built-in RBAC-with-domains model.
func NewAuthorizer(modelPath string, policyPath string, mode Mode) (*Authorizer, error) {
	var enforcer *casbin.Enforcer
	var err error
	if modelPath == "" {
		m, merr := model.NewModelFromString(defaultModel)
		if merr != nil {
			return nil, merr
		}
		enforcer, err = casbin.NewEnforcer(m)
	} else {
		enforcer, err = casbin.NewEnforcer(modelPath)
	}
	if err != nil {
		return nil, err
	}
	if policyPath != "" {
		enforcer.SetAdapter(fileadapter.NewAdapter(policyPath))
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	}
	return &Authorizer{enforcer: enforcer, mode: mode}, nil
}

// SubjectFromUser formats the casbin subject for a concrete acting identity.
// Absent identities never reach the authorizer: callers bypass the check for
// system-triggered work instead of failing closed.
func SubjectFromUser(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}

func DomainFromProject(projectID string) string {
	return strings.TrimSpace(projectID)
}

// Authorize returns (allowed, enforced, err). Shadow mode evaluates but
// reports enforced=false so callers log instead of denying; disabled mode
// allows everything.
func (a *Authorizer) Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeShadow:
		ok, err := a.enforcer.Enforce(subject, domain, object, action)
		if err != nil {
			return false, false, err
		}
		return ok, false, nil
	case ModeEnforce:
		ok, err := a.enforcer.Enforce(subject, domain, object, action)
		if err != nil {
			return false, true, err
		}
		return ok, true, nil
	default:
		return false, false, errors.New("authz: unknown mode")
	}
}

// AddProjectPolicy grants subject the action on object within one project
// domain. Provisioning paths use this when a new bot gets its guest surface.
func (a *Authorizer) AddProjectPolicy(subject string, projectID string, object string, action string) error {
	_, err := a.enforcer.AddPolicy(subject, DomainFromProject(projectID), object, action)
	return err
}
