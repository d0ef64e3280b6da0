package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

// memStore is the in-memory backing for every port the services consume.
// Fault injection hooks let tests fail one policy index, one gateway step, or
// one store call while the rest keeps working.
type memStore struct {
	mu sync.Mutex

	configs      map[string]types.PolicyConfiguration
	docs         map[string][]byte
	docRevisedAt map[string]time.Time
	projects     map[string]types.Project
	openMRs      map[string][]types.MergeRequest

	projectRules map[string]types.ApprovalRule         // cfg:index
	reads        map[string]types.ScanResultPolicyRead // cfg:index
	mrRules      map[string]map[string]types.ApprovalRule

	schedules map[string]types.RuleSchedule

	bots         map[string]types.BotIdentity
	memberships  map[string]string // userID -> access level on project
	credentials  map[string]types.AccessCredential
	policyGrants []string
	failGrant    error

	comments []types.Comment

	failCreateIndex   map[int]error
	failReplaceIndex  map[int]error
	failProjectSyncs  map[string]error // projectID -> error on ListOpenMergeRequests
	failFetchDocument error
}

func newMemStore() *memStore {
	return &memStore{
		configs:          map[string]types.PolicyConfiguration{},
		docs:             map[string][]byte{},
		docRevisedAt:     map[string]time.Time{},
		projects:         map[string]types.Project{},
		openMRs:          map[string][]types.MergeRequest{},
		projectRules:     map[string]types.ApprovalRule{},
		reads:            map[string]types.ScanResultPolicyRead{},
		mrRules:          map[string]map[string]types.ApprovalRule{},
		schedules:        map[string]types.RuleSchedule{},
		bots:             map[string]types.BotIdentity{},
		memberships:      map[string]string{},
		credentials:      map[string]types.AccessCredential{},
		failCreateIndex:  map[int]error{},
		failReplaceIndex: map[int]error{},
		failProjectSyncs: map[string]error{},
	}
}

func ruleKey(configurationID string, index int) string {
	return fmt.Sprintf("%s:%d", configurationID, index)
}

// ConfigurationStore

func (m *memStore) GetConfiguration(_ context.Context, id string) (types.PolicyConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return types.PolicyConfiguration{}, types.ErrNotFound
	}
	return cfg, nil
}

func (m *memStore) StampConfiguredAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return types.ErrNotFound
	}
	cfg.ConfiguredAt = at
	m.configs[id] = cfg
	return nil
}

func (m *memStore) SetBotUser(_ context.Context, id string, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return types.ErrNotFound
	}
	cfg.BotUserID = userID
	m.configs[id] = cfg
	return nil
}

func (m *memStore) ConfigurationForProject(_ context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cfg := range m.configs {
		if cfg.ProjectID == projectID {
			return id, nil
		}
	}
	return "", types.ErrNotFound
}

// PolicySource

func (m *memStore) FetchDocument(_ context.Context, cfg types.PolicyConfiguration) ([]byte, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFetchDocument != nil {
		return nil, time.Time{}, m.failFetchDocument
	}
	doc, ok := m.docs[cfg.PolicyRef]
	if !ok {
		return nil, time.Time{}, types.ErrNotFound
	}
	return doc, m.docRevisedAt[cfg.PolicyRef], nil
}

// ProjectDirectory

func (m *memStore) GetProject(_ context.Context, id string) (types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return types.Project{}, types.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListNamespaceProjects(_ context.Context, namespaceID string) ([]types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Project
	for _, p := range m.projects {
		if p.NamespaceID == namespaceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListOpenMergeRequests(_ context.Context, projectID string) ([]types.MergeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failProjectSyncs[projectID]; err != nil {
		return nil, err
	}
	return append([]types.MergeRequest{}, m.openMRs[projectID]...), nil
}

// ApprovalRuleStore

func (m *memStore) GetProjectRule(_ context.Context, configurationID string, policyIndex int) (types.ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.projectRules[ruleKey(configurationID, policyIndex)]
	if !ok {
		return types.ApprovalRule{}, types.ErrNotFound
	}
	return r, nil
}

func (m *memStore) CreateProjectRule(_ context.Context, rule types.ApprovalRule, read types.ScanResultPolicyRead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCreateIndex[rule.PolicyIndex]; err != nil {
		return err
	}
	key := ruleKey(rule.ConfigurationID, rule.PolicyIndex)
	m.projectRules[key] = rule
	m.reads[key] = read
	return nil
}

func (m *memStore) ReplaceReadModel(_ context.Context, rule types.ApprovalRule, read types.ScanResultPolicyRead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failReplaceIndex[rule.PolicyIndex]; err != nil {
		return err
	}
	key := ruleKey(rule.ConfigurationID, rule.PolicyIndex)
	if existing, ok := m.reads[key]; ok && existing.ProjectID != read.ProjectID {
		return types.ErrProjectMismatch
	}
	m.reads[key] = read
	m.projectRules[key] = rule
	return nil
}

func (m *memStore) DeleteRule(_ context.Context, configurationID string, policyIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey(configurationID, policyIndex)
	delete(m.projectRules, key)
	delete(m.reads, key)
	for _, rules := range m.mrRules {
		for id, r := range rules {
			if r.ConfigurationID == configurationID && r.PolicyIndex == policyIndex {
				delete(rules, id)
			}
		}
	}
	return nil
}

func (m *memStore) ListProjectRules(_ context.Context, projectID string) ([]types.ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ApprovalRule
	for _, r := range m.projectRules {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyIndex < out[j].PolicyIndex })
	return out, nil
}

func (m *memStore) SyncMergeRequestRules(_ context.Context, mergeRequestID string, rules []types.ApprovalRule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.mrRules[mergeRequestID]
	if existing == nil {
		existing = map[string]types.ApprovalRule{}
		m.mrRules[mergeRequestID] = existing
	}

	changed := false
	desired := map[string]types.ApprovalRule{}
	for _, r := range rules {
		id := fmt.Sprintf("mr:%s:%s", mergeRequestID, ruleKey(r.ConfigurationID, r.PolicyIndex))
		projected := r
		projected.ID = id
		projected.Scope = types.ScopeMergeRequest
		projected.MergeRequestID = mergeRequestID
		desired[id] = projected
	}

	for id, r := range existing {
		if r.ConfigurationID == "" {
			continue // hand-authored
		}
		if _, ok := desired[id]; !ok {
			delete(existing, id)
			changed = true
		}
	}
	for id, r := range desired {
		prev, ok := existing[id]
		if !ok || prev.ReadModelID != r.ReadModelID {
			existing[id] = r
			changed = true
		}
	}
	return changed, nil
}

func (m *memStore) ListMergeRequestRules(_ context.Context, mergeRequestID string) ([]types.ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ApprovalRule
	for _, r := range m.mrRules[mergeRequestID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SetMergeRequestRuleApprovals(_ context.Context, ruleID string, approvalsRequired int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rules := range m.mrRules {
		if r, ok := rules[ruleID]; ok {
			r.ApprovalsRequired = approvalsRequired
			rules[ruleID] = r
			return nil
		}
	}
	return types.ErrNotFound
}

func (m *memStore) DeleteLegacyRule(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "legacy:" + ruleID
	delete(m.projectRules, key)
	return nil
}

// ScheduleStore

func (m *memStore) ClaimDueSchedules(_ context.Context, now time.Time, limit int) ([]types.RuleSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RuleSchedule
	for _, s := range m.schedules {
		if s.Due(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreateSchedule(_ context.Context, s types.RuleSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *memStore) AdvanceNextRun(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return types.ErrNotFound
	}
	s.NextRunAt = next
	m.schedules[id] = s
	return nil
}

func (m *memStore) DeleteSchedulesForConfiguration(_ context.Context, configurationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.schedules {
		if s.ConfigurationID == configurationID {
			delete(m.schedules, id)
		}
	}
	return nil
}

// BotDirectory

func (m *memStore) CreateBotUser(_ context.Context, projectID string) (types.BotIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("bot-%d", len(m.bots)+1)
	bot := types.BotIdentity{UserID: id, ProjectID: projectID, Username: "security-policy-" + id}
	m.bots[id] = bot
	return bot, nil
}

func (m *memStore) GrantGuestMembership(_ context.Context, userID string, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[userID+":"+projectID] = "guest"
	return nil
}

func (m *memStore) AddProjectPolicy(subject string, projectID string, object string, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGrant != nil {
		return m.failGrant
	}
	m.policyGrants = append(m.policyGrants, subject+" "+projectID+" "+object+" "+action)
	return nil
}

func (m *memStore) GetBot(_ context.Context, userID string) (types.BotIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[userID]
	if !ok {
		return types.BotIdentity{}, types.ErrNotFound
	}
	return bot, nil
}

func (m *memStore) SaveCredential(_ context.Context, cred types.AccessCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[cred.ID] = cred
	return nil
}

func (m *memStore) RevokeCredential(_ context.Context, credentialID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[credentialID]
	if !ok {
		return types.ErrNotFound
	}
	if cred.RevokedAt.IsZero() {
		cred.RevokedAt = at
	}
	m.credentials[credentialID] = cred
	return nil
}

func (m *memStore) unrevokedCredentials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.credentials {
		if c.RevokedAt.IsZero() {
			n++
		}
	}
	return n
}

// CommentStore

func (m *memStore) FindMarkedComment(_ context.Context, mergeRequestID string, marker string) (types.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.comments {
		if c.MergeRequestID == mergeRequestID && strings.Contains(c.Body, marker) {
			return c, nil
		}
	}
	return types.Comment{}, types.ErrNotFound
}

func (m *memStore) CreateComment(_ context.Context, c types.Comment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = fmt.Sprintf("note-%d", len(m.comments)+1)
	m.comments = append(m.comments, c)
	return c.ID, nil
}

func (m *memStore) UpdateComment(_ context.Context, id string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.comments {
		if c.ID == id {
			m.comments[i].Body = body
			return nil
		}
	}
	return types.ErrNotFound
}

// allowAll authorizer for tests that do not exercise authz.
type allowAll struct{}

func (allowAll) Authorize(string, string, string, string) (bool, bool, error) {
	return true, true, nil
}

// denyAll authorizer.
type denyAll struct{}

func (denyAll) Authorize(string, string, string, string) (bool, bool, error) {
	return false, true, nil
}
