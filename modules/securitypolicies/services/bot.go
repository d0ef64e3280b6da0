package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/finchsec/policysync/pkg/authz"
	"github.com/finchsec/policysync/pkg/uuidv7"
	"gopkg.in/yaml.v3"
)

const credentialTTL = 1 * time.Hour

// policyGranter registers what a provisioned identity may do on a project.
// *authz.Authorizer satisfies it; nil means no authorization store is wired.
type policyGranter interface {
	AddProjectPolicy(subject string, projectID string, object string, action string) error
}

type BotService struct {
	configs ports.ConfigurationStore
	bots    ports.BotDirectory
	rules   ports.ApprovalRuleStore
	gateway ports.PolicyProjectGateway
	grants  policyGranter
	now     func() time.Time
}

func NewBotService(
	configs ports.ConfigurationStore,
	bots ports.BotDirectory,
	rules ports.ApprovalRuleStore,
	gateway ports.PolicyProjectGateway,
	grants policyGranter,
) *BotService {
	return &BotService{
		configs: configs,
		bots:    bots,
		rules:   rules,
		gateway: gateway,
		grants:  grants,
		now:     time.Now,
	}
}

// EnsureBot returns the configuration's automation actor, creating it lazily
// on first need: a bot user with guest-equivalent membership on the governed
// project. A nil actor means system-triggered; authorization was established
// out-of-band and no check is performed here.
func (s *BotService) EnsureBot(ctx context.Context, cfg types.PolicyConfiguration, actor *types.Actor) (types.BotIdentity, error) {
	if cfg.BotUserID != "" {
		bot, err := s.bots.GetBot(ctx, cfg.BotUserID)
		if err == nil {
			return bot, nil
		}
		// Dangling reference: fall through and provision a fresh bot.
		log.Printf("bot repair: configuration_id=%s bot_user_id=%s err=%v", cfg.ID, cfg.BotUserID, err)
	}

	bot, err := s.bots.CreateBotUser(ctx, cfg.ProjectID)
	if err != nil {
		return types.BotIdentity{}, fmt.Errorf("create bot user: %w", err)
	}
	if err := s.bots.GrantGuestMembership(ctx, bot.UserID, cfg.ProjectID); err != nil {
		return types.BotIdentity{}, fmt.Errorf("grant membership: %w", err)
	}
	if s.grants != nil {
		if err := s.grants.AddProjectPolicy(authz.SubjectFromUser(bot.UserID), cfg.ProjectID, authz.ObjectSecurityPolicy, authz.ActionSync); err != nil {
			return types.BotIdentity{}, fmt.Errorf("grant sync policy: %w", err)
		}
	}
	if err := s.configs.SetBotUser(ctx, cfg.ID, bot.UserID); err != nil {
		return types.BotIdentity{}, fmt.Errorf("bind bot to configuration: %w", err)
	}
	return bot, nil
}

// MintCredential issues a short-lived access token for the bot.
func (s *BotService) MintCredential(ctx context.Context, bot types.BotIdentity) (types.AccessCredential, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return types.AccessCredential{}, err
	}
	token, err := uuidv7.NewString()
	if err != nil {
		return types.AccessCredential{}, err
	}
	cred := types.AccessCredential{
		ID:        id,
		BotUserID: bot.UserID,
		Token:     token,
		ExpiresAt: s.now().Add(credentialTTL),
	}
	if err := s.bots.SaveCredential(ctx, cred); err != nil {
		return types.AccessCredential{}, err
	}
	return cred, nil
}

// MigrateLegacyRule converts a hand-authored approval rule into a
// policy-project commit plus merge request, acting as the configuration's
// bot. On failure at any step the minted credential is revoked before the
// failure surfaces, and the rule that could not be safely migrated is
// deleted with a structured warning. Credential cleanup is unconditional on
// the failure path, never best-effort.
func (s *BotService) MigrateLegacyRule(ctx context.Context, cfg types.PolicyConfiguration, legacy types.LegacyRule, actor *types.Actor) (err error) {
	bot, err := s.EnsureBot(ctx, cfg, actor)
	if err != nil {
		return err
	}
	cred, err := s.MintCredential(ctx, bot)
	if err != nil {
		return err
	}

	defer func() {
		if err == nil {
			return
		}
		if revokeErr := s.bots.RevokeCredential(context.WithoutCancel(ctx), cred.ID, s.now()); revokeErr != nil {
			log.Printf("bot credential revoke failed: credential_id=%s rule_id=%s err=%v", cred.ID, legacy.ID, revokeErr)
		}
		if delErr := s.rules.DeleteLegacyRule(context.WithoutCancel(ctx), legacy.ID); delErr != nil {
			log.Printf("legacy rule delete failed: rule_id=%s err=%v", legacy.ID, delErr)
		}
		log.Printf("legacy rule migration failed: rule_id=%s cause=%v", legacy.ID, err)
	}()

	policyProjectID, err := s.gateway.CreatePolicyProject(ctx, legacy.ProjectID)
	if err != nil {
		return fmt.Errorf("create policy project: %w", err)
	}

	doc, err := legacyRuleDocument(legacy)
	if err != nil {
		return fmt.Errorf("render policy document: %w", err)
	}
	if _, err = s.gateway.CommitPolicyDocument(ctx, policyProjectID, cred.Token, doc); err != nil {
		return fmt.Errorf("commit policy document: %w", err)
	}

	title := fmt.Sprintf("Add approval policy for %s", legacy.Name)
	if _, err = s.gateway.CreateMergeRequest(ctx, policyProjectID, cred.Token, title); err != nil {
		return fmt.Errorf("create merge request: %w", err)
	}

	if err = s.bots.RevokeCredential(ctx, cred.ID, s.now()); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

// legacyRuleDocument renders a minimal scan_result policy equivalent to the
// hand-authored rule, for the migration commit.
func legacyRuleDocument(legacy types.LegacyRule) ([]byte, error) {
	doc := map[string]any{
		"scan_result_policy": []map[string]any{{
			"name":        legacy.Name,
			"description": "Migrated from a project approval rule",
			"enabled":     true,
			"rules": []map[string]any{{
				"type":                    string(types.RuleKindScanFinding),
				"branches":                []string{},
				"scanners":                []string{},
				"severity_levels":         []string{string(types.SeverityCritical), string(types.SeverityHigh)},
				"vulnerability_states":    []string{string(types.StateNewlyDetected)},
				"vulnerabilities_allowed": 0,
			}},
			"actions": []map[string]any{{
				"type":               string(types.ActionKindRequireApproval),
				"approvals_required": 1,
			}},
		}},
	}
	return yaml.Marshal(doc)
}
