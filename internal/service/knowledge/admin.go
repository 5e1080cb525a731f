package knowledge

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// requireAdmin gates the admin surface on the wildcard namespace grant.
func (s *Service) requireAdmin(ctx context.Context, p model.Principal) error {
	ok, err := s.authz.IsAdmin(ctx, p.AgentID, p.OrgID)
	if err != nil {
		return fmt.Errorf("knowledge: admin check: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// MintKey creates an API key for an agent in the caller's org. The raw
// secret exists only in the response; storage keeps the prefix and lookup
// hash. The agent also receives the baseline contributor grants.
func (s *Service) MintKey(ctx context.Context, p model.Principal, req model.CreateKeyRequest) (model.APIKeyWithSecret, error) {
	if err := s.requireAdmin(ctx, p); err != nil {
		return model.APIKeyWithSecret{}, err
	}
	if req.AgentID == "" {
		return model.APIKeyWithSecret{}, fmt.Errorf("%w: agent_id is required", ErrInvalidInput)
	}
	tier := model.Tier(req.Tier)
	if req.Tier == "" {
		tier = model.TierFree
	} else if !model.ValidTier(req.Tier) {
		return model.APIKeyWithSecret{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, req.Tier)
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		return model.APIKeyWithSecret{}, fmt.Errorf("knowledge: mint key: %w", err)
	}

	key, err := s.store.CreateAPIKey(ctx, model.APIKey{
		KeyPrefix: prefix,
		KeyHash:   model.HashKey(rawKey),
		OrgID:     p.OrgID,
		AgentID:   req.AgentID,
		Tier:      tier,
	})
	if err != nil {
		return model.APIKeyWithSecret{}, fmt.Errorf("knowledge: create key: %w", err)
	}

	if err := s.authz.GrantAgentDefaults(ctx, p.OrgID, req.AgentID); err != nil {
		return model.APIKeyWithSecret{}, fmt.Errorf("knowledge: grant agent defaults: %w", err)
	}

	s.audit(ctx, p.OrgID, p.AgentID, "key.mint", key.ID.String(),
		map[string]any{"agent_id": req.AgentID, "tier": string(tier)})
	return model.APIKeyWithSecret{APIKey: key, RawKey: rawKey}, nil
}

// ListKeys returns the org's API keys, secrets omitted.
func (s *Service) ListKeys(ctx context.Context, p model.Principal) ([]model.APIKey, error) {
	if err := s.requireAdmin(ctx, p); err != nil {
		return nil, err
	}
	keys, err := s.store.ListAPIKeys(ctx, p.OrgID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list keys: %w", err)
	}
	return keys, nil
}

// RevokeKey deactivates a key within the caller's org.
func (s *Service) RevokeKey(ctx context.Context, p model.Principal, keyID uuid.UUID) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	if err := s.store.RevokeAPIKey(ctx, p.OrgID, keyID); err != nil {
		return err
	}
	s.audit(ctx, p.OrgID, p.AgentID, "key.revoke", keyID.String(), nil)
	return nil
}

// CreateWebhook registers a delivery endpoint for the org.
func (s *Service) CreateWebhook(ctx context.Context, p model.Principal, req model.CreateWebhookRequest) (model.WebhookEndpoint, error) {
	if err := s.requireAdmin(ctx, p); err != nil {
		return model.WebhookEndpoint{}, err
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.WebhookEndpoint{}, fmt.Errorf("%w: url must be http(s)", ErrInvalidInput)
	}
	if len(req.EventTypes) == 0 {
		return model.WebhookEndpoint{}, fmt.Errorf("%w: at least one event type is required", ErrInvalidInput)
	}

	ep, err := s.store.CreateWebhookEndpoint(ctx, model.WebhookEndpoint{
		OrgID:      p.OrgID,
		URL:        req.URL,
		EventTypes: req.EventTypes,
	})
	if err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("knowledge: create webhook: %w", err)
	}
	s.audit(ctx, p.OrgID, p.AgentID, "webhook.create", ep.ID.String(),
		map[string]any{"url": req.URL})
	return ep, nil
}

// ListWebhooks returns the org's endpoints.
func (s *Service) ListWebhooks(ctx context.Context, p model.Principal) ([]model.WebhookEndpoint, error) {
	if err := s.requireAdmin(ctx, p); err != nil {
		return nil, err
	}
	eps, err := s.store.ListWebhookEndpoints(ctx, p.OrgID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list webhooks: %w", err)
	}
	return eps, nil
}

// DeleteWebhook deactivates an endpoint.
func (s *Service) DeleteWebhook(ctx context.Context, p model.Principal, id uuid.UUID) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	if err := s.store.DeleteWebhookEndpoint(ctx, p.OrgID, id); err != nil {
		return err
	}
	s.audit(ctx, p.OrgID, p.AgentID, "webhook.delete", id.String(), nil)
	return nil
}

// CreateAutoApproveRule lets the org skip the review queue for one category.
func (s *Service) CreateAutoApproveRule(ctx context.Context, p model.Principal, req model.CreateAutoApproveRuleRequest) (model.AutoApproveRule, error) {
	if err := s.requireAdmin(ctx, p); err != nil {
		return model.AutoApproveRule{}, err
	}
	if !model.ValidCategory(req.Category) {
		return model.AutoApproveRule{}, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, req.Category)
	}

	rule, err := s.store.CreateAutoApproveRule(ctx, model.AutoApproveRule{
		OrgID:     p.OrgID,
		Category:  model.Category(req.Category),
		CreatedBy: p.AgentID,
	})
	if err != nil {
		return model.AutoApproveRule{}, fmt.Errorf("knowledge: create auto-approve rule: %w", err)
	}
	s.audit(ctx, p.OrgID, p.AgentID, "rule.create", rule.ID.String(),
		map[string]any{"category": req.Category})
	return rule, nil
}

// ListAutoApproveRules returns the org's rules.
func (s *Service) ListAutoApproveRules(ctx context.Context, p model.Principal) ([]model.AutoApproveRule, error) {
	if err := s.requireAdmin(ctx, p); err != nil {
		return nil, err
	}
	rules, err := s.store.ListAutoApproveRules(ctx, p.OrgID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list auto-approve rules: %w", err)
	}
	return rules, nil
}

// DeleteAutoApproveRule removes one rule.
func (s *Service) DeleteAutoApproveRule(ctx context.Context, p model.Principal, id uuid.UUID) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	if err := s.store.DeleteAutoApproveRule(ctx, p.OrgID, id); err != nil {
		return err
	}
	s.audit(ctx, p.OrgID, p.AgentID, "rule.delete", id.String(), nil)
	return nil
}

// AddPolicy grants (subject, object, action) within the caller's org.
func (s *Service) AddPolicy(ctx context.Context, p model.Principal, req model.PolicyRequest) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	if req.Subject == "" || req.Object == "" || req.Action == "" {
		return fmt.Errorf("%w: subject, object, and action are required", ErrInvalidInput)
	}
	rule := model.PolicyRule{Subject: req.Subject, Domain: p.OrgID, Object: req.Object, Action: req.Action}
	if err := s.authz.AddPolicy(ctx, rule); err != nil {
		return fmt.Errorf("knowledge: add policy: %w", err)
	}
	s.audit(ctx, p.OrgID, p.AgentID, "policy.add", req.Subject,
		map[string]any{"object": req.Object, "action": req.Action})
	return nil
}

// RemovePolicy revokes a policy tuple within the caller's org.
func (s *Service) RemovePolicy(ctx context.Context, p model.Principal, req model.PolicyRequest) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	rule := model.PolicyRule{Subject: req.Subject, Domain: p.OrgID, Object: req.Object, Action: req.Action}
	if err := s.authz.RemovePolicy(ctx, rule); err != nil {
		return fmt.Errorf("knowledge: remove policy: %w", err)
	}
	s.audit(ctx, p.OrgID, p.AgentID, "policy.remove", req.Subject,
		map[string]any{"object": req.Object, "action": req.Action})
	return nil
}

// AssignRole binds a subject to a role within the caller's org.
func (s *Service) AssignRole(ctx context.Context, p model.Principal, req model.RoleRequest) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	if req.Subject == "" || req.Role == "" {
		return fmt.Errorf("%w: subject and role are required", ErrInvalidInput)
	}
	if err := s.authz.AssignRole(ctx, model.RoleAssignment{Subject: req.Subject, Role: req.Role, Domain: p.OrgID}); err != nil {
		return fmt.Errorf("knowledge: assign role: %w", err)
	}
	s.audit(ctx, p.OrgID, p.AgentID, "role.assign", req.Subject,
		map[string]any{"role": req.Role})
	return nil
}

// UnassignRole removes a role binding within the caller's org.
func (s *Service) UnassignRole(ctx context.Context, p model.Principal, req model.RoleRequest) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	if err := s.authz.UnassignRole(ctx, model.RoleAssignment{Subject: req.Subject, Role: req.Role, Domain: p.OrgID}); err != nil {
		return fmt.Errorf("knowledge: unassign role: %w", err)
	}
	s.audit(ctx, p.OrgID, p.AgentID, "role.unassign", req.Subject,
		map[string]any{"role": req.Role})
	return nil
}

// Stats summarizes the caller's org.
func (s *Service) Stats(ctx context.Context, p model.Principal) (model.OrgStats, error) {
	if err := s.requireAdmin(ctx, p); err != nil {
		return model.OrgStats{}, err
	}
	stats, err := s.store.OrgStats(ctx, p.OrgID)
	if err != nil {
		return model.OrgStats{}, fmt.Errorf("knowledge: org stats: %w", err)
	}
	return stats, nil
}
