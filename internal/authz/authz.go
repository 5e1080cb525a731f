// Package authz enforces tuple-based access policies.
//
// Policies are (subject, domain, object, action) rows; role assignments
// expand a subject into additional policy subjects. domain is the org id.
// The wildcard action "*" grants everything on an object; holding "*" on
// namespace:<org> is the admin gate.
package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

// Engine answers enforce questions against the policy store, with a short
// TTL cache so hot request paths do not hit Postgres per check.
type Engine struct {
	db     *storage.DB
	cache  *policyCache
	logger *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(db *storage.DB, logger *slog.Logger) *Engine {
	return &Engine{db: db, cache: newPolicyCache(), logger: logger}
}

// Enforce reports whether subject may perform action on object within domain.
// The subject's roles are expanded before matching. A policy matches when its
// object equals the requested object or the domain namespace, and its action
// equals the requested action or "*".
func (e *Engine) Enforce(ctx context.Context, subject string, domain uuid.UUID, object, action string) (bool, error) {
	policies, err := e.policiesFor(ctx, domain, subject)
	if err != nil {
		return false, err
	}

	namespace := model.ObjectNamespace(domain)
	for _, p := range policies {
		if p.Object != object && p.Object != namespace {
			continue
		}
		if p.Action == action || p.Action == model.ActionAny {
			return true, nil
		}
	}
	return false, nil
}

// IsAdmin reports whether subject holds the wildcard grant on the org
// namespace: (subject, org, namespace:<org>, *).
func (e *Engine) IsAdmin(ctx context.Context, subject string, domain uuid.UUID) (bool, error) {
	policies, err := e.policiesFor(ctx, domain, subject)
	if err != nil {
		return false, err
	}
	namespace := model.ObjectNamespace(domain)
	for _, p := range policies {
		if p.Object == namespace && p.Action == model.ActionAny {
			return true, nil
		}
	}
	return false, nil
}

// policiesFor returns the merged policy set for a subject and its roles.
func (e *Engine) policiesFor(ctx context.Context, domain uuid.UUID, subject string) ([]model.PolicyRule, error) {
	if cached, ok := e.cache.get(domain, subject); ok {
		return cached, nil
	}

	roles, err := e.db.RolesForSubject(ctx, domain, subject)
	if err != nil {
		return nil, fmt.Errorf("authz: load roles: %w", err)
	}
	subjects := append([]string{subject}, roles...)

	policies, err := e.db.PoliciesForSubjects(ctx, domain, subjects)
	if err != nil {
		return nil, fmt.Errorf("authz: load policies: %w", err)
	}

	e.cache.put(domain, subject, policies)
	return policies, nil
}

// AddPolicy inserts a tuple and invalidates affected cache entries.
func (e *Engine) AddPolicy(ctx context.Context, p model.PolicyRule) error {
	if err := e.db.AddPolicy(ctx, p); err != nil {
		return err
	}
	e.cache.invalidateDomain(p.Domain)
	return nil
}

// RemovePolicy deletes a tuple and invalidates affected cache entries.
func (e *Engine) RemovePolicy(ctx context.Context, p model.PolicyRule) error {
	if err := e.db.RemovePolicy(ctx, p); err != nil {
		return err
	}
	e.cache.invalidateDomain(p.Domain)
	return nil
}

// AssignRole binds subject to role within domain.
func (e *Engine) AssignRole(ctx context.Context, r model.RoleAssignment) error {
	if err := e.db.AssignRole(ctx, r); err != nil {
		return err
	}
	e.cache.invalidateDomain(r.Domain)
	return nil
}

// UnassignRole removes a role binding.
func (e *Engine) UnassignRole(ctx context.Context, r model.RoleAssignment) error {
	if err := e.db.UnassignRole(ctx, r); err != nil {
		return err
	}
	e.cache.invalidateDomain(r.Domain)
	return nil
}

// GrantAdmin installs the wildcard namespace grant for a subject.
func (e *Engine) GrantAdmin(ctx context.Context, domain uuid.UUID, subject string) error {
	return e.AddPolicy(ctx, model.PolicyRule{
		Subject: subject,
		Domain:  domain,
		Object:  model.ObjectNamespace(domain),
		Action:  model.ActionAny,
	})
}

// GrantAgentDefaults installs the baseline grants a contributing agent needs:
// read, contribute, and publish on its own namespace.
func (e *Engine) GrantAgentDefaults(ctx context.Context, domain uuid.UUID, subject string) error {
	namespace := model.ObjectNamespace(domain)
	for _, action := range []string{model.ActionRead, model.ActionContribute, model.ActionPublish, model.ActionDelete} {
		if err := e.AddPolicy(ctx, model.PolicyRule{
			Subject: subject,
			Domain:  domain,
			Object:  namespace,
			Action:  action,
		}); err != nil {
			return err
		}
	}
	return nil
}
