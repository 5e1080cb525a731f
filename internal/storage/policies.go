package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// AddPolicy inserts a policy tuple. Idempotent on the full tuple.
func (db *DB) AddPolicy(ctx context.Context, p model.PolicyRule) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO policy_rules (subject, domain, object, action)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		p.Subject, p.Domain, p.Object, p.Action,
	)
	if err != nil {
		return fmt.Errorf("storage: add policy: %w", err)
	}
	return nil
}

// RemovePolicy deletes a policy tuple.
func (db *DB) RemovePolicy(ctx context.Context, p model.PolicyRule) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM policy_rules
		 WHERE subject = $1 AND domain = $2 AND object = $3 AND action = $4`,
		p.Subject, p.Domain, p.Object, p.Action,
	)
	if err != nil {
		return fmt.Errorf("storage: remove policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PoliciesForSubjects returns every tuple in the domain whose subject is one
// of the given names (the agent plus its roles).
func (db *DB) PoliciesForSubjects(ctx context.Context, domain uuid.UUID, subjects []string) ([]model.PolicyRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT subject, domain, object, action FROM policy_rules
		 WHERE domain = $1 AND subject = ANY($2)`,
		domain, subjects,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: policies for subjects: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyRule
	for rows.Next() {
		var p model.PolicyRule
		if err := rows.Scan(&p.Subject, &p.Domain, &p.Object, &p.Action); err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AssignRole binds a subject to a role within a domain. Idempotent.
func (db *DB) AssignRole(ctx context.Context, r model.RoleAssignment) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO role_assignments (subject, role, domain)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		r.Subject, r.Role, r.Domain,
	)
	if err != nil {
		return fmt.Errorf("storage: assign role: %w", err)
	}
	return nil
}

// UnassignRole removes a role binding.
func (db *DB) UnassignRole(ctx context.Context, r model.RoleAssignment) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM role_assignments WHERE subject = $1 AND role = $2 AND domain = $3`,
		r.Subject, r.Role, r.Domain,
	)
	if err != nil {
		return fmt.Errorf("storage: unassign role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RolesForSubject returns the roles a subject holds in a domain.
func (db *DB) RolesForSubject(ctx context.Context, domain uuid.UUID, subject string) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT role FROM role_assignments WHERE domain = $1 AND subject = $2`,
		domain, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: roles for subject: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("storage: scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
