package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// CreateAutoApproveRule adds a skip-queue rule for (org, category).
func (db *DB) CreateAutoApproveRule(ctx context.Context, rule model.AutoApproveRule) (model.AutoApproveRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO auto_approve_rules (id, org_id, category, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, category) DO NOTHING`,
		rule.ID, rule.OrgID, rule.Category, rule.CreatedBy, rule.CreatedAt,
	)
	if err != nil {
		return model.AutoApproveRule{}, fmt.Errorf("storage: create auto-approve rule: %w", err)
	}
	return rule, nil
}

// HasAutoApproveRule reports whether (org, category) skips the queue.
func (db *DB) HasAutoApproveRule(ctx context.Context, orgID uuid.UUID, category model.Category) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM auto_approve_rules WHERE org_id = $1 AND category = $2)`,
		orgID, category,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has auto-approve rule: %w", err)
	}
	return exists, nil
}

// ListAutoApproveRules returns an org's rules.
func (db *DB) ListAutoApproveRules(ctx context.Context, orgID uuid.UUID) ([]model.AutoApproveRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, category, created_by, created_at
		 FROM auto_approve_rules WHERE org_id = $1 ORDER BY created_at`, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list auto-approve rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AutoApproveRule
	for rows.Next() {
		var r model.AutoApproveRule
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Category, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan auto-approve rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// DeleteAutoApproveRule removes one rule within its org.
func (db *DB) DeleteAutoApproveRule(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM auto_approve_rules WHERE id = $1 AND org_id = $2`, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete auto-approve rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
