package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// CreateOrganization inserts a new organization.
func (db *DB) CreateOrganization(ctx context.Context, org model.Organization) (model.Organization, error) {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt,
	)
	if err != nil {
		return model.Organization{}, fmt.Errorf("storage: create organization: %w", err)
	}
	return org, nil
}

// GetOrganization retrieves an org by ID.
func (db *DB) GetOrganization(ctx context.Context, id uuid.UUID) (model.Organization, error) {
	var org model.Organization
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, ErrNotFound
		}
		return model.Organization{}, fmt.Errorf("storage: get organization: %w", err)
	}
	return org, nil
}

// CreateAgent registers an agent identity within an org.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, org_id, display_name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, id) DO NOTHING`,
		agent.ID, agent.OrgID, agent.DisplayName, agent.PasswordHash, agent.CreatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by (org, id).
func (db *DB) GetAgent(ctx context.Context, orgID uuid.UUID, agentID string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, display_name, password_hash, created_at, last_seen_at
		 FROM agents WHERE org_id = $1 AND id = $2`, orgID, agentID,
	).Scan(&a.ID, &a.OrgID, &a.DisplayName, &a.PasswordHash, &a.CreatedAt, &a.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// TouchAgent updates an agent's last_seen_at. Missing rows are ignored: API
// keys may authenticate agents that were never explicitly registered.
func (db *DB) TouchAgent(ctx context.Context, orgID uuid.UUID, agentID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_seen_at = now() WHERE org_id = $1 AND id = $2`,
		orgID, agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch agent: %w", err)
	}
	return nil
}

// OrgStats returns per-org counts for the admin surface.
func (db *DB) OrgStats(ctx context.Context, orgID uuid.UUID) (model.OrgStats, error) {
	stats := model.OrgStats{OrgID: orgID}
	err := db.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM knowledge_items
			 WHERE org_id = $1 AND deleted_at IS NULL AND expired_at IS NULL),
			(SELECT count(*) FROM knowledge_items
			 WHERE org_id = $1 AND deleted_at IS NULL AND expired_at IS NULL AND is_public),
			(SELECT count(*) FROM pending_contributions
			 WHERE org_id = $1 AND status = 'pending'),
			(SELECT count(*) FROM quality_signals s
			 JOIN knowledge_items k ON k.id = s.knowledge_item_id
			 WHERE k.org_id = $1)
	`, orgID).Scan(&stats.ItemCount, &stats.PublicCount, &stats.PendingCount, &stats.SignalCount)
	if err != nil {
		return model.OrgStats{}, fmt.Errorf("storage: org stats: %w", err)
	}
	return stats, nil
}
