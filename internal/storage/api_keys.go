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

// CreateAPIKey inserts a new key row. The caller holds the raw key; only the
// prefix and lookup hash are stored.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	if key.BillingPeriodStart.IsZero() {
		key.BillingPeriodStart = now
	}
	if key.BillingPeriodResetDays == 0 {
		key.BillingPeriodResetDays = 30
	}
	if key.Tier == "" {
		key.Tier = model.TierFree
	}
	key.IsActive = true

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, key_prefix, key_hash, org_id, agent_id, tier,
		 request_count, billing_period_start, billing_period_reset_days, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, true, $9)`,
		key.ID, key.KeyPrefix, key.KeyHash, key.OrgID, key.AgentID, key.Tier,
		key.BillingPeriodStart, key.BillingPeriodResetDays, key.CreatedAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// ValidateAndMeterKey looks up an active key by its lookup hash and, in the
// same transaction: resets the billing window when elapsed, increments
// request_count, and stamps last_used_at. Timestamps are compared in UTC.
func (db *DB) ValidateAndMeterKey(ctx context.Context, keyHash string) (model.APIKey, error) {
	var key model.APIKey
	err := db.InTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id, key_prefix, key_hash, org_id, agent_id, tier,
			 request_count, billing_period_start, billing_period_reset_days,
			 is_active, created_at, last_used_at
			 FROM api_keys WHERE key_hash = $1 AND is_active FOR UPDATE`, keyHash,
		).Scan(
			&key.ID, &key.KeyPrefix, &key.KeyHash, &key.OrgID, &key.AgentID, &key.Tier,
			&key.RequestCount, &key.BillingPeriodStart, &key.BillingPeriodResetDays,
			&key.IsActive, &key.CreatedAt, &key.LastUsedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: lookup api key: %w", err)
		}

		now := time.Now().UTC()
		periodStart := key.BillingPeriodStart.UTC()
		if now.Sub(periodStart) >= time.Duration(key.BillingPeriodResetDays)*24*time.Hour {
			key.RequestCount = 0
			key.BillingPeriodStart = now
		}
		key.RequestCount++
		key.LastUsedAt = &now

		_, err = tx.Exec(ctx,
			`UPDATE api_keys
			 SET request_count = $1, billing_period_start = $2, last_used_at = $3
			 WHERE id = $4`,
			key.RequestCount, key.BillingPeriodStart, now, key.ID,
		)
		if err != nil {
			return fmt.Errorf("storage: meter api key: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns an org's keys, newest first.
func (db *DB) ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, key_prefix, org_id, agent_id, tier, request_count,
		 billing_period_start, billing_period_reset_days, is_active, created_at, last_used_at
		 FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC`, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(
			&k.ID, &k.KeyPrefix, &k.OrgID, &k.AgentID, &k.Tier, &k.RequestCount,
			&k.BillingPeriodStart, &k.BillingPeriodResetDays, &k.IsActive, &k.CreatedAt, &k.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deactivates a key within its org.
func (db *DB) RevokeAPIKey(ctx context.Context, orgID, keyID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET is_active = false WHERE id = $1 AND org_id = $2 AND is_active`,
		keyID, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
