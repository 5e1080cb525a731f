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

// CreateWebhookEndpoint registers a delivery target for an org.
func (db *DB) CreateWebhookEndpoint(ctx context.Context, ep model.WebhookEndpoint) (model.WebhookEndpoint, error) {
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	ep.IsActive = true
	_, err := db.pool.Exec(ctx,
		`INSERT INTO webhook_endpoints (id, org_id, url, is_active, event_types, created_at)
		 VALUES ($1, $2, $3, true, $4, $5)`,
		ep.ID, ep.OrgID, ep.URL, ep.EventTypes, ep.CreatedAt,
	)
	if err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("storage: create webhook endpoint: %w", err)
	}
	return ep, nil
}

// ListWebhookEndpoints returns an org's endpoints.
func (db *DB) ListWebhookEndpoints(ctx context.Context, orgID uuid.UUID) ([]model.WebhookEndpoint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, url, is_active, event_types, created_at
		 FROM webhook_endpoints WHERE org_id = $1 ORDER BY created_at`, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var eps []model.WebhookEndpoint
	for rows.Next() {
		var ep model.WebhookEndpoint
		if err := rows.Scan(&ep.ID, &ep.OrgID, &ep.URL, &ep.IsActive, &ep.EventTypes, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan webhook endpoint: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// DeleteWebhookEndpoint deactivates an endpoint within its org.
func (db *DB) DeleteWebhookEndpoint(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE webhook_endpoints SET is_active = false
		 WHERE id = $1 AND org_id = $2 AND is_active`, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveEndpointsForEventTx returns an org's active endpoints subscribed to
// the event, inside the caller's transaction.
func (db *DB) ActiveEndpointsForEventTx(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, event string) ([]model.WebhookEndpoint, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, org_id, url, is_active, event_types, created_at
		 FROM webhook_endpoints
		 WHERE org_id = $1 AND is_active AND event_types ? $2`,
		orgID, event,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: endpoints for event: %w", err)
	}
	defer rows.Close()

	var eps []model.WebhookEndpoint
	for rows.Next() {
		var ep model.WebhookEndpoint
		if err := rows.Scan(&ep.ID, &ep.OrgID, &ep.URL, &ep.IsActive, &ep.EventTypes, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan webhook endpoint: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// EnqueueDeliveryTx queues one delivery task inside the approval transaction,
// so the approval commit happens-before any dispatch attempt.
func (db *DB) EnqueueDeliveryTx(ctx context.Context, tx pgx.Tx, d model.WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, endpoint_id, url, event, payload, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		d.ID, d.EndpointID, d.URL, d.Event, d.Payload,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue delivery: %w", err)
	}
	return nil
}

// ClaimDueDeliveries locks and returns up to limit pending deliveries whose
// next attempt is due. SKIP LOCKED lets concurrent dispatchers shard the queue.
func (db *DB) ClaimDueDeliveries(ctx context.Context, tx pgx.Tx, limit int) ([]model.WebhookDelivery, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, endpoint_id, url, event, payload, attempts, status,
		        next_attempt_at, last_error, created_at, completed_at
		 FROM webhook_deliveries
		 WHERE status = 'pending' AND next_attempt_at <= now()
		 ORDER BY next_attempt_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim due deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookDelivery
	for rows.Next() {
		var d model.WebhookDelivery
		if err := rows.Scan(
			&d.ID, &d.EndpointID, &d.URL, &d.Event, &d.Payload, &d.Attempts,
			&d.Status, &d.NextAttempt, &d.LastError, &d.CreatedAt, &d.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDeliveryResultTx records a delivery attempt outcome.
func (db *DB) MarkDeliveryResultTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status model.DeliveryStatus, attempts int, nextAttempt *time.Time, lastError *string) error {
	var completed *time.Time
	if status != model.DeliveryPending {
		now := time.Now().UTC()
		completed = &now
	}
	next := time.Now().UTC()
	if nextAttempt != nil {
		next = *nextAttempt
	}
	tag, err := tx.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, completed_at = $6
		 WHERE id = $1`,
		id, status, attempts, next, lastError, completed,
	)
	if err != nil {
		return fmt.Errorf("storage: mark delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingDeliveryCount reports queue depth for health/metrics.
func (db *DB) PendingDeliveryCount(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM webhook_deliveries WHERE status = 'pending'`,
	).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: pending delivery count: %w", err)
	}
	return n, nil
}
