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

const contributionColumns = `id, org_id, source_agent_id, run_id, content, title,
	category, tags, content_hash, embedding, confidence, status,
	integrity_warning, contributed_at, reviewed_at, reviewed_by, review_note`

func scanContribution(row pgx.Row) (model.PendingContribution, error) {
	var c model.PendingContribution
	err := row.Scan(
		&c.ID, &c.OrgID, &c.SourceAgentID, &c.RunID, &c.Content, &c.Title,
		&c.Category, &c.Tags, &c.ContentHash, &c.Embedding, &c.Confidence, &c.Status,
		&c.IntegrityWarning, &c.ContributedAt, &c.ReviewedAt, &c.ReviewedBy, &c.ReviewNote,
	)
	return c, err
}

// InsertContribution quarantines a cleaned contribution. A concurrent
// identical pending contribution within the org collapses on the partial
// unique index; callers receive ErrDuplicate and read the winner by hash.
func (db *DB) InsertContribution(ctx context.Context, c model.PendingContribution) (model.PendingContribution, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ContributedAt.IsZero() {
		c.ContributedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = model.StatusPending
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO pending_contributions (id, org_id, source_agent_id, run_id,
		 content, title, category, tags, content_hash, embedding, confidence,
		 status, contributed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.OrgID, c.SourceAgentID, c.RunID, c.Content, c.Title, c.Category,
		c.Tags, c.ContentHash, c.Embedding, c.Confidence, c.Status, c.ContributedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_pending_hash_org") {
			return model.PendingContribution{}, ErrDuplicate
		}
		return model.PendingContribution{}, fmt.Errorf("storage: insert contribution: %w", err)
	}
	return c, nil
}

// GetContribution fetches one contribution within an org.
func (db *DB) GetContribution(ctx context.Context, orgID, id uuid.UUID) (model.PendingContribution, error) {
	c, err := scanContribution(db.pool.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM pending_contributions
		 WHERE id = $1 AND org_id = $2`, id, orgID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingContribution{}, ErrNotFound
		}
		return model.PendingContribution{}, fmt.Errorf("storage: get contribution: %w", err)
	}
	return c, nil
}

// GetPendingByHash returns the pending contribution matching (hash, org).
func (db *DB) GetPendingByHash(ctx context.Context, orgID uuid.UUID, contentHash string) (model.PendingContribution, error) {
	c, err := scanContribution(db.pool.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM pending_contributions
		 WHERE content_hash = $1 AND org_id = $2 AND status = 'pending'`,
		contentHash, orgID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingContribution{}, ErrNotFound
		}
		return model.PendingContribution{}, fmt.Errorf("storage: get pending by hash: %w", err)
	}
	return c, nil
}

// ListPendingContributions returns an org's open queue, oldest first.
func (db *DB) ListPendingContributions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.PendingContribution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contributionColumns+` FROM pending_contributions
		 WHERE org_id = $1 AND status = 'pending'
		 ORDER BY contributed_at ASC
		 LIMIT $2 OFFSET $3`, orgID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending: %w", err)
	}
	defer rows.Close()

	var out []model.PendingContribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan contribution: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountPending counts open contributions across all orgs (distillation gate).
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM pending_contributions WHERE status = 'pending'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending: %w", err)
	}
	return n, nil
}

// MarkContributionReviewedTx finalizes a contribution inside the review
// transaction. Only pending rows transition.
func (db *DB) MarkContributionReviewedTx(ctx context.Context, tx pgx.Tx, orgID, id uuid.UUID, status model.ContributionStatus, reviewer string, note *string) (model.PendingContribution, error) {
	c, err := scanContribution(tx.QueryRow(ctx,
		`UPDATE pending_contributions
		 SET status = $3, reviewed_at = now(), reviewed_by = $4, review_note = $5
		 WHERE id = $1 AND org_id = $2 AND status = 'pending'
		 RETURNING `+contributionColumns,
		id, orgID, status, reviewer, note,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingContribution{}, ErrNotFound
		}
		return model.PendingContribution{}, fmt.Errorf("storage: mark contribution reviewed: %w", err)
	}
	return c, nil
}

// UpdateContributionTags replaces a contribution's tag bag (pre-screen flags).
func (db *DB) UpdateContributionTags(ctx context.Context, id uuid.UUID, tags model.Tags) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pending_contributions SET tags = $2 WHERE id = $1`, id, tags,
	)
	if err != nil {
		return fmt.Errorf("storage: update contribution tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UnscreenedPending returns pending contributions that have not been
// pre-screened yet (no flag and no screen marker in tags).
func (db *DB) UnscreenedPending(ctx context.Context, limit int) ([]model.PendingContribution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contributionColumns+` FROM pending_contributions
		 WHERE status = 'pending'
		   AND (tags->'extra'->>'pre_screened') IS NULL
		 ORDER BY contributed_at ASC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: unscreened pending: %w", err)
	}
	defer rows.Close()

	var out []model.PendingContribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan contribution: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
