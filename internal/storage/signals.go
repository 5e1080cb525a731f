package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// InsertSignalTx appends one behavioral signal. When a run id is supplied
// the partial unique index makes (item, agent, run, type) idempotent; the
// boolean result reports whether a new row was written.
func (db *DB) InsertSignalTx(ctx context.Context, tx pgx.Tx, sig model.QualitySignal) (bool, error) {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO quality_signals (id, knowledge_item_id, signal_type, agent_id,
		 run_id, signal_metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		sig.ID, sig.KnowledgeItemID, sig.SignalType, sig.AgentID, sig.RunID,
		sig.Metadata, sig.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert signal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertRetrievalSignals batch-appends retrieval signals for a result set.
func (db *DB) InsertRetrievalSignals(ctx context.Context, itemIDs []uuid.UUID, agentID string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO quality_signals (knowledge_item_id, signal_type, agent_id)
		 SELECT unnest($1::uuid[]), 'retrieval', $2`,
		itemIDs, agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: insert retrieval signals: %w", err)
	}
	return nil
}

// ItemsWithSignalsSince returns the distinct items touched by signals after
// the cutoff, the quality aggregation working set.
func (db *DB) ItemsWithSignalsSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT knowledge_item_id FROM quality_signals WHERE created_at > $1`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: items with signals: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan signal item id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SignalCountsFor gathers one item's scoring inputs: denormalized counters
// from the item row plus contradiction/outcome tallies from the signal log.
func (db *DB) SignalCountsFor(ctx context.Context, itemID uuid.UUID) (model.SignalCounts, error) {
	var c model.SignalCounts
	c.KnowledgeItemID = itemID
	var expiredAt *time.Time
	err := db.pool.QueryRow(ctx, `
		SELECT k.helpful_count, k.not_helpful_count, k.retrieval_count,
		       k.last_retrieved_at, k.contributed_at, k.expired_at,
		       (SELECT count(*) FROM quality_signals s
		        WHERE s.knowledge_item_id = k.id AND s.signal_type = 'contradiction'),
		       (SELECT count(*) FROM quality_signals s
		        WHERE s.knowledge_item_id = k.id
		          AND s.signal_type IN ('outcome_solved', 'outcome_not_helpful'))
		FROM knowledge_items k WHERE k.id = $1
	`, itemID).Scan(
		&c.HelpfulCount, &c.NotHelpfulCount, &c.RetrievalCount,
		&c.LastRetrievedAt, &c.ContributedAt, &expiredAt,
		&c.ContradictionCount, &c.OutcomeCount,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SignalCounts{}, ErrNotFound
		}
		return model.SignalCounts{}, fmt.Errorf("storage: signal counts: %w", err)
	}
	c.IsCurrent = expiredAt == nil
	return c, nil
}
