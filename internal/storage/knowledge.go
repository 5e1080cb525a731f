package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/hivemind-dev/hivemind/internal/model"
)

const itemColumns = `id, org_id, content, title, category, tags, content_hash,
	embedding, source_agent_id, contributed_at, confidence, is_public,
	quality_score, retrieval_count, helpful_count, not_helpful_count,
	valid_at, invalid_at, expired_at, deleted_at, last_retrieved_at`

func scanItem(row pgx.Row) (model.KnowledgeItem, error) {
	var item model.KnowledgeItem
	err := row.Scan(
		&item.ID, &item.OrgID, &item.Content, &item.Title, &item.Category,
		&item.Tags, &item.ContentHash, &item.Embedding, &item.SourceAgentID,
		&item.ContributedAt, &item.Confidence, &item.IsPublic,
		&item.QualityScore, &item.RetrievalCount, &item.HelpfulCount, &item.NotHelpfulCount,
		&item.ValidAt, &item.InvalidAt, &item.ExpiredAt, &item.DeletedAt, &item.LastRetrievedAt,
	)
	return item, err
}

// InsertItem inserts a knowledge item using the pool. See InsertItemTx.
func (db *DB) InsertItem(ctx context.Context, item model.KnowledgeItem) (model.KnowledgeItem, error) {
	var out model.KnowledgeItem
	err := db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = db.InsertItemTx(ctx, tx, item)
		return err
	})
	return out, err
}

// InsertItemTx inserts a knowledge item inside an existing transaction.
// A concurrent identical write within the org collapses on the partial
// unique index; the caller receives ErrDuplicate and can read the winner
// by content hash.
func (db *DB) InsertItemTx(ctx context.Context, tx pgx.Tx, item model.KnowledgeItem) (model.KnowledgeItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.ContributedAt.IsZero() {
		item.ContributedAt = time.Now().UTC()
	}
	if item.QualityScore == 0 {
		item.QualityScore = 0.5
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO knowledge_items (id, org_id, content, title, category, tags,
		 content_hash, embedding, source_agent_id, contributed_at, confidence, is_public,
		 quality_score, valid_at, invalid_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		item.ID, item.OrgID, item.Content, item.Title, item.Category, item.Tags,
		item.ContentHash, item.Embedding, item.SourceAgentID, item.ContributedAt,
		item.Confidence, item.IsPublic, item.QualityScore, item.ValidAt, item.InvalidAt,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_items_hash_org") {
			return model.KnowledgeItem{}, ErrDuplicate
		}
		return model.KnowledgeItem{}, fmt.Errorf("storage: insert item: %w", err)
	}
	return item, nil
}

// GetItem fetches one visible item: caller's org or public, not soft-deleted.
// Cross-org private rows surface as ErrNotFound, indistinguishable from
// genuinely absent ids.
func (db *DB) GetItem(ctx context.Context, callerOrg, id uuid.UUID) (model.KnowledgeItem, error) {
	item, err := scanItem(db.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM knowledge_items
		 WHERE id = $1 AND deleted_at IS NULL AND (org_id = $2 OR is_public)`,
		id, callerOrg,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeItem{}, ErrNotFound
		}
		return model.KnowledgeItem{}, fmt.Errorf("storage: get item: %w", err)
	}
	return item, nil
}

// GetItemByHash returns the current, visible row matching (content_hash, org).
func (db *DB) GetItemByHash(ctx context.Context, orgID uuid.UUID, contentHash string) (model.KnowledgeItem, error) {
	item, err := scanItem(db.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM knowledge_items
		 WHERE content_hash = $1 AND org_id = $2
		   AND expired_at IS NULL AND deleted_at IS NULL`,
		contentHash, orgID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeItem{}, ErrNotFound
		}
		return model.KnowledgeItem{}, fmt.Errorf("storage: get item by hash: %w", err)
	}
	return item, nil
}

// ListItemsByAgent returns an agent's own contributions, newest first.
func (db *DB) ListItemsByAgent(ctx context.Context, orgID uuid.UUID, agentID string, category *model.Category, limit, offset int) ([]model.KnowledgeItem, error) {
	query := `SELECT ` + itemColumns + ` FROM knowledge_items
		WHERE org_id = $1 AND source_agent_id = $2 AND deleted_at IS NULL`
	args := []any{orgID, agentID}
	if category != nil {
		args = append(args, *category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY contributed_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list items: %w", err)
	}
	defer rows.Close()

	var items []model.KnowledgeItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SoftDeleteItem marks an item deleted. Physical rows persist for audit and
// erasure propagation.
func (db *DB) SoftDeleteItem(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE knowledge_items SET deleted_at = now()
		 WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`,
		id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: soft delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetItemPublic toggles commons visibility. Content and hash are untouched.
func (db *DB) SetItemPublic(ctx context.Context, orgID, id uuid.UUID, public bool) (model.KnowledgeItem, error) {
	item, err := scanItem(db.pool.QueryRow(ctx,
		`UPDATE knowledge_items SET is_public = $3
		 WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL
		 RETURNING `+itemColumns,
		id, orgID, public,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeItem{}, ErrNotFound
		}
		return model.KnowledgeItem{}, fmt.Errorf("storage: set item public: %w", err)
	}
	return item, nil
}

// ExpireItemTx ends an item's system-time (UPDATE outcome, duplicate merge).
func (db *DB) ExpireItemTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE knowledge_items SET expired_at = $2
		 WHERE id = $1 AND expired_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("storage: expire item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInvalidAtTx ends an item's world-time (VERSION_FORK outcome).
func (db *DB) SetInvalidAtTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE knowledge_items SET invalid_at = $2
		 WHERE id = $1 AND (valid_at IS NULL OR valid_at <= $2)`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("storage: set invalid_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateItemTags replaces an item's tag bag. Used by distillation
// (provenance links, contradiction flags); never touches content or hash.
func (db *DB) UpdateItemTags(ctx context.Context, id uuid.UUID, tags model.Tags) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE knowledge_items SET tags = $2 WHERE id = $1`, id, tags,
	)
	if err != nil {
		return fmt.Errorf("storage: update item tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ItemDistance pairs an item with its cosine distance from a probe vector.
type ItemDistance struct {
	Item     model.KnowledgeItem
	Distance float64
}

// FindSimilar returns current visible items within maxDistance of the probe,
// closest first. Used by dedup stage one and conflict candidate selection.
func (db *DB) FindSimilar(ctx context.Context, callerOrg uuid.UUID, probe pgvector.Vector, maxDistance float64, topK int) ([]ItemDistance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+itemColumns+`, embedding <=> $1 AS distance
		 FROM knowledge_items
		 WHERE (org_id = $2 OR is_public)
		   AND deleted_at IS NULL AND expired_at IS NULL
		   AND embedding IS NOT NULL
		   AND embedding <=> $1 < $3
		 ORDER BY distance ASC
		 LIMIT $4`,
		probe, callerOrg, maxDistance, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar: %w", err)
	}
	defer rows.Close()

	var out []ItemDistance
	for rows.Next() {
		var item model.KnowledgeItem
		var dist float64
		if err := rows.Scan(
			&item.ID, &item.OrgID, &item.Content, &item.Title, &item.Category,
			&item.Tags, &item.ContentHash, &item.Embedding, &item.SourceAgentID,
			&item.ContributedAt, &item.Confidence, &item.IsPublic,
			&item.QualityScore, &item.RetrievalCount, &item.HelpfulCount, &item.NotHelpfulCount,
			&item.ValidAt, &item.InvalidAt, &item.ExpiredAt, &item.DeletedAt, &item.LastRetrievedAt,
			&dist,
		); err != nil {
			return nil, fmt.Errorf("storage: scan similar item: %w", err)
		}
		out = append(out, ItemDistance{Item: item, Distance: dist})
	}
	return out, rows.Err()
}

// IndexEntry is the minimal projection the LSH index needs.
type IndexEntry struct {
	ID      uuid.UUID
	Content string
}

// CurrentItemsForIndex streams every current, non-deleted item for an LSH
// rebuild. Spans all orgs; candidate visibility is enforced at query time.
func (db *DB) CurrentItemsForIndex(ctx context.Context, fn func(IndexEntry) error) error {
	rows, err := db.pool.Query(ctx,
		`SELECT id, content FROM knowledge_items
		 WHERE expired_at IS NULL AND deleted_at IS NULL`,
	)
	if err != nil {
		return fmt.Errorf("storage: items for index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e IndexEntry
		if err := rows.Scan(&e.ID, &e.Content); err != nil {
			return fmt.Errorf("storage: scan index entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// IncrementRetrievalCounts bumps retrieval counters for a returned result
// set in one statement. Runs off the request path.
func (db *DB) IncrementRetrievalCounts(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE knowledge_items
		 SET retrieval_count = retrieval_count + 1, last_retrieved_at = now()
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("storage: increment retrieval counts: %w", err)
	}
	return nil
}

// ApplyOutcomeCounterTx bumps the helpful or not-helpful denormalized counter.
func (db *DB) ApplyOutcomeCounterTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, solved bool) error {
	column := "not_helpful_count"
	if solved {
		column = "helpful_count"
	}
	_, err := tx.Exec(ctx,
		`UPDATE knowledge_items SET `+column+` = `+column+` + 1 WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: apply outcome counter: %w", err)
	}
	return nil
}

// UpdateQualityScores applies aggregated scores in one batched statement.
func (db *DB) UpdateQualityScores(ctx context.Context, scores map[uuid.UUID]float64) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(scores))
	vals := make([]float64, 0, len(scores))
	for id, s := range scores {
		ids = append(ids, id)
		vals = append(vals, s)
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE knowledge_items AS k
		 SET quality_score = u.score
		 FROM unnest($1::uuid[], $2::float8[]) AS u(id, score)
		 WHERE k.id = u.id`,
		ids, vals,
	)
	if err != nil {
		return fmt.Errorf("storage: update quality scores: %w", err)
	}
	return nil
}

// SimilarPair is an intra-org near-duplicate candidate edge.
type SimilarPair struct {
	A, B  uuid.UUID
	OrgID uuid.UUID
}

// SimilarPairs returns pairs of current items in the same org whose cosine
// distance is below maxDistance. Ordered ids (a < b) keep each edge unique.
// The distiller builds connected components over these edges.
func (db *DB) SimilarPairs(ctx context.Context, maxDistance float64, limit int) ([]SimilarPair, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, b.id, a.org_id
		 FROM knowledge_items a
		 JOIN knowledge_items b
		   ON a.org_id = b.org_id AND a.id < b.id
		 WHERE a.expired_at IS NULL AND a.deleted_at IS NULL AND a.embedding IS NOT NULL
		   AND b.expired_at IS NULL AND b.deleted_at IS NULL AND b.embedding IS NOT NULL
		   AND a.embedding <=> b.embedding < $1
		 LIMIT $2`,
		maxDistance, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: similar pairs: %w", err)
	}
	defer rows.Close()

	var pairs []SimilarPair
	for rows.Next() {
		var p SimilarPair
		if err := rows.Scan(&p.A, &p.B, &p.OrgID); err != nil {
			return nil, fmt.Errorf("storage: scan similar pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// GetItemsByIDs fetches a batch of items regardless of visibility. Worker-only.
func (db *DB) GetItemsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.KnowledgeItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM knowledge_items WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get items by ids: %w", err)
	}
	defer rows.Close()

	var items []model.KnowledgeItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountFlaggedConflicts counts current items carrying the conflict flag.
func (db *DB) CountFlaggedConflicts(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM knowledge_items
		 WHERE expired_at IS NULL AND deleted_at IS NULL
		   AND (tags->>'conflict_flagged')::boolean IS TRUE`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count flagged conflicts: %w", err)
	}
	return n, nil
}
