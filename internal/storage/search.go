package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// SearchParams drives one hybrid retrieval query.
type SearchParams struct {
	CallerOrg uuid.UUID
	Query     string
	Probe     pgvector.Vector

	Category *model.Category
	AtTime   *time.Time

	// CandidateTopK bounds each candidate set before fusion.
	CandidateTopK int
	// RRFK is the reciprocal rank fusion constant.
	RRFK int
	// BoostBase and BoostWeight shape the quality multiplier.
	BoostBase   float64
	BoostWeight float64
	// Limit bounds the fused result set handed back for hash dedup.
	Limit int
}

// HybridSearch runs vector and lexical candidate selection in a single SQL
// statement, fuses them with reciprocal rank fusion, and applies the quality
// boost: final = rrf * (base + weight * quality_score).
//
// A query with zero lexical hits still returns vector results; the full
// outer join treats a missing set as contributing nothing to the sum.
// Cross-tenant content-hash dedup happens in the service layer on the
// returned order.
func (db *DB) HybridSearch(ctx context.Context, p SearchParams) ([]model.SearchResult, error) {
	// Shared visibility and filter predicate for both candidate sets.
	// Positional args: $1 probe, $2 query text, $3 caller org, then filters.
	filter := `(org_id = $3 OR is_public)
		AND deleted_at IS NULL
		AND embedding IS NOT NULL`
	args := []any{p.Probe, p.Query, p.CallerOrg}

	if p.Category != nil {
		args = append(args, *p.Category)
		filter += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if p.AtTime != nil {
		args = append(args, *p.AtTime)
		n := len(args)
		filter += fmt.Sprintf(` AND (valid_at IS NULL OR valid_at <= $%d)
			AND (invalid_at IS NULL OR invalid_at > $%d)
			AND expired_at IS NULL`, n, n)
	} else {
		filter += " AND expired_at IS NULL"
	}

	args = append(args, p.CandidateTopK)
	topKArg := len(args)
	args = append(args, p.RRFK)
	rrfKArg := len(args)
	args = append(args, p.BoostBase, p.BoostWeight)
	baseArg, weightArg := len(args)-1, len(args)
	args = append(args, p.Limit)
	limitArg := len(args)

	query := fmt.Sprintf(`
		WITH vector_hits AS (
			SELECT id, row_number() OVER (ORDER BY embedding <=> $1) AS rank
			FROM knowledge_items
			WHERE %[1]s
			ORDER BY embedding <=> $1
			LIMIT $%[2]d
		),
		lexical_hits AS (
			SELECT id, row_number() OVER (ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $2)) DESC) AS rank
			FROM knowledge_items
			WHERE %[1]s AND content_tsv @@ plainto_tsquery('english', $2)
			ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $2)) DESC
			LIMIT $%[2]d
		),
		fused AS (
			SELECT COALESCE(v.id, l.id) AS id,
			       COALESCE(1.0 / ($%[3]d + v.rank), 0) + COALESCE(1.0 / ($%[3]d + l.rank), 0) AS rrf
			FROM vector_hits v
			FULL OUTER JOIN lexical_hits l USING (id)
		)
		SELECT %[4]s, f.rrf * ($%[5]d + $%[6]d * k.quality_score) AS final_score
		FROM fused f
		JOIN knowledge_items k ON k.id = f.id
		ORDER BY final_score DESC, (k.org_id = $3) DESC, k.contributed_at DESC
		LIMIT $%[7]d`,
		filter, topKArg, rrfKArg, prefixColumns("k"), baseArg, weightArg, limitArg,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: hybrid search: %w", err)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var r model.SearchResult
		if err := rows.Scan(
			&r.Item.ID, &r.Item.OrgID, &r.Item.Content, &r.Item.Title, &r.Item.Category,
			&r.Item.Tags, &r.Item.ContentHash, &r.Item.Embedding, &r.Item.SourceAgentID,
			&r.Item.ContributedAt, &r.Item.Confidence, &r.Item.IsPublic,
			&r.Item.QualityScore, &r.Item.RetrievalCount, &r.Item.HelpfulCount, &r.Item.NotHelpfulCount,
			&r.Item.ValidAt, &r.Item.InvalidAt, &r.Item.ExpiredAt, &r.Item.DeletedAt, &r.Item.LastRetrievedAt,
			&r.FinalScore,
		); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// prefixColumns qualifies the shared item column list with a table alias.
func prefixColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
