package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hivemind-dev/hivemind/internal/config"
	"github.com/hivemind-dev/hivemind/internal/integrity"
	"github.com/hivemind-dev/hivemind/internal/llm"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/pii"
	"github.com/hivemind-dev/hivemind/internal/service/embedding"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

const distillationLastRunKey = "distillation_last_run"

// summaryAgentID marks items the distiller writes itself.
const summaryAgentID = "distillation"

const summaryPrompt = "Summarize these related knowledge items into a single concise item that captures " +
	"the key information. Preserve technical accuracy. Output only the summary text."

// Caps on one run's working set. Anything beyond is picked up next run.
const (
	maxPairsPerRun     = 1000
	maxPrescreenPerRun = 200
)

// DistillerStore is the slice of the storage layer the distiller uses.
type DistillerStore interface {
	CountPending(ctx context.Context) (int, error)
	CountFlaggedConflicts(ctx context.Context) (int, error)
	SimilarPairs(ctx context.Context, maxDistance float64, limit int) ([]storage.SimilarPair, error)
	GetItemsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.KnowledgeItem, error)
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	ExpireItemTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	InsertItemTx(ctx context.Context, tx pgx.Tx, item model.KnowledgeItem) (model.KnowledgeItem, error)
	UpdateItemTags(ctx context.Context, id uuid.UUID, tags model.Tags) error
	UnscreenedPending(ctx context.Context, limit int) ([]model.PendingContribution, error)
	UpdateContributionTags(ctx context.Context, id uuid.UUID, tags model.Tags) error
	SetConfigValue(ctx context.Context, key, value string) error
}

// Indexer mirrors the lexical dedup index maintained by the ingest path.
type Indexer interface {
	IndexItem(id uuid.UUID, content string)
	UnindexItem(id uuid.UUID)
}

// DistillerConfig tunes one distillation run.
type DistillerConfig struct {
	PendingThreshold    int     // skip unless this many contributions wait
	ConflictThreshold   int     // or this many flagged conflicts exist
	PairDistanceMax     float64 // cosine distance for the cluster edges
	ClusterMinSize      int     // components this large get a summary
	PreScreenThreshold  float64 // preliminary score below this flags for review
	SummaryQualityScore float64 // initial score for generated summaries
	Weights             config.QualityWeights
}

// DistillerStats reports what one run did.
type DistillerStats struct {
	Skipped            bool
	DuplicatesMerged   int
	Contradictions     int
	SummariesGenerated int
	PreScreened        int
	LowQualityFlagged  int
}

// Distiller is the sleep-time maintenance worker: it merges near-duplicate
// clusters, condenses larger clusters into LLM summaries, flags contradiction
// clusters, and pre-screens the review queue. It must never run on the
// request path.
type Distiller struct {
	store    DistillerStore
	index    Indexer
	client   llm.Client // nil disables summaries
	redactor *pii.Redactor
	embedder embedding.Provider
	cfg      DistillerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewDistiller creates a distiller. client may be nil; clusters that would
// have been summarized are merged instead.
func NewDistiller(store DistillerStore, index Indexer, client llm.Client, redactor *pii.Redactor, embedder embedding.Provider, cfg DistillerConfig, logger *slog.Logger) *Distiller {
	return &Distiller{
		store:    store,
		index:    index,
		client:   client,
		redactor: redactor,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce executes one distillation pass. Per-cluster failures are logged
// and skipped so one bad cluster cannot wedge the run.
func (d *Distiller) RunOnce(ctx context.Context) (DistillerStats, error) {
	var stats DistillerStats

	pending, err := d.store.CountPending(ctx)
	if err != nil {
		return stats, fmt.Errorf("quality: count pending: %w", err)
	}
	conflicts, err := d.store.CountFlaggedConflicts(ctx)
	if err != nil {
		return stats, fmt.Errorf("quality: count flagged conflicts: %w", err)
	}
	if pending < d.cfg.PendingThreshold && conflicts < d.cfg.ConflictThreshold {
		d.logger.Info("distillation skipped, below thresholds",
			"pending", pending, "pending_threshold", d.cfg.PendingThreshold,
			"conflicts", conflicts, "conflict_threshold", d.cfg.ConflictThreshold)
		stats.Skipped = true
		return stats, nil
	}
	d.logger.Info("distillation starting", "pending", pending, "conflicts", conflicts)

	now := d.now()

	pairs, err := d.store.SimilarPairs(ctx, d.cfg.PairDistanceMax, maxPairsPerRun)
	if err != nil {
		d.logger.Error("quality: similar pairs", "error", err)
	} else {
		for _, component := range components(pairs) {
			d.processCluster(ctx, component, now, &stats)
		}
	}

	d.prescreen(ctx, &stats)

	if err := d.store.SetConfigValue(ctx, distillationLastRunKey, now.Format(time.RFC3339Nano)); err != nil {
		return stats, fmt.Errorf("quality: advance watermark: %w", err)
	}

	d.logger.Info("distillation complete",
		"duplicates_merged", stats.DuplicatesMerged,
		"contradictions", stats.Contradictions,
		"summaries_generated", stats.SummariesGenerated,
		"prescreened", stats.PreScreened,
		"low_quality_flagged", stats.LowQualityFlagged)
	return stats, nil
}

// processCluster handles one connected component of near-duplicate items.
// Clusters containing a flagged conflict are promoted to contradiction
// clusters for human review and left intact. Clusters at or above the
// summary size are condensed into one generated item; smaller ones are
// merged into their best member.
func (d *Distiller) processCluster(ctx context.Context, ids []uuid.UUID, now time.Time, stats *DistillerStats) {
	items, err := d.store.GetItemsByIDs(ctx, ids)
	if err != nil {
		d.logger.Error("quality: fetch cluster", "error", err)
		return
	}
	current := items[:0]
	for _, it := range items {
		// Pairs were current when queried; re-check after the racy gap.
		if it.ExpiredAt == nil && it.DeletedAt == nil {
			current = append(current, it)
		}
	}
	if len(current) < 2 {
		return
	}

	for _, it := range current {
		if it.Tags.ConflictFlagged {
			d.flagContradiction(ctx, current, stats)
			return
		}
	}

	if len(current) >= d.cfg.ClusterMinSize && d.client != nil {
		if d.summarize(ctx, current, now, stats) {
			return
		}
		// Summary path failed; fall back to a plain merge.
	}
	d.merge(ctx, current, now, stats)
}

// flagContradiction marks every member of a cluster that contains an
// unresolved conflict. Nothing is expired; a human resolves the cluster.
func (d *Distiller) flagContradiction(ctx context.Context, items []model.KnowledgeItem, stats *DistillerStats) {
	flagged := false
	for _, it := range items {
		if it.Tags.ContradictionFlagged {
			continue
		}
		tags := it.Tags
		tags.ContradictionFlagged = true
		if err := d.store.UpdateItemTags(ctx, it.ID, tags); err != nil {
			d.logger.Error("quality: flag contradiction", "item_id", it.ID, "error", err)
			continue
		}
		flagged = true
	}
	if flagged {
		stats.Contradictions++
	}
}

// merge expires every cluster member except the canonical one and records
// the merged ids as provenance links on the survivor. Expiry is system-time
// invalidation; no row is ever deleted.
func (d *Distiller) merge(ctx context.Context, items []model.KnowledgeItem, now time.Time, stats *DistillerStats) {
	canonical, losers := splitCanonical(items)

	err := d.store.InTx(ctx, func(tx pgx.Tx) error {
		for _, it := range losers {
			if err := d.store.ExpireItemTx(ctx, tx, it.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.logger.Error("quality: merge cluster", "canonical_id", canonical.ID, "error", err)
		return
	}

	tags := canonical.Tags
	for _, it := range losers {
		tags.ProvenanceLinks = append(tags.ProvenanceLinks, it.ID)
		d.index.UnindexItem(it.ID)
	}
	if err := d.store.UpdateItemTags(ctx, canonical.ID, tags); err != nil {
		d.logger.Error("quality: record provenance", "canonical_id", canonical.ID, "error", err)
	}

	stats.DuplicatesMerged += len(losers)
	d.logger.Info("merged duplicate cluster",
		"canonical_id", canonical.ID, "merged", len(losers))
}

// summarize condenses a cluster into one LLM-generated item, re-runs the
// generated text through the PII redactor, and expires every source member
// in the same transaction that inserts the summary. Returns false when the
// caller should fall back to a plain merge.
func (d *Distiller) summarize(ctx context.Context, items []model.KnowledgeItem, now time.Time, stats *DistillerStats) bool {
	var b strings.Builder
	b.WriteString(summaryPrompt)
	b.WriteString("\n\n")
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "Item %d:\n%s", i+1, it.Content)
	}

	text, err := d.client.Complete(ctx, b.String())
	if err != nil {
		d.logger.Warn("quality: summary generation failed", "error", err)
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	// Generated text gets the same PII treatment as contributed text.
	res, err := d.redactor.Strip(ctx, text)
	if err != nil {
		d.logger.Warn("quality: summary pii strip failed", "error", err)
		return false
	}
	if res.Rejected {
		d.logger.Warn("quality: generated summary rejected for pii", "ratio", res.Ratio)
		return false
	}
	cleaned := res.Cleaned

	vec, err := d.embedder.Embed(ctx, cleaned)
	if err != nil {
		d.logger.Warn("quality: summary embedding failed", "error", err)
		return false
	}

	canonical, _ := splitCanonical(items)
	sourceIDs := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		sourceIDs = append(sourceIDs, it.ID)
	}

	summary := model.KnowledgeItem{
		OrgID:         canonical.OrgID,
		Content:       cleaned,
		Category:      canonical.Category,
		Tags:          model.Tags{SourceItemIDs: sourceIDs},
		ContentHash:   integrity.HashContent(cleaned),
		Embedding:     &vec,
		SourceAgentID: summaryAgentID,
		ContributedAt: now,
		Confidence:    0.8,
		QualityScore:  d.cfg.SummaryQualityScore,
	}

	var inserted model.KnowledgeItem
	err = d.store.InTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		inserted, txErr = d.store.InsertItemTx(ctx, tx, summary)
		if txErr != nil {
			return txErr
		}
		for _, it := range items {
			if txErr := d.store.ExpireItemTx(ctx, tx, it.ID, now); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		d.logger.Error("quality: store summary", "error", err)
		return false
	}

	for _, it := range items {
		d.index.UnindexItem(it.ID)
	}
	d.index.IndexItem(inserted.ID, cleaned)

	stats.SummariesGenerated++
	stats.DuplicatesMerged += len(items)
	d.logger.Info("generated cluster summary",
		"summary_id", inserted.ID, "sources", len(items))
	return true
}

// prescreen estimates quality for contributions that have not been screened
// and flags the low scorers for closer review. Every visited contribution is
// marked screened so the queue drains monotonically.
func (d *Distiller) prescreen(ctx context.Context, stats *DistillerStats) {
	pending, err := d.store.UnscreenedPending(ctx, maxPrescreenPerRun)
	if err != nil {
		d.logger.Error("quality: unscreened pending", "error", err)
		return
	}
	for _, c := range pending {
		score := PreliminaryScore(c.Confidence, d.cfg.Weights)

		tags := c.Tags
		if tags.Extra == nil {
			tags.Extra = make(map[string]any)
		}
		tags.Extra["pre_screened"] = true
		if score < d.cfg.PreScreenThreshold {
			tags.FlaggedForReview = true
			tags.Extra["preliminary_quality_score"] = score
		}

		if err := d.store.UpdateContributionTags(ctx, c.ID, tags); err != nil {
			d.logger.Error("quality: mark prescreened", "contribution_id", c.ID, "error", err)
			continue
		}
		stats.PreScreened++
		if score < d.cfg.PreScreenThreshold {
			stats.LowQualityFlagged++
		}
	}
}

// components groups pair edges into connected components. Edges never cross
// orgs, so components inherit the single-org property from the query.
func components(pairs []storage.SimilarPair) [][]uuid.UUID {
	adj := make(map[uuid.UUID][]uuid.UUID)
	for _, p := range pairs {
		adj[p.A] = append(adj[p.A], p.B)
		adj[p.B] = append(adj[p.B], p.A)
	}

	// Deterministic iteration keeps runs reproducible.
	nodes := make([]uuid.UUID, 0, len(adj))
	for id := range adj {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })

	visited := make(map[uuid.UUID]bool, len(adj))
	var out [][]uuid.UUID
	for _, start := range nodes {
		if visited[start] {
			continue
		}
		var comp []uuid.UUID
		queue := []uuid.UUID{start}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			if visited[node] {
				continue
			}
			visited[node] = true
			comp = append(comp, node)
			queue = append(queue, adj[node]...)
		}
		out = append(out, comp)
	}
	return out
}

// splitCanonical picks the cluster member to keep: highest quality score,
// then newest, then highest confidence.
func splitCanonical(items []model.KnowledgeItem) (model.KnowledgeItem, []model.KnowledgeItem) {
	best := 0
	for i := 1; i < len(items); i++ {
		a, b := items[i], items[best]
		switch {
		case a.QualityScore != b.QualityScore:
			if a.QualityScore > b.QualityScore {
				best = i
			}
		case !a.ContributedAt.Equal(b.ContributedAt):
			if a.ContributedAt.After(b.ContributedAt) {
				best = i
			}
		case a.Confidence > b.Confidence:
			best = i
		}
	}
	losers := make([]model.KnowledgeItem, 0, len(items)-1)
	for i, it := range items {
		if i != best {
			losers = append(losers, it)
		}
	}
	return items[best], losers
}
