package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hivemind-dev/hivemind/internal/integrity"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/ratelimit"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

// SearchKnowledge runs hybrid retrieval for the caller: RRF-fused vector and
// lexical candidates with the quality boost, then cross-tenant hash dedup on
// the ranked order. Retrieval signals are recorded off the request path.
func (s *Service) SearchKnowledge(ctx context.Context, p model.Principal, req model.SearchKnowledgeRequest) (model.SearchKnowledgeResponse, error) {
	allowed, err := s.authz.Enforce(ctx, p.AgentID, p.OrgID, model.ObjectNamespace(p.OrgID), model.ActionRead)
	if err != nil {
		return model.SearchKnowledgeResponse{}, fmt.Errorf("knowledge: enforce read: %w", err)
	}
	if !allowed {
		return model.SearchKnowledgeResponse{}, ErrForbidden
	}

	ok, err := s.limiter.Allow(ctx, ratelimit.OpSearch, p)
	if err != nil {
		return model.SearchKnowledgeResponse{}, fmt.Errorf("knowledge: search rate limit: %w", err)
	}
	if !ok {
		return model.SearchKnowledgeResponse{}, ErrRateLimited
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return model.SearchKnowledgeResponse{}, fmt.Errorf("%w: query must not be empty", ErrInvalidInput)
	}

	limit := req.Filters.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultSearchLimit
	}
	if limit > s.cfg.MaxSearchLimit {
		limit = s.cfg.MaxSearchLimit
	}

	start := s.now()
	probe, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return model.SearchKnowledgeResponse{}, fmt.Errorf("knowledge: embed query: %w", err)
	}

	// Fetch headroom beyond the requested limit: cross-tenant hash dedup and
	// the version filter both shrink the ranked set.
	fused, err := s.store.HybridSearch(ctx, storage.SearchParams{
		CallerOrg:     p.OrgID,
		Query:         query,
		Probe:         probe,
		Category:      req.Filters.Category,
		AtTime:        req.Filters.AtTime,
		CandidateTopK: s.cfg.VectorCandidateTopK,
		RRFK:          s.cfg.RRFK,
		BoostBase:     s.cfg.QualityBoostBase,
		BoostWeight:   s.cfg.QualityBoostWeight,
		Limit:         limit * 2,
	})
	if err != nil {
		return model.SearchKnowledgeResponse{}, fmt.Errorf("knowledge: hybrid search: %w", err)
	}
	s.recordDuration(ctx, s.searchDuration, start, "ok")

	results := dedupByHash(fused)
	if req.Filters.AtTime != nil && req.Filters.Version != nil {
		results = filterByVersion(results, *req.Filters.Version)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.Item.ID
	}
	s.recorder.RecordRetrieval(p.AgentID, ids)

	return model.SearchKnowledgeResponse{Results: results, Total: len(results)}, nil
}

// FetchByID returns one visible item with its integrity verdict. A hash
// mismatch is reported, never blocked.
func (s *Service) FetchByID(ctx context.Context, p model.Principal, id uuid.UUID) (model.FetchResponse, error) {
	allowed, err := s.authz.Enforce(ctx, p.AgentID, p.OrgID, model.ObjectItem(id), model.ActionRead)
	if err != nil {
		return model.FetchResponse{}, fmt.Errorf("knowledge: enforce read: %w", err)
	}
	if !allowed {
		return model.FetchResponse{}, ErrForbidden
	}

	item, err := s.store.GetItem(ctx, p.OrgID, id)
	if err != nil {
		return model.FetchResponse{}, err
	}

	ok, warning := integrity.Verify(item.Content, item.ContentHash)
	if !ok {
		s.logger.Warn("content integrity check failed", "item_id", item.ID, "warning", warning)
	}

	s.recorder.RecordRetrieval(p.AgentID, []uuid.UUID{item.ID})

	return model.FetchResponse{Item: item, IntegrityVerified: ok, IntegrityWarning: warning}, nil
}

// ReportOutcome records whether retrieved knowledge helped. With a run id the
// write is idempotent per (item, agent, run, type); the denormalized counter
// moves only when a new signal row lands.
func (s *Service) ReportOutcome(ctx context.Context, p model.Principal, itemID uuid.UUID, req model.ReportOutcomeRequest) (model.ReportOutcomeResponse, error) {
	var signalType model.SignalType
	var solved bool
	switch req.Outcome {
	case model.OutcomeSolved:
		signalType, solved = model.SignalSolved, true
	case model.OutcomeDidNotHelp:
		signalType, solved = model.SignalNotHelpful, false
	default:
		return model.ReportOutcomeResponse{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, req.Outcome)
	}

	item, err := s.store.GetItem(ctx, p.OrgID, itemID)
	if err != nil {
		return model.ReportOutcomeResponse{}, err
	}

	recorded := false
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		recorded, err = s.store.InsertSignalTx(ctx, tx, model.QualitySignal{
			KnowledgeItemID: item.ID,
			SignalType:      signalType,
			AgentID:         p.AgentID,
			RunID:           req.RunID,
		})
		if err != nil {
			return err
		}
		if !recorded {
			return nil
		}
		return s.store.ApplyOutcomeCounterTx(ctx, tx, item.ID, solved)
	})
	if err != nil {
		return model.ReportOutcomeResponse{}, fmt.Errorf("knowledge: report outcome: %w", err)
	}

	status := "already_recorded"
	if recorded {
		status = "recorded"
	}
	return model.ReportOutcomeResponse{Status: status}, nil
}

// ListMine returns the caller's own contributions, newest first.
func (s *Service) ListMine(ctx context.Context, p model.Principal, category *model.Category, limit, offset int) ([]model.KnowledgeItem, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultSearchLimit
	}
	if limit > s.cfg.MaxSearchLimit {
		limit = s.cfg.MaxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.store.ListItemsByAgent(ctx, p.OrgID, p.AgentID, category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list own items: %w", err)
	}
	return items, nil
}

// DeleteMine soft-deletes one of the caller's org's items and drops it from
// the lexical index.
func (s *Service) DeleteMine(ctx context.Context, p model.Principal, id uuid.UUID) error {
	allowed, err := s.authz.Enforce(ctx, p.AgentID, p.OrgID, model.ObjectItem(id), model.ActionDelete)
	if err != nil {
		return fmt.Errorf("knowledge: enforce delete: %w", err)
	}
	if !allowed {
		return ErrForbidden
	}

	if err := s.store.SoftDeleteItem(ctx, p.OrgID, id); err != nil {
		return err
	}
	s.index.UnindexItem(id)
	s.logger.Info("item soft-deleted", "org_id", p.OrgID, "item_id", id)
	return nil
}

// Publish toggles commons visibility on one of the caller's org's items.
// Cross-org ids surface as not found.
func (s *Service) Publish(ctx context.Context, p model.Principal, id uuid.UUID, public bool) (model.KnowledgeItem, error) {
	allowed, err := s.authz.Enforce(ctx, p.AgentID, p.OrgID, model.ObjectItem(id), model.ActionPublish)
	if err != nil {
		return model.KnowledgeItem{}, fmt.Errorf("knowledge: enforce publish: %w", err)
	}
	if !allowed {
		return model.KnowledgeItem{}, ErrForbidden
	}

	item, err := s.store.SetItemPublic(ctx, p.OrgID, id, public)
	if err != nil {
		return model.KnowledgeItem{}, err
	}
	s.logger.Info("item visibility changed", "org_id", p.OrgID, "item_id", id, "public", public)
	return item, nil
}

// dedupByHash keeps the first occurrence of each content hash in ranked
// order. Private rows sort ahead of public copies at equal score, so the
// caller's own version survives.
func dedupByHash(results []model.SearchResult) []model.SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		if _, dup := seen[r.Item.ContentHash]; dup {
			continue
		}
		seen[r.Item.ContentHash] = struct{}{}
		out = append(out, r)
	}
	return out
}

// filterByVersion keeps items carrying the version label. Versions ride in
// the contributor-supplied label set.
func filterByVersion(results []model.SearchResult, version string) []model.SearchResult {
	out := results[:0]
	for _, r := range results {
		for _, l := range r.Item.Tags.Labels {
			if l == version {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
