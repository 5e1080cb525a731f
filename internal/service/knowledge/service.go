// Package knowledge is the core service behind every transport. It owns the
// terminal write of the ingestion pipeline, hybrid retrieval, outcome
// recording, the review queue, and the org admin surface.
//
// The service never sees raw contributor text: the pipeline redacts before
// Approve runs, and only cleaned content reaches storage.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hivemind-dev/hivemind/internal/conflict"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/pipeline"
	"github.com/hivemind-dev/hivemind/internal/ratelimit"
	"github.com/hivemind-dev/hivemind/internal/service/embedding"
	"github.com/hivemind-dev/hivemind/internal/storage"
	"github.com/hivemind-dev/hivemind/internal/telemetry"
)

// Sentinel errors the transports map to status codes.
var (
	ErrForbidden    = errors.New("knowledge: forbidden")
	ErrRateLimited  = errors.New("knowledge: rate limited")
	ErrInvalidInput = errors.New("knowledge: invalid input")
)

// minContentLen is the shortest contribution worth storing.
const minContentLen = 10

// Store is the slice of the storage layer the service writes through.
type Store interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error

	GetItem(ctx context.Context, callerOrg, id uuid.UUID) (model.KnowledgeItem, error)
	GetItemByHash(ctx context.Context, orgID uuid.UUID, contentHash string) (model.KnowledgeItem, error)
	InsertItemTx(ctx context.Context, tx pgx.Tx, item model.KnowledgeItem) (model.KnowledgeItem, error)
	ExpireItemTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	SetInvalidAtTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	ListItemsByAgent(ctx context.Context, orgID uuid.UUID, agentID string, category *model.Category, limit, offset int) ([]model.KnowledgeItem, error)
	SoftDeleteItem(ctx context.Context, orgID, id uuid.UUID) error
	SetItemPublic(ctx context.Context, orgID, id uuid.UUID, public bool) (model.KnowledgeItem, error)
	HybridSearch(ctx context.Context, p storage.SearchParams) ([]model.SearchResult, error)

	InsertContribution(ctx context.Context, c model.PendingContribution) (model.PendingContribution, error)
	GetContribution(ctx context.Context, orgID, id uuid.UUID) (model.PendingContribution, error)
	GetPendingByHash(ctx context.Context, orgID uuid.UUID, contentHash string) (model.PendingContribution, error)
	ListPendingContributions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.PendingContribution, error)
	MarkContributionReviewedTx(ctx context.Context, tx pgx.Tx, orgID, id uuid.UUID, status model.ContributionStatus, reviewer string, note *string) (model.PendingContribution, error)

	InsertSignalTx(ctx context.Context, tx pgx.Tx, sig model.QualitySignal) (bool, error)
	ApplyOutcomeCounterTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, solved bool) error

	HasAutoApproveRule(ctx context.Context, orgID uuid.UUID, category model.Category) (bool, error)
	CreateAutoApproveRule(ctx context.Context, rule model.AutoApproveRule) (model.AutoApproveRule, error)
	ListAutoApproveRules(ctx context.Context, orgID uuid.UUID) ([]model.AutoApproveRule, error)
	DeleteAutoApproveRule(ctx context.Context, orgID, id uuid.UUID) error

	ActiveEndpointsForEventTx(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, event string) ([]model.WebhookEndpoint, error)
	EnqueueDeliveryTx(ctx context.Context, tx pgx.Tx, d model.WebhookDelivery) error
	CreateWebhookEndpoint(ctx context.Context, ep model.WebhookEndpoint) (model.WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, orgID uuid.UUID) ([]model.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, orgID, id uuid.UUID) error

	CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error)
	ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, orgID, keyID uuid.UUID) error

	OrgStats(ctx context.Context, orgID uuid.UUID) (model.OrgStats, error)
	InsertAudit(ctx context.Context, orgID *uuid.UUID, actor, action, target string, detail map[string]any) error
}

// Authorizer answers policy questions. Satisfied by authz.Engine.
type Authorizer interface {
	Enforce(ctx context.Context, subject string, domain uuid.UUID, object, action string) (bool, error)
	IsAdmin(ctx context.Context, subject string, domain uuid.UUID) (bool, error)
	AddPolicy(ctx context.Context, p model.PolicyRule) error
	RemovePolicy(ctx context.Context, p model.PolicyRule) error
	AssignRole(ctx context.Context, r model.RoleAssignment) error
	UnassignRole(ctx context.Context, r model.RoleAssignment) error
	GrantAgentDefaults(ctx context.Context, domain uuid.UUID, subject string) error
}

// Indexer keeps the lexical dedup index in step with item writes.
type Indexer interface {
	IndexItem(id uuid.UUID, content string)
	UnindexItem(id uuid.UUID)
}

// RetrievalRecorder accepts fire-and-forget retrieval signals.
type RetrievalRecorder interface {
	RecordRetrieval(agentID string, itemIDs []uuid.UUID)
}

// Config tunes the service's validation and retrieval parameters.
type Config struct {
	DefaultConfidence float64

	DefaultSearchLimit  int
	MaxSearchLimit      int
	VectorCandidateTopK int
	RRFK                int
	QualityBoostBase    float64
	QualityBoostWeight  float64
}

// Service implements the knowledge operations shared by HTTP and MCP.
type Service struct {
	store    Store
	authz    Authorizer
	limiter  *ratelimit.Limiter
	embedder embedding.Provider
	index    Indexer
	recorder RetrievalRecorder
	cfg      Config
	logger   *slog.Logger

	// pipe is set after construction; the pipeline's terminal stage calls
	// back into Approve, so the runner cannot exist before the service.
	pipe *pipeline.Runner

	ingestDuration metric.Float64Histogram
	searchDuration metric.Float64Histogram

	now func() time.Time
}

// New creates the service. Call UsePipeline before AddKnowledge.
func New(store Store, authorizer Authorizer, limiter *ratelimit.Limiter, embedder embedding.Provider, index Indexer, recorder RetrievalRecorder, cfg Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("hivemind/knowledge")
	ingestDur, _ := meter.Float64Histogram("hivemind.ingest.duration",
		metric.WithDescription("Time to run the ingestion pipeline (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("hivemind.search.duration",
		metric.WithDescription("Time to execute hybrid search (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:          store,
		authz:          authorizer,
		limiter:        limiter,
		embedder:       embedder,
		index:          index,
		recorder:       recorder,
		cfg:            cfg,
		logger:         logger,
		ingestDuration: ingestDur,
		searchDuration: searchDur,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// UsePipeline installs the ingestion runner.
func (s *Service) UsePipeline(r *pipeline.Runner) {
	s.pipe = r
}

// AddKnowledge validates a contribution and drives it through the pipeline.
// Rejection surfaces as a *pipeline.Reject error alongside the rejected
// result; duplicates are a successful status, not an error.
func (s *Service) AddKnowledge(ctx context.Context, p model.Principal, req model.AddKnowledgeRequest) (model.IngestResult, error) {
	if !model.ValidCategory(req.Category) {
		return model.IngestResult{}, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, req.Category)
	}
	category := model.Category(req.Category)

	allowed, err := s.authz.Enforce(ctx, p.AgentID, p.OrgID, model.ObjectCategory(category), model.ActionContribute)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("knowledge: enforce contribute: %w", err)
	}
	if !allowed {
		return model.IngestResult{}, ErrForbidden
	}

	if len(strings.TrimSpace(req.Content)) < minContentLen {
		return model.IngestResult{}, fmt.Errorf("%w: content must be at least %d characters", ErrInvalidInput, minContentLen)
	}
	confidence := s.cfg.DefaultConfidence
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return model.IngestResult{}, fmt.Errorf("%w: confidence must be in [0,1]", ErrInvalidInput)
	}

	state := &pipeline.State{
		Principal:  p,
		Category:   category,
		Confidence: confidence,
		Labels:     req.Tags,
		RunID:      req.RunID,
		RawContent: req.Content,
	}
	if req.Title != nil {
		state.Title = *req.Title
	}

	start := s.now()
	result, err := s.pipe.Run(ctx, state)
	s.recordDuration(ctx, s.ingestDuration, start, string(result.Status))
	return result, err
}

// Approve is the pipeline's terminal stage: it turns a fully screened
// contribution into either an auto-approved item or a queued contribution,
// applying the conflict resolution outcome in the same transaction.
func (s *Service) Approve(ctx context.Context, st *pipeline.State) (model.IngestResult, error) {
	now := s.now()
	orgID := st.Principal.OrgID

	// Exact-hash short-circuit: byte-identical content is a NOOP regardless
	// of what the later stages concluded.
	existing, err := s.store.GetItemByHash(ctx, orgID, st.ContentHash)
	if err == nil {
		id := existing.ID
		return model.IngestResult{
			Status:      model.IngestDuplicate,
			DuplicateOf: &id,
			Reason:      "identical content already in the commons",
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.IngestResult{}, fmt.Errorf("knowledge: hash precheck: %w", err)
	}

	if st.Resolution != nil && st.Resolution.Outcome == conflict.OutcomeNoop {
		id := st.Resolution.ExistingID
		return model.IngestResult{
			Status:      model.IngestDuplicate,
			DuplicateOf: &id,
			Reason:      st.Resolution.Reason,
		}, nil
	}

	conflictFlagged := st.Resolution != nil && st.Resolution.Outcome == conflict.OutcomeFlagged
	flagged := st.Flagged || conflictFlagged

	tags := model.Tags{
		Labels:          st.Labels,
		ConflictFlagged: conflictFlagged,
	}

	autoApprove := false
	if !flagged {
		autoApprove, err = s.store.HasAutoApproveRule(ctx, orgID, st.Category)
		if err != nil {
			return model.IngestResult{}, fmt.Errorf("knowledge: auto-approve lookup: %w", err)
		}
	}

	if !autoApprove {
		return s.queueContribution(ctx, st, tags, flagged, now)
	}
	return s.insertApproved(ctx, st, tags, now)
}

// queueContribution parks the contribution for human review. The conflict
// verdict rides along in the tag bag so the reviewer sees it.
func (s *Service) queueContribution(ctx context.Context, st *pipeline.State, tags model.Tags, flagged bool, now time.Time) (model.IngestResult, error) {
	tags.FlaggedForReview = flagged
	if st.Resolution != nil {
		if tags.Extra == nil {
			tags.Extra = map[string]any{}
		}
		tags.Extra["conflict_outcome"] = string(st.Resolution.Outcome)
		tags.Extra["conflict_with"] = st.Resolution.ExistingID.String()
	}

	vec := st.Embedding
	c := model.PendingContribution{
		OrgID:         st.Principal.OrgID,
		SourceAgentID: st.Principal.AgentID,
		RunID:         st.RunID,
		Content:       st.Content,
		Title:         optional(st.Title),
		Category:      st.Category,
		Tags:          tags,
		ContentHash:   st.ContentHash,
		Embedding:     &vec,
		Confidence:    st.Confidence,
		Status:        model.StatusPending,
		ContributedAt: now,
	}

	inserted, err := s.store.InsertContribution(ctx, c)
	if errors.Is(err, storage.ErrDuplicate) {
		pending, perr := s.store.GetPendingByHash(ctx, st.Principal.OrgID, st.ContentHash)
		if perr != nil {
			return model.IngestResult{}, fmt.Errorf("knowledge: pending collapse lookup: %w", perr)
		}
		id := pending.ID
		return model.IngestResult{
			Status:      model.IngestDuplicate,
			DuplicateOf: &id,
			Reason:      "identical contribution already awaiting review",
		}, nil
	}
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("knowledge: queue contribution: %w", err)
	}

	s.logger.Info("contribution queued",
		"org_id", st.Principal.OrgID, "contribution_id", inserted.ID, "flagged", flagged)
	id := inserted.ID
	return model.IngestResult{Status: model.IngestPending, ItemID: &id, Flagged: flagged}, nil
}

// insertApproved writes an auto-approved item, applying the conflict outcome
// to the prior item and enqueueing webhook deliveries in one transaction.
// Auto-approved items stay private; publishing is a separate action.
func (s *Service) insertApproved(ctx context.Context, st *pipeline.State, tags model.Tags, now time.Time) (model.IngestResult, error) {
	vec := st.Embedding
	item := model.KnowledgeItem{
		OrgID:         st.Principal.OrgID,
		Content:       st.Content,
		Title:         optional(st.Title),
		Category:      st.Category,
		Tags:          tags,
		ContentHash:   st.ContentHash,
		Embedding:     &vec,
		SourceAgentID: st.Principal.AgentID,
		ContributedAt: now,
		Confidence:    st.Confidence,
		IsPublic:      false,
	}

	var inserted model.KnowledgeItem
	var unindex []uuid.UUID
	err := s.store.InTx(ctx, func(tx pgx.Tx) error {
		if st.Resolution != nil {
			expired, err := s.applyResolutionTx(ctx, tx, st.Resolution, &item, now)
			if err != nil {
				return err
			}
			unindex = expired
		}
		var err error
		inserted, err = s.store.InsertItemTx(ctx, tx, item)
		if err != nil {
			return err
		}
		return s.enqueueApprovalWebhooksTx(ctx, tx, inserted, now)
	})
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a concurrent race on (hash, org); the winner is the item.
		winner, werr := s.store.GetItemByHash(ctx, st.Principal.OrgID, st.ContentHash)
		if werr != nil {
			return model.IngestResult{}, fmt.Errorf("knowledge: duplicate collapse lookup: %w", werr)
		}
		id := winner.ID
		return model.IngestResult{
			Status:      model.IngestDuplicate,
			DuplicateOf: &id,
			Reason:      "identical content already in the commons",
		}, nil
	}
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("knowledge: insert approved item: %w", err)
	}

	s.index.IndexItem(inserted.ID, inserted.Content)
	for _, id := range unindex {
		s.index.UnindexItem(id)
	}

	s.logger.Info("contribution auto-approved",
		"org_id", st.Principal.OrgID, "item_id", inserted.ID, "category", st.Category)
	id := inserted.ID
	return model.IngestResult{Status: model.IngestAutoApproved, ItemID: &id}, nil
}

// applyResolutionTx applies the conflict outcome to the prior item and
// adjusts the new one. Returns ids whose index entries must drop after
// commit. A vanished prior reads as ADD.
func (s *Service) applyResolutionTx(ctx context.Context, tx pgx.Tx, res *conflict.Resolution, item *model.KnowledgeItem, now time.Time) ([]uuid.UUID, error) {
	switch res.Outcome {
	case conflict.OutcomeUpdate:
		if err := s.store.ExpireItemTx(ctx, tx, res.ExistingID, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("conflict prior vanished before update", "prior_id", res.ExistingID)
				return nil, nil
			}
			return nil, fmt.Errorf("knowledge: expire superseded item: %w", err)
		}
		return []uuid.UUID{res.ExistingID}, nil
	case conflict.OutcomeVersionFork:
		if err := s.store.SetInvalidAtTx(ctx, tx, res.ExistingID, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("conflict prior vanished before fork", "prior_id", res.ExistingID)
			} else {
				return nil, fmt.Errorf("knowledge: end prior world-time: %w", err)
			}
		}
		item.ValidAt = &now
	}
	return nil, nil
}

// enqueueApprovalWebhooksTx queues knowledge.approved deliveries inside the
// approval transaction, so the commit happens-before any dispatch attempt.
func (s *Service) enqueueApprovalWebhooksTx(ctx context.Context, tx pgx.Tx, item model.KnowledgeItem, now time.Time) error {
	endpoints, err := s.store.ActiveEndpointsForEventTx(ctx, tx, item.OrgID, model.EventKnowledgeApproved)
	if err != nil {
		return fmt.Errorf("knowledge: load webhook endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	payload, err := json.Marshal(model.WebhookEnvelope{
		Event:           model.EventKnowledgeApproved,
		KnowledgeItemID: item.ID,
		OrgID:           item.OrgID,
		Category:        item.Category,
		Timestamp:       now.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("knowledge: marshal webhook envelope: %w", err)
	}

	for _, ep := range endpoints {
		if err := s.store.EnqueueDeliveryTx(ctx, tx, model.WebhookDelivery{
			EndpointID: ep.ID,
			URL:        ep.URL,
			Event:      model.EventKnowledgeApproved,
			Payload:    payload,
		}); err != nil {
			return fmt.Errorf("knowledge: enqueue delivery: %w", err)
		}
	}
	return nil
}

// audit writes an admin-action audit row. Failures are logged, never
// propagated: the action they describe has already happened.
func (s *Service) audit(ctx context.Context, orgID uuid.UUID, actor, action, target string, detail map[string]any) {
	if err := s.store.InsertAudit(ctx, &orgID, actor, action, target, detail); err != nil {
		s.logger.Error("audit write failed", "action", action, "error", err)
	}
}

func (s *Service) recordDuration(ctx context.Context, h metric.Float64Histogram, start time.Time, status string) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("status", status)))
}

// optional converts an empty string to a nil pointer.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
