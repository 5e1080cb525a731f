package knowledge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/internal/config"
	"github.com/hivemind-dev/hivemind/internal/conflict"
	"github.com/hivemind-dev/hivemind/internal/integrity"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/pii"
	"github.com/hivemind-dev/hivemind/internal/pipeline"
	"github.com/hivemind-dev/hivemind/internal/ratelimit"
	"github.com/hivemind-dev/hivemind/internal/service/embedding"
	"github.com/hivemind-dev/hivemind/internal/storage"
	"github.com/hivemind-dev/hivemind/internal/testutil"
)

var testNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store. InTx passes a nil pgx.Tx; the fake's Tx
// methods ignore it.
type fakeStore struct {
	mu            sync.Mutex
	items         map[uuid.UUID]model.KnowledgeItem
	contributions map[uuid.UUID]model.PendingContribution
	signalKeys    map[string]bool
	signals       []model.QualitySignal
	rules         []model.AutoApproveRule
	endpoints     map[uuid.UUID]model.WebhookEndpoint
	deliveries    []model.WebhookDelivery
	keys          map[uuid.UUID]model.APIKey
	audits        []string

	searchResults []model.SearchResult
	searchParams  *storage.SearchParams

	stats model.OrgStats
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:         make(map[uuid.UUID]model.KnowledgeItem),
		contributions: make(map[uuid.UUID]model.PendingContribution),
		signalKeys:    make(map[string]bool),
		endpoints:     make(map[uuid.UUID]model.WebhookEndpoint),
		keys:          make(map[uuid.UUID]model.APIKey),
	}
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) GetItem(_ context.Context, callerOrg, id uuid.UUID) (model.KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.DeletedAt != nil || (item.OrgID != callerOrg && !item.IsPublic) {
		return model.KnowledgeItem{}, storage.ErrNotFound
	}
	return item, nil
}

func (f *fakeStore) GetItemByHash(_ context.Context, orgID uuid.UUID, hash string) (model.KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.OrgID == orgID && item.ContentHash == hash && item.ExpiredAt == nil && item.DeletedAt == nil {
			return item, nil
		}
	}
	return model.KnowledgeItem{}, storage.ErrNotFound
}

func (f *fakeStore) InsertItemTx(_ context.Context, _ pgx.Tx, item model.KnowledgeItem) (model.KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.items {
		if existing.OrgID == item.OrgID && existing.ContentHash == item.ContentHash &&
			existing.ExpiredAt == nil && existing.DeletedAt == nil {
			return model.KnowledgeItem{}, storage.ErrDuplicate
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.ContributedAt.IsZero() {
		item.ContributedAt = testNow
	}
	if item.QualityScore == 0 {
		item.QualityScore = 0.5
	}
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeStore) ExpireItemTx(_ context.Context, _ pgx.Tx, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.ExpiredAt != nil {
		return storage.ErrNotFound
	}
	item.ExpiredAt = &at
	f.items[id] = item
	return nil
}

func (f *fakeStore) SetInvalidAtTx(_ context.Context, _ pgx.Tx, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	item.InvalidAt = &at
	f.items[id] = item
	return nil
}

func (f *fakeStore) ListItemsByAgent(_ context.Context, orgID uuid.UUID, agentID string, category *model.Category, _, _ int) ([]model.KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.KnowledgeItem
	for _, item := range f.items {
		if item.OrgID != orgID || item.SourceAgentID != agentID || item.DeletedAt != nil {
			continue
		}
		if category != nil && item.Category != *category {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeStore) SoftDeleteItem(_ context.Context, orgID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.OrgID != orgID || item.DeletedAt != nil {
		return storage.ErrNotFound
	}
	now := testNow
	item.DeletedAt = &now
	f.items[id] = item
	return nil
}

func (f *fakeStore) SetItemPublic(_ context.Context, orgID, id uuid.UUID, public bool) (model.KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.OrgID != orgID || item.DeletedAt != nil {
		return model.KnowledgeItem{}, storage.ErrNotFound
	}
	item.IsPublic = public
	f.items[id] = item
	return item, nil
}

func (f *fakeStore) HybridSearch(_ context.Context, p storage.SearchParams) ([]model.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchParams = &p
	return f.searchResults, nil
}

func (f *fakeStore) InsertContribution(_ context.Context, c model.PendingContribution) (model.PendingContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.contributions {
		if existing.OrgID == c.OrgID && existing.ContentHash == c.ContentHash && existing.Status == model.StatusPending {
			return model.PendingContribution{}, storage.ErrDuplicate
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.StatusPending
	}
	f.contributions[c.ID] = c
	return c, nil
}

func (f *fakeStore) GetContribution(_ context.Context, orgID, id uuid.UUID) (model.PendingContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contributions[id]
	if !ok || c.OrgID != orgID {
		return model.PendingContribution{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetPendingByHash(_ context.Context, orgID uuid.UUID, hash string) (model.PendingContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contributions {
		if c.OrgID == orgID && c.ContentHash == hash && c.Status == model.StatusPending {
			return c, nil
		}
	}
	return model.PendingContribution{}, storage.ErrNotFound
}

func (f *fakeStore) ListPendingContributions(_ context.Context, orgID uuid.UUID, _, _ int) ([]model.PendingContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PendingContribution
	for _, c := range f.contributions {
		if c.OrgID == orgID && c.Status == model.StatusPending {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkContributionReviewedTx(_ context.Context, _ pgx.Tx, orgID, id uuid.UUID, status model.ContributionStatus, reviewer string, note *string) (model.PendingContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contributions[id]
	if !ok || c.OrgID != orgID || c.Status != model.StatusPending {
		return model.PendingContribution{}, storage.ErrNotFound
	}
	now := testNow
	c.Status = status
	c.ReviewedAt = &now
	c.ReviewedBy = &reviewer
	c.ReviewNote = note
	f.contributions[id] = c
	return c, nil
}

func (f *fakeStore) InsertSignalTx(_ context.Context, _ pgx.Tx, sig model.QualitySignal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sig.RunID != nil {
		key := fmt.Sprintf("%s|%s|%s|%s", sig.KnowledgeItemID, sig.AgentID, *sig.RunID, sig.SignalType)
		if f.signalKeys[key] {
			return false, nil
		}
		f.signalKeys[key] = true
	}
	f.signals = append(f.signals, sig)
	return true, nil
}

func (f *fakeStore) ApplyOutcomeCounterTx(_ context.Context, _ pgx.Tx, id uuid.UUID, solved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	if solved {
		item.HelpfulCount++
	} else {
		item.NotHelpfulCount++
	}
	f.items[id] = item
	return nil
}

func (f *fakeStore) HasAutoApproveRule(_ context.Context, orgID uuid.UUID, category model.Category) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.OrgID == orgID && r.Category == category {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateAutoApproveRule(_ context.Context, rule model.AutoApproveRule) (model.AutoApproveRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	f.rules = append(f.rules, rule)
	return rule, nil
}

func (f *fakeStore) ListAutoApproveRules(_ context.Context, orgID uuid.UUID) ([]model.AutoApproveRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AutoApproveRule
	for _, r := range f.rules {
		if r.OrgID == orgID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteAutoApproveRule(_ context.Context, orgID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.ID == id && r.OrgID == orgID {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) ActiveEndpointsForEventTx(_ context.Context, _ pgx.Tx, orgID uuid.UUID, event string) ([]model.WebhookEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WebhookEndpoint
	for _, ep := range f.endpoints {
		if ep.OrgID == orgID && ep.IsActive && ep.WantsEvent(event) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeStore) EnqueueDeliveryTx(_ context.Context, _ pgx.Tx, d model.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	return nil
}

func (f *fakeStore) CreateWebhookEndpoint(_ context.Context, ep model.WebhookEndpoint) (model.WebhookEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	ep.IsActive = true
	f.endpoints[ep.ID] = ep
	return ep, nil
}

func (f *fakeStore) ListWebhookEndpoints(_ context.Context, orgID uuid.UUID) ([]model.WebhookEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WebhookEndpoint
	for _, ep := range f.endpoints {
		if ep.OrgID == orgID {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteWebhookEndpoint(_ context.Context, orgID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[id]
	if !ok || ep.OrgID != orgID || !ep.IsActive {
		return storage.ErrNotFound
	}
	ep.IsActive = false
	f.endpoints[id] = ep
	return nil
}

func (f *fakeStore) CreateAPIKey(_ context.Context, key model.APIKey) (model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.Tier == "" {
		key.Tier = model.TierFree
	}
	key.IsActive = true
	f.keys[key.ID] = key
	return key, nil
}

func (f *fakeStore) ListAPIKeys(_ context.Context, orgID uuid.UUID) ([]model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.APIKey
	for _, k := range f.keys {
		if k.OrgID == orgID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, orgID, keyID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	if !ok || k.OrgID != orgID || !k.IsActive {
		return storage.ErrNotFound
	}
	k.IsActive = false
	f.keys[keyID] = k
	return nil
}

func (f *fakeStore) OrgStats(_ context.Context, orgID uuid.UUID) (model.OrgStats, error) {
	stats := f.stats
	stats.OrgID = orgID
	return stats, nil
}

func (f *fakeStore) InsertAudit(_ context.Context, _ *uuid.UUID, _, action, target string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, action+":"+target)
	return nil
}

// fakeAuthz allows everything unless an action is denied; admin is a switch.
type fakeAuthz struct {
	mu       sync.Mutex
	admin    bool
	deny     map[string]bool
	policies []model.PolicyRule
	roles    []model.RoleAssignment
	granted  []string
}

func (a *fakeAuthz) Enforce(_ context.Context, _ string, _ uuid.UUID, _, action string) (bool, error) {
	return !a.deny[action], nil
}

func (a *fakeAuthz) IsAdmin(_ context.Context, _ string, _ uuid.UUID) (bool, error) {
	return a.admin, nil
}

func (a *fakeAuthz) AddPolicy(_ context.Context, p model.PolicyRule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies = append(a.policies, p)
	return nil
}

func (a *fakeAuthz) RemovePolicy(_ context.Context, p model.PolicyRule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.policies {
		if existing == p {
			a.policies = append(a.policies[:i], a.policies[i+1:]...)
			return nil
		}
	}
	return nil
}

func (a *fakeAuthz) AssignRole(_ context.Context, r model.RoleAssignment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roles = append(a.roles, r)
	return nil
}

func (a *fakeAuthz) UnassignRole(_ context.Context, r model.RoleAssignment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.roles {
		if existing == r {
			a.roles = append(a.roles[:i], a.roles[i+1:]...)
			return nil
		}
	}
	return nil
}

func (a *fakeAuthz) GrantAgentDefaults(_ context.Context, _ uuid.UUID, subject string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.granted = append(a.granted, subject)
	return nil
}

type fakeIndex struct {
	mu      sync.Mutex
	indexed map[uuid.UUID]string
	removed []uuid.UUID
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{indexed: make(map[uuid.UUID]string)}
}

func (f *fakeIndex) IndexItem(id uuid.UUID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[id] = content
}

func (f *fakeIndex) UnindexItem(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, id)
	f.removed = append(f.removed, id)
}

type fakeRecorder struct {
	mu      sync.Mutex
	agents  []string
	batches [][]uuid.UUID
}

func (f *fakeRecorder) RecordRetrieval(agentID string, itemIDs []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agentID)
	f.batches = append(f.batches, itemIDs)
}

func testConfig() Config {
	return Config{
		DefaultConfidence:   0.8,
		DefaultSearchLimit:  10,
		MaxSearchLimit:      50,
		VectorCandidateTopK: 20,
		RRFK:                60,
		QualityBoostBase:    0.7,
		QualityBoostWeight:  0.3,
	}
}

// newTestService wires a service over the fakes with a realistic tail of the
// ingestion pipeline: redaction, hashing, embedding, approval.
func newTestService(t *testing.T, fs *fakeStore, az *fakeAuthz) (*Service, *fakeIndex, *fakeRecorder) {
	t.Helper()
	idx := newFakeIndex()
	rec := &fakeRecorder{}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), map[string]config.TierLimits{
		"free": {ContributePerMin: 1000, SearchPerMin: 1000},
	}, testutil.TestLogger())

	provider := embedding.NewDeterministicProvider(8)
	svc := New(fs, az, limiter, provider, idx, rec, testConfig(), testutil.TestLogger())
	svc.now = func() time.Time { return testNow }

	redactor := pii.NewRedactor(pii.NewPatternAnalyzer(), 4, 0.50)
	svc.UsePipeline(pipeline.NewRunner(testutil.TestLogger(),
		pipeline.PIIStage(redactor),
		pipeline.HashStage(),
		pipeline.EmbedStage(provider),
		pipeline.ApprovalStage(svc),
	))
	return svc, idx, rec
}

func testPrincipal(orgID uuid.UUID) model.Principal {
	return model.Principal{OrgID: orgID, AgentID: "agent-1", Tier: model.TierFree}
}

func TestAddKnowledgeQueuesPending(t *testing.T) {
	fs := newFakeStore()
	svc, _, _ := newTestService(t, fs, &fakeAuthz{})
	p := testPrincipal(uuid.New())

	runID := "run-42"
	res, err := svc.AddKnowledge(context.Background(), p, model.AddKnowledgeRequest{
		Content:  "Retry the flaky migration with a 5 second backoff before failing the deploy.",
		Category: "workaround",
		Tags:     []string{"deploys"},
		RunID:    &runID,
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestPending, res.Status)
	require.NotNil(t, res.ItemID)
	assert.False(t, res.Flagged)

	c := fs.contributions[*res.ItemID]
	assert.Equal(t, p.OrgID, c.OrgID)
	assert.Equal(t, "agent-1", c.SourceAgentID)
	require.NotNil(t, c.RunID)
	assert.Equal(t, "run-42", *c.RunID)
	assert.Equal(t, []string{"deploys"}, c.Tags.Labels)
	assert.Equal(t, 0.8, c.Confidence, "default confidence applies")
	assert.NotEmpty(t, c.ContentHash)
	assert.NotNil(t, c.Embedding)
	assert.Empty(t, fs.items, "nothing reaches the commons without review")
}

func TestAddKnowledgeAutoApproved(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	fs.rules = append(fs.rules, model.AutoApproveRule{ID: uuid.New(), OrgID: orgID, Category: model.CategoryBugFix})
	ep, _ := fs.CreateWebhookEndpoint(context.Background(), model.WebhookEndpoint{
		OrgID: orgID, URL: "https://example.com/hook", EventTypes: []string{model.EventKnowledgeApproved},
	})

	svc, idx, _ := newTestService(t, fs, &fakeAuthz{})
	res, err := svc.AddKnowledge(context.Background(), testPrincipal(orgID), model.AddKnowledgeRequest{
		Content:  "Pin the driver to v2 until the upstream regression in v3 is fixed.",
		Category: "bug_fix",
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestAutoApproved, res.Status)
	require.NotNil(t, res.ItemID)

	item := fs.items[*res.ItemID]
	assert.False(t, item.IsPublic, "auto-approved items stay private")
	assert.Equal(t, model.CategoryBugFix, item.Category)
	assert.Contains(t, idx.indexed, item.ID)

	require.Len(t, fs.deliveries, 1)
	assert.Equal(t, ep.ID, fs.deliveries[0].EndpointID)
	assert.Equal(t, model.EventKnowledgeApproved, fs.deliveries[0].Event)
}

func TestAddKnowledgeValidation(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeStore(), &fakeAuthz{})
	p := testPrincipal(uuid.New())

	_, err := svc.AddKnowledge(context.Background(), p, model.AddKnowledgeRequest{
		Content: "too short", Category: "bug_fix",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.AddKnowledge(context.Background(), p, model.AddKnowledgeRequest{
		Content: "long enough content for the minimum", Category: "nonsense",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	bad := 1.5
	_, err = svc.AddKnowledge(context.Background(), p, model.AddKnowledgeRequest{
		Content: "long enough content for the minimum", Category: "bug_fix", Confidence: &bad,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAddKnowledgeForbidden(t *testing.T) {
	az := &fakeAuthz{deny: map[string]bool{model.ActionContribute: true}}
	svc, _, _ := newTestService(t, newFakeStore(), az)

	_, err := svc.AddKnowledge(context.Background(), testPrincipal(uuid.New()), model.AddKnowledgeRequest{
		Content: "long enough content for the minimum", Category: "bug_fix",
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestApproveExactHashIsNoop(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	content := "Use the pooled client for bulk writes."
	existing, err := fs.InsertItemTx(context.Background(), nil, model.KnowledgeItem{
		OrgID: orgID, Content: content, Category: model.CategoryTooling,
		ContentHash: integrity.HashContent(content), SourceAgentID: "agent-0",
	})
	require.NoError(t, err)

	svc, _, _ := newTestService(t, fs, &fakeAuthz{})
	res, err := svc.Approve(context.Background(), &pipeline.State{
		Principal:   testPrincipal(orgID),
		Category:    model.CategoryTooling,
		Content:     content,
		ContentHash: integrity.HashContent(content),
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestDuplicate, res.Status)
	require.NotNil(t, res.DuplicateOf)
	assert.Equal(t, existing.ID, *res.DuplicateOf)
	assert.Len(t, fs.items, 1)
	assert.Empty(t, fs.contributions)
}

func TestApproveNoopResolution(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	priorID := uuid.New()

	svc, _, _ := newTestService(t, fs, &fakeAuthz{})
	res, err := svc.Approve(context.Background(), &pipeline.State{
		Principal:   testPrincipal(orgID),
		Category:    model.CategoryBugFix,
		Content:     "nothing new here",
		ContentHash: integrity.HashContent("nothing new here"),
		Resolution:  &conflict.Resolution{Outcome: conflict.OutcomeNoop, Reason: "semantic duplicate", ExistingID: priorID},
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestDuplicate, res.Status)
	require.NotNil(t, res.DuplicateOf)
	assert.Equal(t, priorID, *res.DuplicateOf)
	assert.Equal(t, "semantic duplicate", res.Reason)
}

func TestApproveUpdateExpiresPrior(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	fs.rules = append(fs.rules, model.AutoApproveRule{ID: uuid.New(), OrgID: orgID, Category: model.CategoryConfiguration})
	prior, err := fs.InsertItemTx(context.Background(), nil, model.KnowledgeItem{
		OrgID: orgID, Content: "set pool size to 10", Category: model.CategoryConfiguration,
		ContentHash: integrity.HashContent("set pool size to 10"),
	})
	require.NoError(t, err)

	svc, idx, _ := newTestService(t, fs, &fakeAuthz{})
	idx.IndexItem(prior.ID, prior.Content)

	res, err := svc.Approve(context.Background(), &pipeline.State{
		Principal:   testPrincipal(orgID),
		Category:    model.CategoryConfiguration,
		Content:     "set pool size to 25 after the v4 upgrade",
		ContentHash: integrity.HashContent("set pool size to 25 after the v4 upgrade"),
		Resolution:  &conflict.Resolution{Outcome: conflict.OutcomeUpdate, ExistingID: prior.ID, DirectConflict: true},
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestAutoApproved, res.Status)
	assert.NotNil(t, fs.items[prior.ID].ExpiredAt, "superseded item leaves system time")
	assert.NotContains(t, idx.indexed, prior.ID)
	assert.Contains(t, idx.indexed, *res.ItemID)
}

func TestApproveVersionForkSplitsWorldTime(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	fs.rules = append(fs.rules, model.AutoApproveRule{ID: uuid.New(), OrgID: orgID, Category: model.CategoryDomainExpertise})
	prior, err := fs.InsertItemTx(context.Background(), nil, model.KnowledgeItem{
		OrgID: orgID, Content: "v1 behavior", Category: model.CategoryDomainExpertise,
		ContentHash: integrity.HashContent("v1 behavior"),
	})
	require.NoError(t, err)

	svc, _, _ := newTestService(t, fs, &fakeAuthz{})
	res, err := svc.Approve(context.Background(), &pipeline.State{
		Principal:   testPrincipal(orgID),
		Category:    model.CategoryDomainExpertise,
		Content:     "v2 behavior differs",
		ContentHash: integrity.HashContent("v2 behavior differs"),
		Resolution:  &conflict.Resolution{Outcome: conflict.OutcomeVersionFork, ExistingID: prior.ID, DirectConflict: true},
	})
	require.NoError(t, err)

	require.NotNil(t, fs.items[prior.ID].InvalidAt)
	assert.Equal(t, testNow, *fs.items[prior.ID].InvalidAt)
	assert.Nil(t, fs.items[prior.ID].ExpiredAt, "forked prior stays system-time current")

	inserted := fs.items[*res.ItemID]
	require.NotNil(t, inserted.ValidAt)
	assert.Equal(t, testNow, *inserted.ValidAt)
}

func TestApproveFlaggedConflictBypassesAutoApprove(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	fs.rules = append(fs.rules, model.AutoApproveRule{ID: uuid.New(), OrgID: orgID, Category: model.CategoryArchitecture})

	svc, _, _ := newTestService(t, fs, &fakeAuthz{})
	res, err := svc.Approve(context.Background(), &pipeline.State{
		Principal:   testPrincipal(orgID),
		Category:    model.CategoryArchitecture,
		Content:     "contradicts several items at once",
		ContentHash: integrity.HashContent("contradicts several items at once"),
		Resolution:  &conflict.Resolution{Outcome: conflict.OutcomeFlagged, ExistingID: uuid.New()},
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestPending, res.Status)
	assert.True(t, res.Flagged)
	assert.Empty(t, fs.items)

	c := fs.contributions[*res.ItemID]
	assert.True(t, c.Tags.ConflictFlagged)
	assert.True(t, c.Tags.FlaggedForReview)
	assert.Equal(t, "FLAGGED_FOR_REVIEW", c.Tags.Extra["conflict_outcome"])
}

func TestApproveBurstFlagGoesToQueue(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	fs.rules = append(fs.rules, model.AutoApproveRule{ID: uuid.New(), OrgID: orgID, Category: model.CategoryBugFix})

	svc, _, _ := newTestService(t, fs, &fakeAuthz{})
	res, err := svc.Approve(context.Background(), &pipeline.State{
		Principal:   testPrincipal(orgID),
		Category:    model.CategoryBugFix,
		Content:     "arrived inside a suspicious burst",
		ContentHash: integrity.HashContent("arrived inside a suspicious burst"),
		Flagged:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestPending, res.Status)
	assert.True(t, res.Flagged)
	assert.True(t, fs.contributions[*res.ItemID].Tags.FlaggedForReview)
}

func TestApprovePendingDuplicateCollapses(t *testing.T) {
	fs := newFakeStore()
	orgID := uuid.New()
	hash := integrity.HashContent("already queued once")
	queued, err := fs.InsertContribution(context.Background(), model.PendingContribution{
		OrgID: orgID, Content: "already queued once", Category: model.CategoryOther,
		ContentHash: hash, Status: model.StatusPending,
	})
	require.NoError(t, err)

	svc, _, _ := newTestService(t, fs, &fakeAuthz{})
	res, err := svc.Approve(context.Background(), &pipeline.State{
		Principal:   testPrincipal(orgID),
		Category:    model.CategoryOther,
		Content:     "already queued once",
		ContentHash: hash,
	})
	require.NoError(t, err)

	assert.Equal(t, model.IngestDuplicate, res.Status)
	require.NotNil(t, res.DuplicateOf)
	assert.Equal(t, queued.ID, *res.DuplicateOf)
	assert.Len(t, fs.contributions, 1)
}
