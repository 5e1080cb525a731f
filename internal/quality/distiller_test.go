package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/internal/integrity"
	"github.com/hivemind-dev/hivemind/internal/llm"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/pii"
	"github.com/hivemind-dev/hivemind/internal/service/embedding"
	"github.com/hivemind-dev/hivemind/internal/storage"
	"github.com/hivemind-dev/hivemind/internal/testutil"
)

type distStore struct {
	mu            sync.Mutex
	pendingCount  int
	conflictCount int
	pairs         []storage.SimilarPair
	items         map[uuid.UUID]*model.KnowledgeItem
	unscreened    []model.PendingContribution
	contribTags   map[uuid.UUID]model.Tags
	config        map[string]string
	inserted      []model.KnowledgeItem
}

func newDistStore() *distStore {
	return &distStore{
		items:       make(map[uuid.UUID]*model.KnowledgeItem),
		contribTags: make(map[uuid.UUID]model.Tags),
		config:      make(map[string]string),
	}
}

func (s *distStore) addItem(it model.KnowledgeItem) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	s.items[it.ID] = &it
	return it.ID
}

func (s *distStore) item(id uuid.UUID) model.KnowledgeItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func (s *distStore) CountPending(context.Context) (int, error) { return s.pendingCount, nil }

func (s *distStore) CountFlaggedConflicts(context.Context) (int, error) {
	return s.conflictCount, nil
}

func (s *distStore) SimilarPairs(context.Context, float64, int) ([]storage.SimilarPair, error) {
	return s.pairs, nil
}

func (s *distStore) GetItemsByIDs(_ context.Context, ids []uuid.UUID) ([]model.KnowledgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.KnowledgeItem
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (s *distStore) InTx(_ context.Context, fn func(pgx.Tx) error) error { return fn(nil) }

func (s *distStore) ExpireItemTx(_ context.Context, _ pgx.Tx, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	it.ExpiredAt = &at
	return nil
}

func (s *distStore) InsertItemTx(_ context.Context, _ pgx.Tx, item model.KnowledgeItem) (model.KnowledgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = uuid.New()
	s.items[item.ID] = &item
	s.inserted = append(s.inserted, item)
	return item, nil
}

func (s *distStore) UpdateItemTags(_ context.Context, id uuid.UUID, tags model.Tags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	it.Tags = tags
	return nil
}

func (s *distStore) UnscreenedPending(context.Context, int) ([]model.PendingContribution, error) {
	return s.unscreened, nil
}

func (s *distStore) UpdateContributionTags(_ context.Context, id uuid.UUID, tags model.Tags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contribTags[id] = tags
	return nil
}

func (s *distStore) SetConfigValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

type fakeIndex struct {
	mu        sync.Mutex
	indexed   []uuid.UUID
	unindexed []uuid.UUID
}

func (f *fakeIndex) IndexItem(id uuid.UUID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, id)
}

func (f *fakeIndex) UnindexItem(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unindexed = append(f.unindexed, id)
}

func distConfig() DistillerConfig {
	return DistillerConfig{
		PendingThreshold:    50,
		ConflictThreshold:   5,
		PairDistanceMax:     0.3,
		ClusterMinSize:      3,
		PreScreenThreshold:  0.2,
		SummaryQualityScore: 0.6,
		Weights:             defaultWeights(),
	}
}

func newDistiller(store *distStore, index *fakeIndex, client llm.Client) *Distiller {
	redactor := pii.NewRedactor(pii.NewPatternAnalyzer(), 4, 0.50)
	embedder := embedding.NewDeterministicProvider(8)
	return NewDistiller(store, index, client, redactor, embedder, distConfig(), testutil.TestLogger())
}

func TestDistillerSkipsBelowThresholds(t *testing.T) {
	store := newDistStore()
	store.pendingCount = 10
	store.conflictCount = 1

	d := newDistiller(store, &fakeIndex{}, nil)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.NotContains(t, store.config, distillationLastRunKey,
		"a skipped run leaves the watermark alone")
}

func TestDistillerConflictCountAloneTriggers(t *testing.T) {
	store := newDistStore()
	store.conflictCount = 5

	d := newDistiller(store, &fakeIndex{}, nil)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
	assert.Contains(t, store.config, distillationLastRunKey)
}

func TestDistillerMergesSmallCluster(t *testing.T) {
	store := newDistStore()
	store.pendingCount = 50
	orgID := uuid.New()
	keep := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "pool sizing advice", QualityScore: 0.9})
	lose := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "pool sizing advice, older", QualityScore: 0.2})
	store.pairs = []storage.SimilarPair{{A: keep, B: lose, OrgID: orgID}}

	index := &fakeIndex{}
	d := newDistiller(store, index, nil)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.DuplicatesMerged)
	assert.Nil(t, store.item(keep).ExpiredAt)
	assert.NotNil(t, store.item(lose).ExpiredAt, "losers are expired, never deleted")
	assert.Contains(t, store.item(keep).Tags.ProvenanceLinks, lose)
	assert.Contains(t, index.unindexed, lose)
}

func TestDistillerSummarizesLargeCluster(t *testing.T) {
	store := newDistStore()
	store.pendingCount = 50
	orgID := uuid.New()
	a := store.addItem(model.KnowledgeItem{OrgID: orgID, Category: model.CategoryConfiguration, Content: "set pool size to peak concurrency", QualityScore: 0.8})
	b := store.addItem(model.KnowledgeItem{OrgID: orgID, Category: model.CategoryConfiguration, Content: "pool size should match peak load", QualityScore: 0.5})
	c := store.addItem(model.KnowledgeItem{OrgID: orgID, Category: model.CategoryConfiguration, Content: "size pools for the busiest hour", QualityScore: 0.4})
	store.pairs = []storage.SimilarPair{
		{A: a, B: b, OrgID: orgID},
		{A: b, B: c, OrgID: orgID},
	}

	const summaryText = "Size connection pools to peak concurrency, measured at the busiest hour."
	client := llm.Func(func(_ context.Context, prompt string) (string, error) {
		assert.Contains(t, prompt, "Item 3:")
		return summaryText, nil
	})

	index := &fakeIndex{}
	d := newDistiller(store, index, client)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SummariesGenerated)
	assert.Equal(t, 3, stats.DuplicatesMerged)
	require.Len(t, store.inserted, 1)

	sum := store.inserted[0]
	assert.Equal(t, summaryText, sum.Content)
	assert.Equal(t, integrity.HashContent(summaryText), sum.ContentHash)
	assert.Equal(t, orgID, sum.OrgID)
	assert.Equal(t, model.CategoryConfiguration, sum.Category)
	assert.Equal(t, summaryAgentID, sum.SourceAgentID)
	assert.Equal(t, 0.6, sum.QualityScore)
	assert.Len(t, sum.Tags.SourceItemIDs, 3)
	require.NotNil(t, sum.Embedding)

	for _, id := range []uuid.UUID{a, b, c} {
		assert.NotNil(t, store.item(id).ExpiredAt)
		assert.Contains(t, index.unindexed, id)
	}
	assert.Contains(t, index.indexed, sum.ID)
}

func TestDistillerSummaryFailureFallsBackToMerge(t *testing.T) {
	store := newDistStore()
	store.pendingCount = 50
	orgID := uuid.New()
	a := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "advice one", QualityScore: 0.9})
	b := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "advice two", QualityScore: 0.5})
	c := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "advice three", QualityScore: 0.4})
	store.pairs = []storage.SimilarPair{
		{A: a, B: b, OrgID: orgID},
		{A: b, B: c, OrgID: orgID},
	}

	client := llm.Func(func(context.Context, string) (string, error) {
		return "", errors.New("model unavailable")
	})

	d := newDistiller(store, &fakeIndex{}, client)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.SummariesGenerated)
	assert.Equal(t, 2, stats.DuplicatesMerged)
	assert.Nil(t, store.item(a).ExpiredAt, "highest quality member survives the merge")
}

func TestDistillerRejectsSummaryWithPII(t *testing.T) {
	store := newDistStore()
	store.pendingCount = 50
	orgID := uuid.New()
	a := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "advice one", QualityScore: 0.9})
	b := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "advice two", QualityScore: 0.5})
	c := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "advice three", QualityScore: 0.4})
	store.pairs = []storage.SimilarPair{
		{A: a, B: b, OrgID: orgID},
		{A: b, B: c, OrgID: orgID},
	}

	client := llm.Func(func(context.Context, string) (string, error) {
		return "alice@example.com bob@example.com leaked", nil
	})

	d := newDistiller(store, &fakeIndex{}, client)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.SummariesGenerated)
	assert.Empty(t, store.inserted)
	assert.Equal(t, 2, stats.DuplicatesMerged, "over-redacted summary falls back to a merge")
}

func TestDistillerFlagsConflictClusters(t *testing.T) {
	store := newDistStore()
	store.pendingCount = 50
	orgID := uuid.New()
	a := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "use retries", QualityScore: 0.7,
		Tags: model.Tags{ConflictFlagged: true}})
	b := store.addItem(model.KnowledgeItem{OrgID: orgID, Content: "never retry", QualityScore: 0.6})
	store.pairs = []storage.SimilarPair{{A: a, B: b, OrgID: orgID}}

	d := newDistiller(store, &fakeIndex{}, nil)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Contradictions)
	assert.Zero(t, stats.DuplicatesMerged, "conflicted clusters wait for a human")
	assert.True(t, store.item(a).Tags.ContradictionFlagged)
	assert.True(t, store.item(b).Tags.ContradictionFlagged)
	assert.Nil(t, store.item(a).ExpiredAt)
	assert.Nil(t, store.item(b).ExpiredAt)
}

func TestDistillerPrescreen(t *testing.T) {
	store := newDistStore()
	store.pendingCount = 50
	confident := model.PendingContribution{ID: uuid.New(), Confidence: 0.9}
	shaky := model.PendingContribution{ID: uuid.New(), Confidence: 0.1}
	store.unscreened = []model.PendingContribution{confident, shaky}

	d := newDistiller(store, &fakeIndex{}, nil)
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PreScreened)
	assert.Equal(t, 1, stats.LowQualityFlagged)

	okTags := store.contribTags[confident.ID]
	assert.Equal(t, true, okTags.Extra["pre_screened"])
	assert.False(t, okTags.FlaggedForReview)

	lowTags := store.contribTags[shaky.ID]
	assert.Equal(t, true, lowTags.Extra["pre_screened"])
	assert.True(t, lowTags.FlaggedForReview)
	assert.Contains(t, lowTags.Extra, "preliminary_quality_score")
}
