package signals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/internal/testutil"
)

type memStore struct {
	mu         sync.Mutex
	signals    map[uuid.UUID]int
	increments map[uuid.UUID]int
	agents     []string
	err        error
}

func newMemStore() *memStore {
	return &memStore{
		signals:    make(map[uuid.UUID]int),
		increments: make(map[uuid.UUID]int),
	}
}

func (s *memStore) InsertRetrievalSignals(_ context.Context, itemIDs []uuid.UUID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, id := range itemIDs {
		s.signals[id]++
	}
	s.agents = append(s.agents, agentID)
	return nil
}

func (s *memStore) IncrementRetrievalCounts(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.increments[id]++
	}
	return nil
}

func (s *memStore) signalCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[id]
}

func (s *memStore) incrementCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increments[id]
}

func TestRecorderFlushesOnDrain(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, time.Hour, testutil.TestLogger())
	r.Start(context.Background())

	id1, id2 := uuid.New(), uuid.New()
	r.RecordRetrieval("agent-1", []uuid.UUID{id1, id2})
	r.RecordRetrieval("agent-2", []uuid.UUID{id1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Drain(ctx)

	assert.Equal(t, 2, store.signalCount(id1), "one signal per retrieval")
	assert.Equal(t, 1, store.signalCount(id2))
	assert.Equal(t, 2, store.incrementCount(id1), "counter advances once per retrieval")
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, store.agents)
}

func TestRecorderPeriodicFlush(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, 10*time.Millisecond, testutil.TestLogger())
	r.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Drain(ctx)
	}()

	id := uuid.New()
	r.RecordRetrieval("agent-1", []uuid.UUID{id})

	require.Eventually(t, func() bool {
		return store.signalCount(id) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecorderEmptyBatchIgnored(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, time.Hour, testutil.TestLogger())
	r.Start(context.Background())

	r.RecordRetrieval("agent-1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Drain(ctx)
	assert.Empty(t, store.agents)
}

func TestRecorderStoreErrorDoesNotPanic(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("db down")
	r := NewRecorder(store, time.Hour, testutil.TestLogger())
	r.Start(context.Background())

	r.RecordRetrieval("agent-1", []uuid.UUID{uuid.New()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Drain(ctx)
}

func TestRecorderDoubleStartIgnored(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, time.Hour, testutil.TestLogger())
	r.Start(context.Background())
	r.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Drain(ctx)
}
