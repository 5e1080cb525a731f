package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/testutil"
)

// memQueue is an in-memory Queue; the tx handle is unused.
type memQueue struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*model.WebhookDelivery
}

func newMemQueue() *memQueue {
	return &memQueue{deliveries: make(map[uuid.UUID]*model.WebhookDelivery)}
}

func (q *memQueue) add(url string, payload []byte) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.New()
	q.deliveries[id] = &model.WebhookDelivery{
		ID:          id,
		URL:         url,
		Event:       model.EventKnowledgeApproved,
		Payload:     payload,
		Status:      model.DeliveryPending,
		NextAttempt: time.Now().UTC(),
	}
	return id
}

func (q *memQueue) get(id uuid.UUID) model.WebhookDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.deliveries[id]
}

func (q *memQueue) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func (q *memQueue) ClaimDueDeliveries(_ context.Context, _ pgx.Tx, limit int) ([]model.WebhookDelivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var out []model.WebhookDelivery
	for _, d := range q.deliveries {
		if d.Status == model.DeliveryPending && !d.NextAttempt.After(now) {
			out = append(out, *d)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (q *memQueue) MarkDeliveryResultTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status model.DeliveryStatus, attempts int, nextAttempt *time.Time, lastError *string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.deliveries[id]
	d.Status = status
	d.Attempts = attempts
	if nextAttempt != nil {
		d.NextAttempt = *nextAttempt
	}
	d.LastError = lastError
	return nil
}

func testConfig() Config {
	return Config{
		Timeout:      time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Hour,
		BatchSize:    16,
	}
}

func TestDispatcherDelivers(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(buf))
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newMemQueue()
	id := q.add(srv.URL, []byte(`{"event":"knowledge.approved"}`))

	d := NewDispatcher(q, testConfig(), testutil.TestLogger())
	d.processBatch(context.Background())

	got := q.get(id)
	assert.Equal(t, model.DeliveryDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.JSONEq(t, `{"event":"knowledge.approved"}`, bodies[0])
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := newMemQueue()
	id := q.add(srv.URL, []byte(`{}`))
	d := NewDispatcher(q, testConfig(), testutil.TestLogger())

	// Attempts 1 and 2 reschedule; attempt 3 gives up.
	for i := 1; i <= 2; i++ {
		time.Sleep(2 * time.Millisecond)
		d.processBatch(context.Background())
		got := q.get(id)
		assert.Equal(t, model.DeliveryPending, got.Status)
		assert.Equal(t, i, got.Attempts)
		require.NotNil(t, got.LastError)
	}

	time.Sleep(2 * time.Millisecond)
	d.processBatch(context.Background())
	got := q.get(id)
	assert.Equal(t, model.DeliveryFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestDispatcherUnreachableEndpoint(t *testing.T) {
	q := newMemQueue()
	id := q.add("http://127.0.0.1:1/hook", []byte(`{}`))
	d := NewDispatcher(q, testConfig(), testutil.TestLogger())

	d.processBatch(context.Background())
	got := q.get(id)
	assert.Equal(t, model.DeliveryPending, got.Status, "connection errors reschedule like HTTP errors")
	assert.Equal(t, 1, got.Attempts)
}

func TestDispatcherStartDrain(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case received <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newMemQueue()
	q.add(srv.URL, []byte(`{}`))

	cfg := testConfig()
	d := NewDispatcher(q, cfg, testutil.TestLogger())
	d.Start(context.Background())

	// The final drain poll must flush the queued delivery.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Drain(ctx)

	select {
	case <-received:
	default:
		t.Fatal("expected delivery during drain")
	}
}
