// Package signals records retrieval quality signals off the request path.
//
// Search responses return to the caller before their signals are persisted;
// the recorder buffers them in memory and flushes in batches. A full buffer
// drops signals with a log rather than ever applying backpressure to search.
package signals

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Store is the slice of the storage layer the recorder writes through.
type Store interface {
	InsertRetrievalSignals(ctx context.Context, itemIDs []uuid.UUID, agentID string) error
	IncrementRetrievalCounts(ctx context.Context, ids []uuid.UUID) error
}

// batch is one search response's worth of signals.
type batch struct {
	agentID string
	itemIDs []uuid.UUID
}

// maxBuffered bounds memory under store outages; beyond it new signals are
// dropped. Retrieval signals are statistical, losing some under duress is
// acceptable.
const maxBuffered = 4096

// Recorder is the buffered, fire-and-forget signal writer.
type Recorder struct {
	store         Store
	logger        *slog.Logger
	flushInterval time.Duration

	mu      sync.Mutex
	pending []batch
	dropped int64

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context
}

// NewRecorder creates a recorder flushing at the given interval.
func NewRecorder(store Store, flushInterval time.Duration, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:         store,
		logger:        logger,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		drainCh:       make(chan context.Context, 1),
	}
}

// RecordRetrieval buffers one response's returned item ids. Never blocks.
func (r *Recorder) RecordRetrieval(agentID string, itemIDs []uuid.UUID) {
	if len(itemIDs) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(itemIDs))
	copy(ids, itemIDs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= maxBuffered {
		r.dropped++
		return
	}
	r.pending = append(r.pending, batch{agentID: agentID, itemIDs: ids})
}

// Start begins the background flush loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("signals: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
}

// Drain stops the loop, flushes the remaining buffer, and blocks until done
// or the context expires.
func (r *Recorder) Drain(ctx context.Context) {
	select {
	case r.drainCh <- ctx:
	default:
	}
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("signals: drain timed out")
	}
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-r.drainCh:
			default:
			}
			if drainCtx == nil {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.flush(fallbackCtx)
				cancel()
			} else {
				r.flush(drainCtx)
			}
			r.once.Do(func() { close(r.done) })
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			r.flush(flushCtx)
			cancel()
		}
	}
}

// flush writes the buffered batches: one signal row per (item, agent) plus a
// single deduplicated counter update.
func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	pending := r.pending
	dropped := r.dropped
	r.pending = nil
	r.dropped = 0
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.Warn("signals: buffer overflow, dropped batches", "dropped", dropped)
	}
	if len(pending) == 0 {
		return
	}

	flushed := 0
	for _, b := range pending {
		if err := r.store.InsertRetrievalSignals(ctx, b.itemIDs, b.agentID); err != nil {
			r.logger.Error("signals: insert retrieval signals", "error", err)
			continue
		}
		// Counters increment once per retrieval, so per batch, not deduplicated
		// across the flush window.
		if err := r.store.IncrementRetrievalCounts(ctx, b.itemIDs); err != nil {
			r.logger.Error("signals: increment retrieval counts", "error", err)
			continue
		}
		flushed++
	}
	r.logger.Debug("signals: flushed", "batches", flushed)
}
