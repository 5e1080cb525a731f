// Package webhook delivers knowledge.approved events to subscriber endpoints.
//
// Deliveries are enqueued inside the approval transaction and dispatched by a
// polling worker, so the approval commit happens-before any outbound request
// and a crash between the two only ever causes redelivery, never loss.
// Delivery is at-least-once; receivers deduplicate on knowledge_item_id.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// Queue is the delivery queue slice of the storage layer.
type Queue interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
	ClaimDueDeliveries(ctx context.Context, tx pgx.Tx, limit int) ([]model.WebhookDelivery, error)
	MarkDeliveryResultTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status model.DeliveryStatus, attempts int, nextAttempt *time.Time, lastError *string) error
}

// Config tunes delivery behavior.
type Config struct {
	Timeout      time.Duration // per-request timeout
	MaxRetries   int           // attempts before a delivery is marked failed
	RetryDelay   time.Duration // delay between attempts
	PollInterval time.Duration
	BatchSize    int
}

// Dispatcher polls for due deliveries and posts them.
type Dispatcher struct {
	queue      Queue
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(queue Queue, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	return &Dispatcher{
		queue:      queue,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
		done:       make(chan struct{}),
		drainCh:    make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("webhook: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelLoop = cancel
	go d.pollLoop(loopCtx)
}

// Drain stops the loop, runs one final poll, and blocks until done or the
// context expires. Deliveries still pending after drain are picked up on the
// next start.
func (d *Dispatcher) Drain(ctx context.Context) {
	select {
	case d.drainCh <- ctx:
	default:
	}
	if d.cancelLoop != nil {
		d.cancelLoop()
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("webhook: drain timed out")
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-d.drainCh:
			default:
			}
			if drainCtx == nil {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				d.processBatch(fallbackCtx)
				cancel()
			} else {
				d.processBatch(drainCtx)
			}
			d.once.Do(func() { close(d.done) })
			return
		case <-ticker.C:
			d.processBatch(ctx)
		}
	}
}

// processBatch claims due deliveries, posts them, and records outcomes in the
// same transaction. Row locks held during the posts keep concurrent
// dispatchers off the batch; SKIP LOCKED lets them claim their own.
func (d *Dispatcher) processBatch(ctx context.Context) {
	err := d.queue.InTx(ctx, func(tx pgx.Tx) error {
		deliveries, err := d.queue.ClaimDueDeliveries(ctx, tx, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, del := range deliveries {
			d.attempt(ctx, tx, del)
		}
		return nil
	})
	if err != nil {
		d.logger.Error("webhook: process batch", "error", err)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, tx pgx.Tx, del model.WebhookDelivery) {
	attempts := del.Attempts + 1
	postErr := d.post(ctx, del.URL, del.Payload)

	switch {
	case postErr == nil:
		if err := d.queue.MarkDeliveryResultTx(ctx, tx, del.ID, model.DeliveryDelivered, attempts, nil, nil); err != nil {
			d.logger.Error("webhook: mark delivered", "delivery_id", del.ID, "error", err)
		}
		d.logger.Info("webhook delivered",
			"delivery_id", del.ID, "url", del.URL, "attempts", attempts)

	case attempts >= d.cfg.MaxRetries:
		msg := postErr.Error()
		if err := d.queue.MarkDeliveryResultTx(ctx, tx, del.ID, model.DeliveryFailed, attempts, nil, &msg); err != nil {
			d.logger.Error("webhook: mark failed", "delivery_id", del.ID, "error", err)
		}
		d.logger.Warn("webhook delivery dropped after retries",
			"delivery_id", del.ID, "url", del.URL, "attempts", attempts, "error", postErr)

	default:
		msg := postErr.Error()
		next := time.Now().UTC().Add(d.cfg.RetryDelay)
		if err := d.queue.MarkDeliveryResultTx(ctx, tx, del.ID, model.DeliveryPending, attempts, &next, &msg); err != nil {
			d.logger.Error("webhook: mark retry", "delivery_id", del.ID, "error", err)
		}
		d.logger.Warn("webhook delivery failed, will retry",
			"delivery_id", del.ID, "url", del.URL, "attempts", attempts, "error", postErr)
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
