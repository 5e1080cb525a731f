package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/config"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

// aggregationLastRunKey is the deployment_config watermark for incremental
// aggregation. Stored as RFC 3339 so it survives restarts and redeploys.
const aggregationLastRunKey = "quality_aggregation_last_run"

// AggregatorStore is the slice of the storage layer the aggregator uses.
type AggregatorStore interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
	ItemsWithSignalsSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	SignalCountsFor(ctx context.Context, itemID uuid.UUID) (model.SignalCounts, error)
	UpdateQualityScores(ctx context.Context, scores map[uuid.UUID]float64) error
}

// Aggregator recomputes quality scores for items that received new signals
// since the last run. Incremental: work scales with signal volume, not with
// the size of the commons.
type Aggregator struct {
	store        AggregatorStore
	halfLifeDays float64
	weights      config.QualityWeights
	logger       *slog.Logger
	now          func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(store AggregatorStore, halfLifeDays float64, weights config.QualityWeights, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:        store,
		halfLifeDays: halfLifeDays,
		weights:      weights,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one aggregation pass and returns the number of items
// rescored. Per-item failures are logged and skipped; the watermark only
// advances after the batch write succeeds, so skipped items are retried on
// the next run.
func (a *Aggregator) RunOnce(ctx context.Context) (int, error) {
	runAt := a.now()
	since := a.lastRun(ctx)

	ids, err := a.store.ItemsWithSignalsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("quality: items with signals: %w", err)
	}

	scores := make(map[uuid.UUID]float64, len(ids))
	for _, id := range ids {
		counts, err := a.store.SignalCountsFor(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Signals can reference an item deleted since they were written.
				a.logger.Warn("quality: item in signal log but not in store", "item_id", id)
				continue
			}
			a.logger.Error("quality: signal counts", "item_id", id, "error", err)
			continue
		}
		scores[id] = Score(counts, runAt, a.halfLifeDays, a.weights)
	}

	if err := a.store.UpdateQualityScores(ctx, scores); err != nil {
		return 0, fmt.Errorf("quality: update scores: %w", err)
	}
	if err := a.store.SetConfigValue(ctx, aggregationLastRunKey, runAt.Format(time.RFC3339Nano)); err != nil {
		return 0, fmt.Errorf("quality: advance watermark: %w", err)
	}

	a.logger.Info("quality aggregation complete",
		"items_updated", len(scores), "since", since, "run_at", runAt)
	return len(scores), nil
}

// lastRun reads the watermark. Missing or corrupt values fall back to the
// epoch, which rescores every item with any signal history.
func (a *Aggregator) lastRun(ctx context.Context) time.Time {
	raw, err := a.store.GetConfigValue(ctx, aggregationLastRunKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("quality: read watermark", "error", err)
		}
		return time.Unix(0, 0).UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		a.logger.Warn("quality: corrupt watermark, resetting to epoch", "value", raw)
		return time.Unix(0, 0).UTC()
	}
	return t
}
