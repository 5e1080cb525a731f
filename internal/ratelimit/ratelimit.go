// Package ratelimit enforces per-tier request quotas and sliding-window
// burst detection.
//
// Quota keys are "{op}:{org_id}:{agent_id}" over a fixed one-minute window.
// Burst keys are "burst:{org_id}" over a sliding window; exceeding the
// threshold flags the contribution for review, it never hard-rejects.
// All checks fail open: a broken store must not take ingestion down.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/config"
	"github.com/hivemind-dev/hivemind/internal/model"
)

// Ops with distinct quota budgets.
const (
	OpContribute = "contribute"
	OpSearch     = "search"
)

// Store provides the atomic counter and sliding-window primitives.
// Implementations: RedisStore (shared, multi-node) and MemoryStore (dev,
// single node).
type Store interface {
	// IncrWindow atomically increments a fixed-window counter and returns
	// the new count. The counter resets when the window elapses.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// SlidingCount adds a member at the given time, drops members older
	// than the window, and returns the resulting cardinality.
	SlidingCount(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error)

	// Close releases store resources.
	Close() error
}

// Limiter answers per-tier quota checks.
type Limiter struct {
	store  Store
	tiers  map[string]config.TierLimits
	logger *slog.Logger
}

// NewLimiter creates a limiter over the given store and tier table.
func NewLimiter(store Store, tiers map[string]config.TierLimits, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, tiers: tiers, logger: logger}
}

// Allow reports whether the principal is within its quota for op. Principals
// without a tier (JWT callers) default to the free tier. Store errors fail
// open with a warning.
func (l *Limiter) Allow(ctx context.Context, op string, p model.Principal) (bool, error) {
	tier := string(p.Tier)
	if tier == "" {
		tier = string(model.TierFree)
	}
	limits, ok := l.tiers[tier]
	if !ok {
		limits = l.tiers[string(model.TierFree)]
	}

	limit := limits.SearchPerMin
	if op == OpContribute {
		limit = limits.ContributePerMin
	}

	key := fmt.Sprintf("%s:%s:%s", op, p.OrgID, p.AgentID)
	count, err := l.store.IncrWindow(ctx, key, time.Minute)
	if err != nil {
		l.logger.Warn("ratelimit: store unavailable, failing open", "op", op, "error", err)
		return true, nil
	}
	return count <= int64(limit), nil
}

// BurstDetector watches per-org contribution bursts with a sliding window.
type BurstDetector struct {
	store     Store
	threshold int
	window    time.Duration
	logger    *slog.Logger
}

// NewBurstDetector creates a detector with the configured window and threshold.
func NewBurstDetector(store Store, threshold int, window time.Duration, logger *slog.Logger) *BurstDetector {
	return &BurstDetector{store: store, threshold: threshold, window: window, logger: logger}
}

// Observe records one contribution attempt and reports whether the org is
// over its burst threshold. The member is a random temporary id: no
// contribution id exists yet at this pipeline stage, and a random member
// keeps identical re-submissions counting individually. Counts exactly at
// the threshold are not flagged; only exceeding it flags.
func (d *BurstDetector) Observe(ctx context.Context, orgID uuid.UUID) (flagged bool, err error) {
	key := "burst:" + orgID.String()
	count, err := d.store.SlidingCount(ctx, key, uuid.NewString(), time.Now(), d.window)
	if err != nil {
		d.logger.Warn("ratelimit: burst store unavailable, failing open", "org_id", orgID, "error", err)
		return false, nil
	}
	return count > int64(d.threshold), nil
}
