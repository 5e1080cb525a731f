package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/conflict"
	"github.com/hivemind-dev/hivemind/internal/dedup"
	"github.com/hivemind-dev/hivemind/internal/integrity"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/pii"
	"github.com/hivemind-dev/hivemind/internal/ratelimit"
	"github.com/hivemind-dev/hivemind/internal/scan"
	"github.com/hivemind-dev/hivemind/internal/service/embedding"
)

// RateLimitStage refuses contributions over the caller's tier quota. Burst
// handling comes later; this is the request-rate check only.
func RateLimitStage(limiter *ratelimit.Limiter) Stage {
	return func(ctx context.Context, s *State) error {
		ok, err := limiter.Allow(ctx, ratelimit.OpContribute, s.Principal)
		if err != nil {
			return fmt.Errorf("pipeline: rate limit: %w", err)
		}
		if !ok {
			return &Reject{Code: CodeRateLimited, Reason: "contribution rate limit exceeded"}
		}
		return nil
	}
}

// InjectionStage scans the raw content, before redaction: an injection
// disguised as PII would otherwise be partially obfuscated and change the
// classifier signal.
func InjectionStage(scanner *scan.Scanner) Stage {
	return func(ctx context.Context, s *State) error {
		v, err := scanner.Scan(ctx, s.RawContent)
		if err != nil {
			return fmt.Errorf("pipeline: injection scan: %w", err)
		}
		s.InjectionScore = v.Score
		if v.Injection {
			return &Reject{
				Code:   CodeInjection,
				Reason: fmt.Sprintf("prompt injection detected (score %.2f)", v.Score),
			}
		}
		return nil
	}
}

// BurstStage observes org-wide contribution volume. Over threshold flags for
// review but never rejects; a burst can be a legitimate backfill.
func BurstStage(detector *ratelimit.BurstDetector) Stage {
	return func(ctx context.Context, s *State) error {
		flagged, err := detector.Observe(ctx, s.Principal.OrgID)
		if err != nil {
			return fmt.Errorf("pipeline: burst check: %w", err)
		}
		if flagged {
			s.Flagged = true
		}
		return nil
	}
}

// PIIStage redacts the narrative while preserving code blocks, then rejects
// over-redacted content. Redaction failure is a hard error: contributions
// must not enter the commons unscreened.
func PIIStage(redactor *pii.Redactor) Stage {
	return func(ctx context.Context, s *State) error {
		res, err := redactor.Strip(ctx, s.RawContent)
		if err != nil {
			return fmt.Errorf("pipeline: pii strip: %w", err)
		}
		if res.Rejected {
			return &Reject{
				Code:   CodeTooMuchPII,
				Reason: fmt.Sprintf("too much PII (%.0f%% of content redacted)", res.Ratio*100),
			}
		}
		s.Content = res.Cleaned
		return nil
	}
}

// HashStage computes the content hash over the cleaned text.
func HashStage() Stage {
	return func(_ context.Context, s *State) error {
		s.ContentHash = integrity.HashContent(s.Content)
		return nil
	}
}

// EmbedStage computes the embedding the dedup and storage stages need.
// Embedding failure is a hard error; a zero vector would corrupt search.
func EmbedStage(provider embedding.Provider) Stage {
	return func(ctx context.Context, s *State) error {
		vec, err := provider.Embed(ctx, s.Content)
		if err != nil {
			return fmt.Errorf("pipeline: embed: %w", err)
		}
		s.Embedding = vec
		return nil
	}
}

// DedupStage runs three-stage near-duplicate detection over the cleaned
// content.
func DedupStage(pipe *dedup.Pipeline) Stage {
	return func(ctx context.Context, s *State) error {
		res, err := pipe.Check(ctx, s.Principal.OrgID, s.Content, s.Embedding)
		if err != nil {
			return fmt.Errorf("pipeline: dedup: %w", err)
		}
		s.Dedup = res
		return nil
	}
}

// ItemFetcher loads existing items for conflict resolution.
type ItemFetcher interface {
	GetItemsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.KnowledgeItem, error)
}

// ConflictStage classifies the relationship with a confirmed near-duplicate.
// Runs only when dedup produced one; a vanished prior item reads as ADD.
func ConflictStage(resolver *conflict.Resolver, fetcher ItemFetcher, logger *slog.Logger) Stage {
	return func(ctx context.Context, s *State) error {
		if s.Dedup.Action != dedup.ActionDuplicate || s.Dedup.DuplicateOf == nil {
			return nil
		}
		items, err := fetcher.GetItemsByIDs(ctx, []uuid.UUID{*s.Dedup.DuplicateOf})
		if err != nil {
			return fmt.Errorf("pipeline: load conflict prior: %w", err)
		}
		if len(items) == 0 {
			logger.Warn("dedup match no longer exists, proceeding as ADD",
				"prior_id", *s.Dedup.DuplicateOf)
			return nil
		}
		res := resolver.Resolve(ctx, s.Content, items[0])
		s.Resolution = &res
		return nil
	}
}

// Approver is the terminal write stage, implemented by the knowledge service
// so the insert, the conflict outcome, and the review-queue decision commit
// in one transaction.
type Approver interface {
	Approve(ctx context.Context, s *State) (model.IngestResult, error)
}

// ApprovalStage delegates to the approver and records its result.
func ApprovalStage(approver Approver) Stage {
	return func(ctx context.Context, s *State) error {
		res, err := approver.Approve(ctx, s)
		if err != nil {
			return fmt.Errorf("pipeline: approval: %w", err)
		}
		s.Result = res
		return nil
	}
}
