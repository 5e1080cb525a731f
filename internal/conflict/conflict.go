// Package conflict classifies the relationship between a new contribution
// and an existing near-duplicate.
//
// The resolver only decides; the knowledge service applies the outcome in the
// same transaction that inserts the new item. Resolution never blocks
// ingestion: a missing client, timeout, or malformed completion all default
// to ADD, and anything that needs multi-hop reasoning is flagged for human
// review instead of being auto-resolved.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/llm"
	"github.com/hivemind-dev/hivemind/internal/model"
)

// Outcome is the resolver's verdict.
type Outcome string

const (
	// OutcomeUpdate expires the existing item in system time; the new one
	// supersedes it.
	OutcomeUpdate Outcome = "UPDATE"
	// OutcomeAdd lets both coexist.
	OutcomeAdd Outcome = "ADD"
	// OutcomeNoop blocks the new item; it adds nothing.
	OutcomeNoop Outcome = "NOOP"
	// OutcomeVersionFork splits world time: the existing item gets
	// invalid_at = now, the new one carries valid_at = now.
	OutcomeVersionFork Outcome = "VERSION_FORK"
	// OutcomeFlagged marks a multi-hop conflict for human review; the new
	// item proceeds with a conflict flag instead of an automatic resolution.
	OutcomeFlagged Outcome = "FLAGGED_FOR_REVIEW"
)

// Resolution is the decision for one new/existing pair.
type Resolution struct {
	Outcome        Outcome
	Reason         string
	DirectConflict bool
	ExistingID     uuid.UUID
}

const conflictPrompt = `You are a knowledge conflict resolver. Compare NEW knowledge with EXISTING knowledge and determine the appropriate action. Respond with JSON only, no explanation outside the JSON:

{"action": "UPDATE" | "ADD" | "NOOP" | "VERSION_FORK", "reason": string, "is_direct_conflict": bool}

Rules:
- UPDATE: New knowledge supersedes existing (newer version, corrected info, better explanation)
- ADD: New knowledge is distinct enough to coexist (different angle, complementary perspective)
- NOOP: New knowledge adds nothing beyond existing (exact or near-exact semantic duplicate)
- VERSION_FORK: Both are valid but for different versions/contexts (e.g. Python 3.11 vs 3.12 behavior)
- Only resolve DIRECT single-hop conflicts. If the conflict involves multi-hop reasoning across multiple items, set is_direct_conflict=false.

NEW KNOWLEDGE:
%s

EXISTING KNOWLEDGE:
%s`

// Resolver wraps the completion client. A nil client disables resolution;
// every call then returns ADD.
type Resolver struct {
	client llm.Client
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(client llm.Client, logger *slog.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

type conflictResponse struct {
	Action           string `json:"action"`
	Reason           string `json:"reason"`
	IsDirectConflict *bool  `json:"is_direct_conflict"`
}

// Resolve classifies the conflict. It does not return an error: degraded
// paths produce an ADD resolution with the reason recorded.
func (r *Resolver) Resolve(ctx context.Context, newContent string, existing model.KnowledgeItem) Resolution {
	fallback := Resolution{
		Outcome:        OutcomeAdd,
		DirectConflict: true,
		ExistingID:     existing.ID,
	}

	if r.client == nil {
		fallback.Reason = "conflict resolution disabled, defaulting to ADD"
		return fallback
	}

	completion, err := r.client.Complete(ctx, fmt.Sprintf(conflictPrompt, newContent, existing.Content))
	if err != nil {
		r.logger.Warn("conflict resolution failed, defaulting to ADD",
			"existing_id", existing.ID, "error", err)
		fallback.Reason = fmt.Sprintf("resolver error, defaulting to ADD: %v", err)
		return fallback
	}

	raw, ok := llm.ExtractJSON(completion)
	if !ok {
		r.logger.Warn("conflict resolution returned no json, defaulting to ADD",
			"existing_id", existing.ID)
		fallback.Reason = "resolver returned no JSON, defaulting to ADD"
		return fallback
	}

	var resp conflictResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		r.logger.Warn("conflict resolution parse failed, defaulting to ADD",
			"existing_id", existing.ID, "error", err)
		fallback.Reason = fmt.Sprintf("resolver parse error, defaulting to ADD: %v", err)
		return fallback
	}

	direct := resp.IsDirectConflict == nil || *resp.IsDirectConflict
	if !direct {
		r.logger.Info("multi-hop conflict flagged for review", "existing_id", existing.ID)
		return Resolution{
			Outcome:        OutcomeFlagged,
			Reason:         resp.Reason,
			DirectConflict: false,
			ExistingID:     existing.ID,
		}
	}

	outcome := Outcome(strings.ToUpper(strings.TrimSpace(resp.Action)))
	switch outcome {
	case OutcomeUpdate, OutcomeAdd, OutcomeNoop, OutcomeVersionFork:
	default:
		r.logger.Warn("conflict resolution returned unexpected action, defaulting to ADD",
			"existing_id", existing.ID, "action", resp.Action)
		outcome = OutcomeAdd
	}

	return Resolution{
		Outcome:        outcome,
		Reason:         resp.Reason,
		DirectConflict: true,
		ExistingID:     existing.ID,
	}
}
