// Package dedup implements three-stage near-duplicate detection for new
// contributions.
//
// Stage 1 retrieves the closest items by embedding cosine distance. Stage 2
// narrows them to candidates that also match lexically via MinHash LSH.
// Stage 3 asks an LLM to confirm semantic duplication. Each stage filters:
// an empty candidate set short-circuits to ADD, and any internal failure
// degrades to ADD rather than blocking ingestion.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/hivemind-dev/hivemind/internal/llm"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

// Action is the pipeline verdict.
type Action string

const (
	ActionAdd       Action = "ADD"
	ActionDuplicate Action = "DUPLICATE"
)

// maxLLMCandidates bounds stage 3 calls per contribution.
const maxLLMCandidates = 3

// Result carries the verdict plus enough context for logging and the
// review queue.
type Result struct {
	Action      Action
	DuplicateOf *uuid.UUID
	Confidence  float64
	Reason      string
	StagesRun   []string
}

// Store is the slice of the storage layer stage 1 needs.
type Store interface {
	FindSimilar(ctx context.Context, callerOrg uuid.UUID, probe pgvector.Vector, maxDistance float64, topK int) ([]storage.ItemDistance, error)
	CurrentItemsForIndex(ctx context.Context, fn func(storage.IndexEntry) error) error
}

// Config tunes the stages.
type Config struct {
	CosineThreshold float64 // max cosine distance for stage 1 candidates
	CosineTopK      int
	LLMEnabled      bool
}

// Pipeline runs the three stages in order.
type Pipeline struct {
	store  Store
	index  *Index
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// NewPipeline assembles the pipeline. client may be nil; stage 3 is then
// skipped and similar-but-unconfirmed items are added normally.
func NewPipeline(store Store, index *Index, client llm.Client, cfg Config, logger *slog.Logger) *Pipeline {
	if client == nil {
		cfg.LLMEnabled = false
	}
	return &Pipeline{store: store, index: index, client: client, cfg: cfg, logger: logger}
}

// RebuildIndex repopulates the LSH index from the store. Run at startup and
// after config changes to the MinHash parameters.
func (p *Pipeline) RebuildIndex(ctx context.Context) (int, error) {
	count := 0
	err := p.store.CurrentItemsForIndex(ctx, func(e storage.IndexEntry) error {
		p.index.Insert(e.ID.String(), e.Content)
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("dedup: rebuild index: %w", err)
	}
	p.logger.Info("lsh index rebuilt", "items", count)
	return count, nil
}

// IndexItem registers an approved item for future lexical matching.
func (p *Pipeline) IndexItem(id uuid.UUID, content string) {
	p.index.Insert(id.String(), content)
}

// UnindexItem drops an expired or deleted item.
func (p *Pipeline) UnindexItem(id uuid.UUID) {
	p.index.Remove(id.String())
}

// Check runs the pipeline for a new contribution. probe is the contribution's
// embedding; orgID scopes stage 1 to the caller's visible items.
func (p *Pipeline) Check(ctx context.Context, orgID uuid.UUID, content string, probe pgvector.Vector) (Result, error) {
	res := Result{Action: ActionAdd, StagesRun: []string{"cosine"}}

	candidates, err := p.store.FindSimilar(ctx, orgID, probe, p.cfg.CosineThreshold, p.cfg.CosineTopK)
	if err != nil {
		return Result{}, fmt.Errorf("dedup: cosine stage: %w", err)
	}
	if len(candidates) == 0 {
		return res, nil
	}

	// Stage 2: keep only candidates that also match by Jaccard similarity.
	// Similar embedding without lexical overlap means related but distinct.
	res.StagesRun = append(res.StagesRun, "minhash")
	lexical := make(map[string]struct{})
	for _, id := range p.index.Query(content) {
		lexical[id] = struct{}{}
	}
	var intersection []storage.ItemDistance
	for _, c := range candidates {
		if _, ok := lexical[c.Item.ID.String()]; ok {
			intersection = append(intersection, c)
		}
	}
	if len(intersection) == 0 {
		return res, nil
	}

	if !p.cfg.LLMEnabled {
		p.logger.Debug("dedup llm stage disabled, adding despite candidates",
			"candidates", len(intersection))
		return res, nil
	}

	// Stage 3: LLM confirmation on the closest few.
	res.StagesRun = append(res.StagesRun, "llm")
	if len(intersection) > maxLLMCandidates {
		intersection = intersection[:maxLLMCandidates]
	}

	for _, c := range intersection {
		verdict := p.confirmDuplicate(ctx, content, c.Item.Content)
		if verdict.IsDuplicate && verdict.Confidence > res.Confidence {
			id := c.Item.ID
			res.Action = ActionDuplicate
			res.DuplicateOf = &id
			res.Confidence = verdict.Confidence
			res.Reason = verdict.Reason
		}
	}
	if res.Action == ActionDuplicate {
		p.logger.Info("duplicate confirmed",
			"duplicate_of", res.DuplicateOf, "confidence", res.Confidence)
	}
	return res, nil
}

const dedupPrompt = `You are a deduplication assistant. Compare these two knowledge items and determine if they are semantically duplicate (same information, possibly different wording). Respond with JSON only, no explanation outside the JSON:

{"is_duplicate": bool, "confidence": float, "reason": string}

ITEM A:
%s

ITEM B:
%s`

type llmVerdict struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// confirmDuplicate never fails: timeouts, transport errors, and malformed
// completions all read as not-a-duplicate so ingestion continues.
func (p *Pipeline) confirmDuplicate(ctx context.Context, contentA, contentB string) llmVerdict {
	completion, err := p.client.Complete(ctx, fmt.Sprintf(dedupPrompt, contentA, contentB))
	if err != nil {
		p.logger.Warn("dedup llm stage skipped", "error", err)
		return llmVerdict{}
	}
	raw, ok := llm.ExtractJSON(completion)
	if !ok {
		p.logger.Warn("dedup llm stage returned no json",
			"completion", truncate(completion, 200))
		return llmVerdict{}
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		p.logger.Warn("dedup llm stage parse failed", "error", err)
		return llmVerdict{}
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
