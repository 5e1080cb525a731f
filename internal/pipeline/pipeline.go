// Package pipeline drives a contribution through the ordered ingestion
// stages. Each stage is a function over shared State; a *Reject error stops
// the run with a machine-readable reason, any other error aborts it. Nothing
// is persisted until the final approval stage, so earlier stages can fail
// without compensating writes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/hivemind-dev/hivemind/internal/conflict"
	"github.com/hivemind-dev/hivemind/internal/dedup"
	"github.com/hivemind-dev/hivemind/internal/model"
)

// Reject codes, stable across transports.
const (
	CodeRateLimited = "too_busy"
	CodeInjection   = "injection_detected"
	CodeTooMuchPII  = "too_much_pii"
)

// Reject is a terminal, expected pipeline outcome: the contribution is
// refused with a reason the caller can act on.
type Reject struct {
	Code   string
	Reason string
}

// Error implements error.
func (r *Reject) Error() string {
	return fmt.Sprintf("pipeline: rejected (%s): %s", r.Code, r.Reason)
}

// AsReject unwraps a *Reject from an error chain.
func AsReject(err error) (*Reject, bool) {
	var r *Reject
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// State is the contribution flowing through the stages.
type State struct {
	Principal  model.Principal
	Title      string
	Category   model.Category
	Confidence float64
	Labels     []string
	RunID      *string

	// RawContent is as submitted; Content is the post-redaction text that
	// all later stages and persistence use.
	RawContent string
	Content    string

	ContentHash    string
	Embedding      pgvector.Vector
	InjectionScore float64

	// Flagged routes the item to the review queue regardless of
	// auto-approve rules (burst detection).
	Flagged bool

	Dedup      dedup.Result
	Resolution *conflict.Resolution

	Result model.IngestResult
}

// Stage advances the state or stops the run.
type Stage func(ctx context.Context, s *State) error

// Runner executes stages in order.
type Runner struct {
	stages []Stage
	logger *slog.Logger
}

// NewRunner composes a pipeline. Stage order is the caller's contract.
func NewRunner(logger *slog.Logger, stages ...Stage) *Runner {
	return &Runner{stages: stages, logger: logger}
}

// Run executes the pipeline. A *Reject is returned as-is so transports can
// map the code; the final stage is responsible for populating s.Result.
func (r *Runner) Run(ctx context.Context, s *State) (model.IngestResult, error) {
	for _, stage := range r.stages {
		if err := stage(ctx, s); err != nil {
			if rej, ok := AsReject(err); ok {
				r.logger.Info("contribution rejected",
					"org_id", s.Principal.OrgID, "code", rej.Code, "reason", rej.Reason)
				return model.IngestResult{Status: model.IngestRejected, Reason: rej.Reason}, err
			}
			return model.IngestResult{}, err
		}
	}
	return s.Result, nil
}
