package model

import (
	"time"

	"github.com/google/uuid"
)

// SignalType enumerates behavioral evidence kinds.
type SignalType string

const (
	SignalRetrieval     SignalType = "retrieval"
	SignalSolved        SignalType = "outcome_solved"
	SignalNotHelpful    SignalType = "outcome_not_helpful"
	SignalContradiction SignalType = "contradiction"
)

// QualitySignal is one row of the append-only behavioral log.
// RunID, when present, scopes outcome idempotency to (item, agent, run).
type QualitySignal struct {
	ID              uuid.UUID      `json:"id"`
	KnowledgeItemID uuid.UUID      `json:"knowledge_item_id"`
	SignalType      SignalType     `json:"signal_type"`
	AgentID         string         `json:"agent_id"`
	RunID           *string        `json:"run_id,omitempty"`
	Metadata        map[string]any `json:"signal_metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Outcome is the caller-facing vocabulary for ReportOutcome.
type Outcome string

const (
	OutcomeSolved     Outcome = "solved"
	OutcomeDidNotHelp Outcome = "did_not_help"
)

// SignalCounts aggregates one item's behavioral history for scoring.
type SignalCounts struct {
	KnowledgeItemID    uuid.UUID
	HelpfulCount       int64
	NotHelpfulCount    int64
	RetrievalCount     int64
	ContradictionCount int64
	OutcomeCount       int64
	LastRetrievedAt    *time.Time
	ContributedAt      time.Time
	IsCurrent          bool
}
