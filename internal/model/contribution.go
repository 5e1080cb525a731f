package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// ContributionStatus tracks a pending contribution through review.
type ContributionStatus string

const (
	StatusPending      ContributionStatus = "pending"
	StatusApproved     ContributionStatus = "approved"
	StatusRejected     ContributionStatus = "rejected"
	StatusAutoApproved ContributionStatus = "auto_approved"
)

// PendingContribution is an unapproved proposal held in quarantine.
// Content is already PII-stripped at insert time; raw text is never stored.
type PendingContribution struct {
	ID            uuid.UUID          `json:"id"`
	OrgID         uuid.UUID          `json:"org_id"`
	SourceAgentID string             `json:"source_agent_id"`
	RunID         *string            `json:"run_id,omitempty"`
	Content       string             `json:"content"`
	Title         *string            `json:"title,omitempty"`
	Category      Category           `json:"category"`
	Tags          Tags               `json:"tags"`
	ContentHash   string             `json:"content_hash"`
	Embedding     *pgvector.Vector   `json:"-"`
	Confidence    float64            `json:"confidence"`
	Status        ContributionStatus `json:"status"`

	// IntegrityWarning is set when stored content no longer matches its hash.
	IntegrityWarning *string `json:"integrity_warning,omitempty"`

	ContributedAt time.Time  `json:"contributed_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy    *string    `json:"reviewed_by,omitempty"`
	ReviewNote    *string    `json:"review_note,omitempty"`
}

// IngestStatus is the terminal status of one ingestion pipeline run.
type IngestStatus string

const (
	IngestPending      IngestStatus = "pending"
	IngestAutoApproved IngestStatus = "auto_approved"
	IngestDuplicate    IngestStatus = "duplicate_detected"
	IngestRejected     IngestStatus = "rejected"
)

// IngestResult is returned by AddKnowledge. Duplicate detection is a
// successful outcome, not an error.
type IngestResult struct {
	Status      IngestStatus `json:"status"`
	ItemID      *uuid.UUID   `json:"item_id,omitempty"`
	DuplicateOf *uuid.UUID   `json:"duplicate_of,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Flagged     bool         `json:"flagged,omitempty"`
}

// AutoApproveRule lets an org skip the human queue for one category.
// Auto-approved items remain private; publishing is a separate action.
type AutoApproveRule struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Category  Category  `json:"category"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
