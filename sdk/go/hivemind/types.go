package hivemind

import (
	"time"

	"github.com/google/uuid"
)

// Knowledge categories accepted by AddKnowledge.
const (
	CategoryBugFix          = "bug_fix"
	CategoryWorkaround      = "workaround"
	CategoryConfiguration   = "configuration"
	CategoryDomainExpertise = "domain_expertise"
	CategoryTooling         = "tooling"
	CategoryArchitecture    = "architecture"
	CategoryOther           = "other"
)

// Outcome values accepted by ReportOutcome.
const (
	OutcomeSolved     = "solved"
	OutcomeDidNotHelp = "did_not_help"
)

// Ingestion statuses returned by AddKnowledge.
const (
	IngestPending      = "pending"
	IngestAutoApproved = "auto_approved"
	IngestDuplicate    = "duplicate_detected"
	IngestRejected     = "rejected"
)

// Tags is the structured flag bag attached to items and contributions.
type Tags struct {
	Labels               []string       `json:"labels,omitempty"`
	ProvenanceLinks      []uuid.UUID    `json:"provenance_links,omitempty"`
	SourceItemIDs        []uuid.UUID    `json:"source_item_ids,omitempty"`
	ConflictFlagged      bool           `json:"conflict_flagged,omitempty"`
	ContradictionFlagged bool           `json:"contradiction_flagged,omitempty"`
	FlaggedForReview     bool           `json:"flagged_for_review,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// KnowledgeItem mirrors the server's knowledge item for API consumers.
// The embedding vector is internal to the server and never serialized.
type KnowledgeItem struct {
	ID            uuid.UUID `json:"id"`
	OrgID         uuid.UUID `json:"org_id"`
	Content       string    `json:"content"`
	Title         *string   `json:"title,omitempty"`
	Category      string    `json:"category"`
	Tags          Tags      `json:"tags"`
	ContentHash   string    `json:"content_hash"`
	SourceAgentID string    `json:"source_agent_id"`
	ContributedAt time.Time `json:"contributed_at"`
	Confidence    float64   `json:"confidence"`
	IsPublic      bool      `json:"is_public"`

	QualityScore    float64 `json:"quality_score"`
	RetrievalCount  int64   `json:"retrieval_count"`
	HelpfulCount    int64   `json:"helpful_count"`
	NotHelpfulCount int64   `json:"not_helpful_count"`

	ValidAt   *time.Time `json:"valid_at,omitempty"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`

	LastRetrievedAt *time.Time `json:"last_retrieved_at,omitempty"`
}

// SearchResult pairs an item with its fused retrieval score.
type SearchResult struct {
	Item       KnowledgeItem `json:"item"`
	FinalScore float64       `json:"final_score"`
}

// PendingContribution is an unapproved proposal held in the review queue.
type PendingContribution struct {
	ID            uuid.UUID  `json:"id"`
	OrgID         uuid.UUID  `json:"org_id"`
	SourceAgentID string     `json:"source_agent_id"`
	RunID         *string    `json:"run_id,omitempty"`
	Content       string     `json:"content"`
	Title         *string    `json:"title,omitempty"`
	Category      string     `json:"category"`
	Tags          Tags       `json:"tags"`
	ContentHash   string     `json:"content_hash"`
	Confidence    float64    `json:"confidence"`
	Status        string     `json:"status"`
	ContributedAt time.Time  `json:"contributed_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy    *string    `json:"reviewed_by,omitempty"`
	ReviewNote    *string    `json:"review_note,omitempty"`
}

// IngestResult is returned by AddKnowledge. Duplicate detection is a
// successful outcome, not an error.
type IngestResult struct {
	Status      string     `json:"status"`
	ItemID      *uuid.UUID `json:"item_id,omitempty"`
	DuplicateOf *uuid.UUID `json:"duplicate_of,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Flagged     bool       `json:"flagged,omitempty"`
}

// AddKnowledgeRequest is the body for AddKnowledge.
type AddKnowledgeRequest struct {
	Content    string   `json:"content"`
	Title      *string  `json:"title,omitempty"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	RunID      *string  `json:"run_id,omitempty"`
}

// SearchFilters narrows a search. Version is honored only with AtTime.
type SearchFilters struct {
	Category *string    `json:"category,omitempty"`
	AtTime   *time.Time `json:"at_time,omitempty"`
	Version  *string    `json:"version,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// SearchResponse wraps ranked results.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// FetchResponse is returned by Fetch. IntegrityWarning is non-empty when the
// stored content no longer matches its hash; the item is still returned.
type FetchResponse struct {
	Item              KnowledgeItem `json:"item"`
	IntegrityVerified bool          `json:"integrity_verified"`
	IntegrityWarning  string        `json:"integrity_warning,omitempty"`
}

// OutcomeResponse reports idempotent outcome recording.
type OutcomeResponse struct {
	Status string `json:"status"` // recorded | already_recorded
}

// List is the server's paged list envelope.
type List[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// APIKey is a minted credential. The raw secret appears only in the
// MintKey response.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	KeyPrefix  string     `json:"key_prefix"`
	OrgID      uuid.UUID  `json:"org_id"`
	AgentID    string     `json:"agent_id"`
	Tier       string     `json:"tier"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// MintedKey is the MintKey response: the key row plus the one-time secret.
type MintedKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

// WebhookEndpoint is a per-org delivery target.
type WebhookEndpoint struct {
	ID         uuid.UUID `json:"id"`
	OrgID      uuid.UUID `json:"org_id"`
	URL        string    `json:"url"`
	IsActive   bool      `json:"is_active"`
	EventTypes []string  `json:"event_types"`
	CreatedAt  time.Time `json:"created_at"`
}

// AutoApproveRule lets an org skip the review queue for one category.
type AutoApproveRule struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Category  string    `json:"category"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// OrgStats is the admin stats view.
type OrgStats struct {
	OrgID        uuid.UUID `json:"org_id"`
	ItemCount    int64     `json:"item_count"`
	PublicCount  int64     `json:"public_count"`
	PendingCount int64     `json:"pending_count"`
	SignalCount  int64     `json:"signal_count"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// PolicyRequest is one authorization tuple.
type PolicyRequest struct {
	Subject string `json:"subject"`
	Object  string `json:"object"`
	Action  string `json:"action"`
}

// RoleRequest assigns or removes a named role.
type RoleRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}
