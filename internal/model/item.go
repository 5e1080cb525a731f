// Package model defines the domain types shared by storage, services, and transports.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Category is the closed vocabulary for knowledge classification.
type Category string

const (
	CategoryBugFix          Category = "bug_fix"
	CategoryWorkaround      Category = "workaround"
	CategoryConfiguration   Category = "configuration"
	CategoryDomainExpertise Category = "domain_expertise"
	CategoryTooling         Category = "tooling"
	CategoryArchitecture    Category = "architecture"
	CategoryOther           Category = "other"
)

// Categories lists every valid category, in display order.
var Categories = []Category{
	CategoryBugFix,
	CategoryWorkaround,
	CategoryConfiguration,
	CategoryDomainExpertise,
	CategoryTooling,
	CategoryArchitecture,
	CategoryOther,
}

// ValidCategory reports whether s is a member of the category vocabulary.
func ValidCategory(s string) bool {
	for _, c := range Categories {
		if string(c) == s {
			return true
		}
	}
	return false
}

// Tags is the structured flag bag attached to items and contributions.
// Known fields are reserved; Extra carries free-form classification tags.
type Tags struct {
	// Plain free-form tags supplied by the contributor.
	Labels []string `json:"labels,omitempty"`

	// ProvenanceLinks lists items merged into this one during distillation.
	ProvenanceLinks []uuid.UUID `json:"provenance_links,omitempty"`

	// SourceItemIDs lists the cluster members a generated summary condenses.
	SourceItemIDs []uuid.UUID `json:"source_item_ids,omitempty"`

	// ConflictFlagged marks an unresolved multi-hop conflict for human review.
	ConflictFlagged bool `json:"conflict_flagged,omitempty"`

	// ContradictionFlagged marks membership in a contradiction cluster.
	ContradictionFlagged bool `json:"contradiction_flagged,omitempty"`

	// FlaggedForReview marks a contribution caught by burst detection or
	// quality pre-screening. Flagged contributions always go to the queue.
	FlaggedForReview bool `json:"flagged_for_review,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// IsZero reports whether the bag carries no information.
func (t Tags) IsZero() bool {
	return len(t.Labels) == 0 && len(t.ProvenanceLinks) == 0 && len(t.SourceItemIDs) == 0 &&
		!t.ConflictFlagged && !t.ContradictionFlagged && !t.FlaggedForReview && len(t.Extra) == 0
}

// KnowledgeItem is an approved, canonical unit of knowledge.
//
// ContentHash and Embedding are set at insert and never updated; OrgID never
// changes. Bi-temporal columns: ValidAt/InvalidAt are world-time, ExpiredAt is
// system-time (nil means current version of its lineage).
type KnowledgeItem struct {
	ID            uuid.UUID        `json:"id"`
	OrgID         uuid.UUID        `json:"org_id"`
	Content       string           `json:"content"`
	Title         *string          `json:"title,omitempty"`
	Category      Category         `json:"category"`
	Tags          Tags             `json:"tags"`
	ContentHash   string           `json:"content_hash"`
	Embedding     *pgvector.Vector `json:"-"`
	SourceAgentID string           `json:"source_agent_id"`
	ContributedAt time.Time        `json:"contributed_at"`
	Confidence    float64          `json:"confidence"`
	IsPublic      bool             `json:"is_public"`

	QualityScore    float64 `json:"quality_score"`
	RetrievalCount  int64   `json:"retrieval_count"`
	HelpfulCount    int64   `json:"helpful_count"`
	NotHelpfulCount int64   `json:"not_helpful_count"`

	ValidAt   *time.Time `json:"valid_at,omitempty"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	LastRetrievedAt *time.Time `json:"last_retrieved_at,omitempty"`
}

// IsCurrent reports whether this row is the current system-time version.
func (k *KnowledgeItem) IsCurrent() bool {
	return k.ExpiredAt == nil
}

// SearchResult pairs an item with its fused retrieval score.
type SearchResult struct {
	Item       KnowledgeItem `json:"item"`
	FinalScore float64       `json:"final_score"`
}
