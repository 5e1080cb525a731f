package model

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant boundary. Every domain entity belongs to
// exactly one org; only the is_public flag crosses it on read.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a registered contributor identity within an org.
type Agent struct {
	ID           string     `json:"id"`
	OrgID        uuid.UUID  `json:"org_id"`
	DisplayName  string     `json:"display_name"`
	PasswordHash *string    `json:"-"` // Argon2id; set only for console operators.
	CreatedAt    time.Time  `json:"created_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

// Principal is an authenticated caller. Tier is empty for JWT principals;
// Roles is empty for API-key principals (roles come from policy tuples).
type Principal struct {
	OrgID   uuid.UUID `json:"org_id"`
	AgentID string    `json:"agent_id"`
	Tier    Tier      `json:"tier,omitempty"`
	Roles   []string  `json:"roles,omitempty"`
}

// HasRole reports whether the principal carries a token-level role claim.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OrgStats summarizes one org for the admin surface.
type OrgStats struct {
	OrgID        uuid.UUID `json:"org_id"`
	ItemCount    int64     `json:"item_count"`
	PublicCount  int64     `json:"public_count"`
	PendingCount int64     `json:"pending_count"`
	SignalCount  int64     `json:"signal_count"`
}
