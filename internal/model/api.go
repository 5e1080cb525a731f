package model

import (
	"time"

	"github.com/google/uuid"
)

// Request/response bodies for the HTTP surface. The MCP tools reuse the
// same shapes so both transports stay thin adapters over the core service.

// AddKnowledgeRequest is the body for POST /v1/knowledge.
type AddKnowledgeRequest struct {
	Content    string   `json:"content"`
	Title      *string  `json:"title,omitempty"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence,omitempty"` // Default 0.8.
	Tags       []string `json:"tags,omitempty"`
	RunID      *string  `json:"run_id,omitempty"`
}

// SearchFilters narrows a search.
type SearchFilters struct {
	Category *Category  `json:"category,omitempty"`
	AtTime   *time.Time `json:"at_time,omitempty"`
	Version  *string    `json:"version,omitempty"` // Honored only with AtTime.
	Limit    int        `json:"limit,omitempty"`
}

// SearchKnowledgeRequest is the body for POST /v1/knowledge/search.
type SearchKnowledgeRequest struct {
	Query   string        `json:"query"`
	Filters SearchFilters `json:"filters"`
}

// SearchKnowledgeResponse wraps ranked results.
type SearchKnowledgeResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// FetchResponse is the body for GET /v1/knowledge/{id}. IntegrityWarning is
// non-empty when the stored content no longer matches its hash; the item is
// still returned.
type FetchResponse struct {
	Item              KnowledgeItem `json:"item"`
	IntegrityVerified bool          `json:"integrity_verified"`
	IntegrityWarning  string        `json:"integrity_warning,omitempty"`
}

// ReportOutcomeRequest is the body for POST /v1/knowledge/{id}/outcome.
type ReportOutcomeRequest struct {
	Outcome Outcome `json:"outcome"`
	RunID   *string `json:"run_id,omitempty"`
}

// ReportOutcomeResponse reports idempotent recording.
type ReportOutcomeResponse struct {
	Status string `json:"status"` // recorded | already_recorded
}

// PublishRequest toggles commons visibility.
type PublishRequest struct {
	Public bool `json:"public"`
}

// ReviewRequest carries an operator's approve/reject note.
type ReviewRequest struct {
	Note *string `json:"note,omitempty"`
}

// CreateWebhookRequest is the body for POST /v1/webhooks.
type CreateWebhookRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

// CreateAutoApproveRuleRequest is the body for POST /v1/auto-approve-rules.
type CreateAutoApproveRuleRequest struct {
	Category string `json:"category"`
}

// CreateKeyRequest is the body for POST /v1/keys.
type CreateKeyRequest struct {
	AgentID string `json:"agent_id"`
	Tier    string `json:"tier"`
}

// PolicyRequest is the body for policy add/remove.
type PolicyRequest struct {
	Subject string `json:"subject"`
	Object  string `json:"object"`
	Action  string `json:"action"`
}

// RoleRequest is the body for role assign/unassign.
type RoleRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// ListResponse is a generic paged list envelope.
type ListResponse[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// IDResponse returns a created entity id.
type IDResponse struct {
	ID uuid.UUID `json:"id"`
}

// AuthTokenRequest exchanges a credential for a short-lived JWT. Agents send
// an API key; operator consoles send org_id + agent_id + password instead.
type AuthTokenRequest struct {
	APIKey   string    `json:"api_key,omitempty"`
	OrgID    uuid.UUID `json:"org_id,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	Password string    `json:"password,omitempty"`
}

// AuthTokenResponse carries the issued token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// APIResponse is the standard envelope for all HTTP responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta is included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRejected      = "CONTENT_REJECTED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
