package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKnowledgeApproved is emitted when a pending contribution is approved
// into the commons.
const EventKnowledgeApproved = "knowledge.approved"

// WebhookEndpoint is a per-org delivery target.
type WebhookEndpoint struct {
	ID         uuid.UUID `json:"id"`
	OrgID      uuid.UUID `json:"org_id"`
	URL        string    `json:"url"`
	IsActive   bool      `json:"is_active"`
	EventTypes []string  `json:"event_types"`
	CreatedAt  time.Time `json:"created_at"`
}

// WantsEvent reports whether the endpoint subscribes to the named event.
func (w WebhookEndpoint) WantsEvent(event string) bool {
	for _, e := range w.EventTypes {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks a queued webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery is one queued delivery task. Rows are enqueued in the
// approval transaction so the commit happens-before any dispatch attempt.
type WebhookDelivery struct {
	ID           uuid.UUID      `json:"id"`
	EndpointID   uuid.UUID      `json:"endpoint_id"`
	URL          string         `json:"url"`
	Event        string         `json:"event"`
	Payload      []byte         `json:"-"`
	Attempts     int            `json:"attempts"`
	Status       DeliveryStatus `json:"status"`
	NextAttempt  time.Time      `json:"next_attempt_at"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// WebhookEnvelope is the JSON body POSTed to subscribers. Receivers must be
// idempotent on KnowledgeItemID; delivery is at-least-once.
type WebhookEnvelope struct {
	Event           string    `json:"event"`
	KnowledgeItemID uuid.UUID `json:"knowledge_item_id"`
	OrgID           uuid.UUID `json:"org_id"`
	Category        Category  `json:"category"`
	Timestamp       string    `json:"timestamp"`
}
