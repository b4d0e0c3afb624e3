package domain

import (
	"time"

	"deposit-hold-service/pkg/apperror"
)

// EventType is the gateway notification type.
type EventType string

const (
	EventAuthorizationSucceeded      EventType = "authorization.succeeded"
	EventAuthorizationFailed         EventType = "authorization.failed"
	EventAuthorizationRequiresAction EventType = "authorization.requires_action"
	EventAuthorizationCanceled       EventType = "authorization.canceled"
	EventCaptureSucceeded            EventType = "capture.succeeded"
	EventCaptureFailed               EventType = "capture.failed"
	EventRefundSucceeded             EventType = "refund.succeeded"
	EventDisputeCreated              EventType = "dispute.created"
)

// GatewayEvent is the JSON body of a gateway webhook.
type GatewayEvent struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

// EventData carries the object the event refers to.
type EventData struct {
	AuthorizationID string        `json:"authorization_id,omitempty"`
	RefundID        string        `json:"refund_id,omitempty"`
	Amount          int64         `json:"amount,omitempty"`
	Currency        string        `json:"currency,omitempty"`
	Status          string        `json:"status,omitempty"`
	FailureCode     string        `json:"failure_code,omitempty"`
	FailureMessage  string        `json:"failure_message,omitempty"`
	ActionURL       string        `json:"action_url,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Metadata        EventMetadata `json:"metadata"`
}

// EventMetadata is echoed back by the gateway from the authorization request.
type EventMetadata struct {
	DepositID string               `json:"deposit_id,omitempty"`
	Purpose   AuthorizationPurpose `json:"purpose,omitempty"`
}

// Validate checks the fields every event needs to be routed.
func (e *GatewayEvent) Validate() error {
	if e.ID == "" {
		return apperror.Validation("event id is required")
	}
	if e.Type == "" {
		return apperror.Validation("event type is required")
	}
	return nil
}

// WebhookEvent is the durable dedup record of a processed event.
type WebhookEvent struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}
