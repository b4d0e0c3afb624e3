package domain

import (
	"encoding/json"
	"time"
)

// RetryTaskKind names the consumer that owns a retry task.
type RetryTaskKind string

const (
	RetryKindWebhookEvent    RetryTaskKind = "webhook-event"
	RetryKindReauthorization RetryTaskKind = "reauthorization"
)

// RetryTask is durable deferred work created on the first transient failure.
// It is deleted on success and kept with DeadLetter set once attempts run out.
type RetryTask struct {
	ID            string          `json:"id"`
	Kind          RetryTaskKind   `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	DeadLetter    bool            `json:"dead_letter"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a copy that does not share the payload buffer.
func (t *RetryTask) Clone() *RetryTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	return &c
}

// ReauthorizationPayload is the payload of a reauthorization retry task.
type ReauthorizationPayload struct {
	DepositID               string `json:"deposit_id"`
	ExpectedAuthorizationID string `json:"expected_authorization_id"`
}

// RetryCounts summarizes the queue for the status snapshot.
type RetryCounts struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}
