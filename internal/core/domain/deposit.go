package domain

import (
	"fmt"
	"time"

	"deposit-hold-service/pkg/apperror"
)

// DepositStatus represents the lifecycle state of a deposit.
type DepositStatus string

const (
	DepositStatusPendingVerification DepositStatus = "pending_verification"
	DepositStatusAuthorized          DepositStatus = "authorized"
	DepositStatusRequiresAction      DepositStatus = "requires_action"
	DepositStatusCaptured            DepositStatus = "captured"
	DepositStatusPartiallyRefunded   DepositStatus = "partially_refunded"
	DepositStatusRefunded            DepositStatus = "refunded"
	DepositStatusReleased            DepositStatus = "released"
	DepositStatusCanceled            DepositStatus = "canceled"
	DepositStatusFailed              DepositStatus = "failed"
)

// transitions is the legal transition graph. A status missing from the map is terminal.
// requires_action returns to pending_verification when a verification step-up completes.
var transitions = map[DepositStatus][]DepositStatus{
	DepositStatusPendingVerification: {DepositStatusAuthorized, DepositStatusRequiresAction, DepositStatusFailed},
	DepositStatusAuthorized:          {DepositStatusCaptured, DepositStatusReleased, DepositStatusFailed, DepositStatusAuthorized},
	DepositStatusRequiresAction:      {DepositStatusPendingVerification, DepositStatusAuthorized, DepositStatusFailed, DepositStatusCanceled},
	DepositStatusCaptured:            {DepositStatusRefunded, DepositStatusPartiallyRefunded},
	DepositStatusPartiallyRefunded:   {DepositStatusRefunded, DepositStatusPartiallyRefunded},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to DepositStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transition leaves the status.
func (s DepositStatus) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Valid returns true for known statuses.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositStatusPendingVerification, DepositStatusAuthorized, DepositStatusRequiresAction,
		DepositStatusCaptured, DepositStatusPartiallyRefunded, DepositStatusRefunded,
		DepositStatusReleased, DepositStatusCanceled, DepositStatusFailed:
		return true
	}
	return false
}

// AuthorizationPurpose tags why an authorization was requested.
type AuthorizationPurpose string

const (
	PurposeVerification    AuthorizationPurpose = "verification"
	PurposeHold            AuthorizationPurpose = "hold"
	PurposeReauthorization AuthorizationPurpose = "reauthorization"
)

// AuthorizationAttempt is one entry of the append-only authorization history.
type AuthorizationAttempt struct {
	AuthorizationID string               `json:"authorization_id,omitempty"`
	Purpose         AuthorizationPurpose `json:"purpose"`
	Amount          int64                `json:"amount"`
	At              time.Time            `json:"at"`
	Success         bool                 `json:"success"`
	Error           string               `json:"error,omitempty"`
}

// CaptureAttempt is one entry of the append-only capture history.
type CaptureAttempt struct {
	AuthorizationID string    `json:"authorization_id"`
	Amount          int64     `json:"amount"`
	At              time.Time `json:"at"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
}

// RefundAttempt records a refund applied to the captured amount.
type RefundAttempt struct {
	RefundID        string    `json:"refund_id"`
	AuthorizationID string    `json:"authorization_id"`
	Amount          int64     `json:"amount"`
	At              time.Time `json:"at"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
}

// DepositError is the last failure observed for a deposit.
type DepositError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ActionRequired flags a deposit for a customer step-up or operator attention.
type ActionRequired struct {
	Type   string    `json:"type"` // "customer_action" or "dispute"
	URL    string    `json:"url,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

const (
	ActionTypeCustomer = "customer_action"
	ActionTypeDispute  = "dispute"
)

// Lease is a short-lived claim held while a gateway call for the deposit is in flight.
type Lease struct {
	Token      string    `json:"token"`
	Operation  string    `json:"operation"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lease still blocks other workers at now.
func (l *Lease) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Deposit is a refundable security deposit held as a card authorization.
// Amounts are in minor units of Currency.
type Deposit struct {
	ID              string            `json:"id"`
	CustomerID      string            `json:"customer_id"`
	PaymentMethodID string            `json:"payment_method_id"`
	Currency        string            `json:"currency"`
	HoldAmount      int64             `json:"hold_amount"`
	Status          DepositStatus     `json:"status"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	VerificationAuthorizationID string `json:"verification_authorization_id,omitempty"`
	ActiveAuthorizationID       string `json:"active_authorization_id,omitempty"`
	CaptureAuthorizationID      string `json:"capture_authorization_id,omitempty"`

	CapturedAmount int64 `json:"captured_amount"`
	RefundedAmount int64 `json:"refunded_amount"`
	ReleasedAmount int64 `json:"released_amount"`

	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	InitialAuthorizationAt *time.Time `json:"initial_authorization_at,omitempty"`
	LastAuthorizationAt    *time.Time `json:"last_authorization_at,omitempty"`
	CapturedAt             *time.Time `json:"captured_at,omitempty"`
	ReleasedAt             *time.Time `json:"released_at,omitempty"`

	AuthorizationHistory []AuthorizationAttempt `json:"authorization_history"`
	CaptureHistory       []CaptureAttempt       `json:"capture_history"`
	RefundHistory        []RefundAttempt        `json:"refund_history"`

	LastError      *DepositError   `json:"last_error,omitempty"`
	ActionRequired *ActionRequired `json:"action_required,omitempty"`

	Lease             *Lease `json:"lease,omitempty"`
	ReauthRetryTaskID string `json:"reauth_retry_task_id,omitempty"`
	Version           int64  `json:"version"`
}

// TransitionTo moves the deposit to status to, or returns a DEP_409 conflict.
func (d *Deposit) TransitionTo(to DepositStatus) error {
	if !CanTransition(d.Status, to) {
		return apperror.ErrInvalidTransition(string(d.Status), string(to))
	}
	d.Status = to
	if to != DepositStatusFailed {
		d.LastError = nil
	}
	if d.ActionRequired != nil && d.ActionRequired.Type == ActionTypeCustomer && to != DepositStatusRequiresAction {
		d.ActionRequired = nil
	}
	return nil
}

// Fail records err and moves the deposit to failed.
func (d *Deposit) Fail(code, message string, at time.Time) error {
	if err := d.TransitionTo(DepositStatusFailed); err != nil {
		return err
	}
	d.LastError = &DepositError{Code: code, Message: message, At: at}
	return nil
}

// AvailableRefund is the captured amount not yet refunded.
func (d *Deposit) AvailableRefund() int64 {
	return d.CapturedAmount - d.RefundedAmount
}

// HasRefund reports whether a refund with the given gateway ID was already applied.
func (d *Deposit) HasRefund(refundID string) bool {
	for _, r := range d.RefundHistory {
		if r.RefundID == refundID {
			return true
		}
	}
	return false
}

// RefundByKey returns the refund applied under the caller idempotency key, if any.
func (d *Deposit) RefundByKey(key string) *RefundAttempt {
	if key == "" {
		return nil
	}
	for i := range d.RefundHistory {
		if d.RefundHistory[i].IdempotencyKey == key {
			return &d.RefundHistory[i]
		}
	}
	return nil
}

// AcquireLease claims the deposit for op until now+ttl. A live lease held by
// another token is a DEP_423 conflict.
func (d *Deposit) AcquireLease(op, token string, now time.Time, ttl time.Duration) error {
	if d.Lease.Live(now) && d.Lease.Token != token {
		return apperror.ErrLeaseHeld(d.Lease.Operation)
	}
	d.Lease = &Lease{Token: token, Operation: op, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

// ReleaseLease drops the lease held under token. It fails only when another
// worker holds a live lease, which means ours expired and was taken over.
func (d *Deposit) ReleaseLease(token string, now time.Time) error {
	if d.Lease != nil && d.Lease.Token != token && d.Lease.Live(now) {
		return apperror.ErrLeaseHeld(d.Lease.Operation)
	}
	d.Lease = nil
	return nil
}

// CheckInvariants validates the amount bounds every stored deposit must satisfy.
func (d *Deposit) CheckInvariants() error {
	switch {
	case !d.Status.Valid():
		return apperror.InternalError(fmt.Errorf("deposit %s: unknown status %q", d.ID, d.Status))
	case d.HoldAmount <= 0:
		return apperror.InternalError(fmt.Errorf("deposit %s: hold amount %d not positive", d.ID, d.HoldAmount))
	case d.CapturedAmount < 0 || d.RefundedAmount < 0 || d.ReleasedAmount < 0:
		return apperror.InternalError(fmt.Errorf("deposit %s: negative amount", d.ID))
	case d.CapturedAmount > d.HoldAmount:
		return apperror.InternalError(fmt.Errorf("deposit %s: captured %d exceeds hold %d", d.ID, d.CapturedAmount, d.HoldAmount))
	case d.RefundedAmount > d.CapturedAmount:
		return apperror.InternalError(fmt.Errorf("deposit %s: refunded %d exceeds captured %d", d.ID, d.RefundedAmount, d.CapturedAmount))
	case d.ReleasedAmount > d.HoldAmount:
		return apperror.InternalError(fmt.Errorf("deposit %s: released %d exceeds hold %d", d.ID, d.ReleasedAmount, d.HoldAmount))
	}
	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	c := *d
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	c.InitialAuthorizationAt = cloneTime(d.InitialAuthorizationAt)
	c.LastAuthorizationAt = cloneTime(d.LastAuthorizationAt)
	c.CapturedAt = cloneTime(d.CapturedAt)
	c.ReleasedAt = cloneTime(d.ReleasedAt)
	c.AuthorizationHistory = append([]AuthorizationAttempt(nil), d.AuthorizationHistory...)
	c.CaptureHistory = append([]CaptureAttempt(nil), d.CaptureHistory...)
	c.RefundHistory = append([]RefundAttempt(nil), d.RefundHistory...)
	if d.LastError != nil {
		e := *d.LastError
		c.LastError = &e
	}
	if d.ActionRequired != nil {
		a := *d.ActionRequired
		c.ActionRequired = &a
	}
	if d.Lease != nil {
		l := *d.Lease
		c.Lease = &l
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
