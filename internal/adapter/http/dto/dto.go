package dto

import (
	"encoding/json"
	"strings"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/money"
)

// InitializeDepositRequest is the request body for placing a deposit hold.
// HoldAmount is a major-unit decimal string such as "150.00".
type InitializeDepositRequest struct {
	ID              string            `json:"id,omitempty" binding:"omitempty,max=64,safe_id"`
	CustomerID      string            `json:"customer_id" binding:"required,max=255"`
	PaymentMethodID string            `json:"payment_method_id" binding:"required,max=255,safe_id"`
	Currency        string            `json:"currency" binding:"required,len=3,alpha"`
	HoldAmount      string            `json:"hold_amount" binding:"required,decimal_amount"`
	Metadata        map[string]string `json:"metadata,omitempty" binding:"max=50"`
}

// ToPort converts the body into service input. This is the only place the
// hold amount crosses from major to minor units.
func (r InitializeDepositRequest) ToPort() (ports.InitializeRequest, error) {
	currency := strings.ToLower(r.Currency)
	amount, err := money.ParseMinor(r.HoldAmount, currency)
	if err != nil {
		return ports.InitializeRequest{}, err
	}
	return ports.InitializeRequest{
		ID:              r.ID,
		CustomerID:      r.CustomerID,
		PaymentMethodID: r.PaymentMethodID,
		Currency:        currency,
		HoldAmount:      amount,
		Metadata:        r.Metadata,
	}, nil
}

// CaptureRequest captures Amount, or the full hold when Amount is omitted.
type CaptureRequest struct {
	Amount *string `json:"amount,omitempty" binding:"omitempty,decimal_amount"`
}

// RefundRequest refunds part of the captured amount. Re-sending the same
// IdempotencyKey returns the first result.
type RefundRequest struct {
	Amount         string `json:"amount" binding:"required,decimal_amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty" binding:"omitempty,max=255,safe_id"`
}

// Money carries an amount in both representations.
type Money struct {
	Amount string `json:"amount"`
	Minor  int64  `json:"minor"`
}

func newMoney(minor int64, currency string) Money {
	return Money{Amount: money.FromMinor(minor, currency), Minor: minor}
}

// AuthorizationResponse is one entry of the authorization history.
type AuthorizationResponse struct {
	AuthorizationID string `json:"authorization_id,omitempty"`
	Purpose         string `json:"purpose"`
	Amount          Money  `json:"amount"`
	At              string `json:"at"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// CaptureResponse is one entry of the capture history.
type CaptureResponse struct {
	AuthorizationID string `json:"authorization_id"`
	Amount          Money  `json:"amount"`
	At              string `json:"at"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// RefundResponse is one applied refund.
type RefundResponse struct {
	RefundID       string `json:"refund_id"`
	Amount         Money  `json:"amount"`
	At             string `json:"at"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ActionResponse flags a deposit that needs a customer step-up or operator attention.
type ActionResponse struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

// LastErrorResponse is the last failure observed for a deposit.
type LastErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// DepositResponse is the API view of a deposit.
type DepositResponse struct {
	ID                    string             `json:"id"`
	CustomerID            string             `json:"customer_id"`
	PaymentMethodID       string             `json:"payment_method_id"`
	Currency              string             `json:"currency"`
	Status                string             `json:"status"`
	HoldAmount            Money              `json:"hold_amount"`
	CapturedAmount        Money              `json:"captured_amount"`
	RefundedAmount        Money              `json:"refunded_amount"`
	ReleasedAmount        Money              `json:"released_amount"`
	AvailableRefund       Money              `json:"available_refund"`
	ActiveAuthorizationID string             `json:"active_authorization_id,omitempty"`
	Metadata              map[string]string  `json:"metadata,omitempty"`
	ActionRequired        *ActionResponse    `json:"action_required,omitempty"`
	LastError             *LastErrorResponse `json:"last_error,omitempty"`
	LastAuthorizationAt   *string            `json:"last_authorization_at,omitempty"`
	CapturedAt            *string            `json:"captured_at,omitempty"`
	ReleasedAt            *string            `json:"released_at,omitempty"`
	CreatedAt             string             `json:"created_at"`
	UpdatedAt             string             `json:"updated_at"`

	AuthorizationHistory []AuthorizationResponse `json:"authorization_history"`
	CaptureHistory       []CaptureResponse       `json:"capture_history"`
	RefundHistory        []RefundResponse        `json:"refund_history"`
}

// FromDeposit renders d for the API.
func FromDeposit(d *domain.Deposit) DepositResponse {
	cur := d.Currency
	resp := DepositResponse{
		ID:                    d.ID,
		CustomerID:            d.CustomerID,
		PaymentMethodID:       d.PaymentMethodID,
		Currency:              cur,
		Status:                string(d.Status),
		HoldAmount:            newMoney(d.HoldAmount, cur),
		CapturedAmount:        newMoney(d.CapturedAmount, cur),
		RefundedAmount:        newMoney(d.RefundedAmount, cur),
		ReleasedAmount:        newMoney(d.ReleasedAmount, cur),
		AvailableRefund:       newMoney(d.AvailableRefund(), cur),
		ActiveAuthorizationID: d.ActiveAuthorizationID,
		Metadata:              d.Metadata,
		LastAuthorizationAt:   formatTimePtr(d.LastAuthorizationAt),
		CapturedAt:            formatTimePtr(d.CapturedAt),
		ReleasedAt:            formatTimePtr(d.ReleasedAt),
		CreatedAt:             formatTime(d.CreatedAt),
		UpdatedAt:             formatTime(d.UpdatedAt),
		AuthorizationHistory:  make([]AuthorizationResponse, 0, len(d.AuthorizationHistory)),
		CaptureHistory:        make([]CaptureResponse, 0, len(d.CaptureHistory)),
		RefundHistory:         make([]RefundResponse, 0, len(d.RefundHistory)),
	}
	if a := d.ActionRequired; a != nil {
		resp.ActionRequired = &ActionResponse{Type: a.Type, URL: a.URL, Reason: a.Reason, At: formatTime(a.At)}
	}
	if e := d.LastError; e != nil {
		resp.LastError = &LastErrorResponse{Code: e.Code, Message: e.Message, At: formatTime(e.At)}
	}
	for _, a := range d.AuthorizationHistory {
		resp.AuthorizationHistory = append(resp.AuthorizationHistory, AuthorizationResponse{
			AuthorizationID: a.AuthorizationID,
			Purpose:         string(a.Purpose),
			Amount:          newMoney(a.Amount, cur),
			At:              formatTime(a.At),
			Success:         a.Success,
			Error:           a.Error,
		})
	}
	for _, c := range d.CaptureHistory {
		resp.CaptureHistory = append(resp.CaptureHistory, CaptureResponse{
			AuthorizationID: c.AuthorizationID,
			Amount:          newMoney(c.Amount, cur),
			At:              formatTime(c.At),
			Success:         c.Success,
			Error:           c.Error,
		})
	}
	for _, r := range d.RefundHistory {
		resp.RefundHistory = append(resp.RefundHistory, RefundResponse{
			RefundID:       r.RefundID,
			Amount:         newMoney(r.Amount, cur),
			At:             formatTime(r.At),
			IdempotencyKey: r.IdempotencyKey,
		})
	}
	return resp
}

// FromDeposits renders a list of deposits.
func FromDeposits(ds []*domain.Deposit) []DepositResponse {
	out := make([]DepositResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, FromDeposit(d))
	}
	return out
}

// RetryTaskResponse is the read-only view of a dead-lettered task.
type RetryTaskResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	NextAttemptAt string          `json:"next_attempt_at"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// FromRetryTasks renders retry tasks for operators.
func FromRetryTasks(tasks []*domain.RetryTask) []RetryTaskResponse {
	out := make([]RetryTaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, RetryTaskResponse{
			ID:            t.ID,
			Kind:          string(t.Kind),
			Attempts:      t.Attempts,
			LastError:     t.LastError,
			Payload:       t.Payload,
			NextAttemptAt: formatTime(t.NextAttemptAt),
			CreatedAt:     formatTime(t.CreatedAt),
			UpdatedAt:     formatTime(t.UpdatedAt),
		})
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
