package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"

	"github.com/google/uuid"
)

// Sandbox payment methods. Any other ID authorizes successfully.
const (
	SandboxCardDeclined       = "pm_card_declined"
	SandboxCardRequiresAction = "pm_card_3ds"
	// SandboxCardUnavailable fails every call transiently.
	SandboxCardUnavailable = "pm_card_unavailable"
	// SandboxCardReauthDeclined authorizes once, then declines reauthorizations.
	SandboxCardReauthDeclined = "pm_card_reauth_declined"
)

type sandboxAuth struct {
	id            string
	amount        int64
	paymentMethod string
	status        string
	captured      int64
	refunded      int64
}

// Sandbox is an in-process gateway for local runs and end-to-end tests.
// Outcomes are picked by payment method ID and replays of an idempotency key
// return the first result.
type Sandbox struct {
	mu       sync.Mutex
	auths    map[string]*sandboxAuth
	replays  map[string]any
	holdsFor map[string]int
	calls    int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		auths:    make(map[string]*sandboxAuth),
		replays:  make(map[string]any),
		holdsFor: make(map[string]int),
	}
}

// Calls returns how many non-replayed calls the sandbox executed.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// AuthorizationStatus returns the sandbox status of an authorization.
func (s *Sandbox) AuthorizationStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.auths[id]; ok {
		return a.status
	}
	return ""
}

func (s *Sandbox) Authorize(_ context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok, err := replay[*ports.Authorization](s, req.IdempotencyKey); ok {
		return r, err
	}
	s.calls++

	switch req.PaymentMethodID {
	case SandboxCardUnavailable:
		return nil, apperror.GatewayTransient("sandbox gateway unavailable", nil)
	case SandboxCardDeclined:
		return nil, s.fail(req.IdempotencyKey, apperror.GatewayTerminal("card_declined", "Your card was declined", nil))
	}

	isHold := req.Metadata["purpose"] != "verification"
	if isHold && req.PaymentMethodID == SandboxCardReauthDeclined && s.holdsFor[req.Metadata["deposit_id"]] > 0 {
		return nil, s.fail(req.IdempotencyKey, apperror.GatewayTerminal("expired_card", "Your card has expired", nil))
	}

	a := &sandboxAuth{
		id:            "auth_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		amount:        req.Amount,
		paymentMethod: req.PaymentMethodID,
		status:        "requires_capture",
	}
	out := &ports.Authorization{ID: a.id, Status: ports.AuthorizationStatusAuthorized}
	if req.PaymentMethodID == SandboxCardRequiresAction {
		a.status = "requires_action"
		out.Status = ports.AuthorizationStatusRequiresAction
		out.ActionURL = "https://sandbox.gateway.test/3ds/" + a.id
	}
	s.auths[a.id] = a
	if isHold {
		s.holdsFor[req.Metadata["deposit_id"]]++
	}
	return keep(s, req.IdempotencyKey, out), nil
}

func (s *Sandbox) Capture(_ context.Context, authorizationID string, amount int64, idempotencyKey string) (*ports.CaptureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok, err := replay[*ports.CaptureResult](s, idempotencyKey); ok {
		return r, err
	}
	s.calls++

	a, err := s.lookup(authorizationID)
	if err != nil {
		return nil, err
	}
	if a.paymentMethod == SandboxCardUnavailable {
		return nil, apperror.GatewayTransient("sandbox gateway unavailable", nil)
	}
	if a.status != "requires_capture" {
		return nil, s.fail(idempotencyKey, apperror.GatewayTerminal("authorization_not_capturable",
			fmt.Sprintf("authorization is %s", a.status), nil))
	}
	if amount > a.amount {
		return nil, s.fail(idempotencyKey, apperror.GatewayTerminal("amount_too_large", "capture exceeds authorized amount", nil))
	}
	a.status = "succeeded"
	a.captured = amount
	return keep(s, idempotencyKey, &ports.CaptureResult{ID: a.id, Status: "succeeded", CapturedAmount: amount}), nil
}

func (s *Sandbox) Cancel(_ context.Context, authorizationID string, idempotencyKey string) (*ports.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok, err := replay[*ports.CancelResult](s, idempotencyKey); ok {
		return r, err
	}
	s.calls++

	a, err := s.lookup(authorizationID)
	if err != nil {
		return nil, err
	}
	if a.status == "succeeded" {
		return nil, s.fail(idempotencyKey, apperror.GatewayTerminal("authorization_captured", "authorization already captured", nil))
	}
	a.status = "canceled"
	return keep(s, idempotencyKey, &ports.CancelResult{ID: a.id, Status: "canceled"}), nil
}

func (s *Sandbox) Refund(_ context.Context, authorizationID string, amount int64, idempotencyKey string) (*ports.RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok, err := replay[*ports.RefundResult](s, idempotencyKey); ok {
		return r, err
	}
	s.calls++

	a, err := s.lookup(authorizationID)
	if err != nil {
		return nil, err
	}
	if a.status != "succeeded" {
		return nil, s.fail(idempotencyKey, apperror.GatewayTerminal("charge_not_captured", "nothing captured to refund", nil))
	}
	if a.refunded+amount > a.captured {
		return nil, s.fail(idempotencyKey, apperror.GatewayTerminal("amount_too_large", "refund exceeds captured amount", nil))
	}
	a.refunded += amount
	res := &ports.RefundResult{ID: "re_" + strings.ReplaceAll(uuid.NewString(), "-", ""), Status: "succeeded", Amount: amount}
	return keep(s, idempotencyKey, res), nil
}

func (s *Sandbox) lookup(id string) (*sandboxAuth, error) {
	a, ok := s.auths[id]
	if !ok {
		return nil, apperror.GatewayTerminal("resource_missing", "no such authorization: "+id, nil)
	}
	return a, nil
}

// fail records err as the outcome of key.
func (s *Sandbox) fail(key string, err error) error {
	if key != "" {
		s.replays[key] = err
	}
	return err
}

// keep records v as the outcome of key.
func keep[T any](s *Sandbox, key string, v T) T {
	if key != "" {
		s.replays[key] = v
	}
	return v
}

// replay returns the recorded outcome of key, if any.
func replay[T any](s *Sandbox, key string) (T, bool, error) {
	var zero T
	if key == "" {
		return zero, false, nil
	}
	switch v := s.replays[key].(type) {
	case nil:
		return zero, false, nil
	case error:
		return zero, true, v
	case T:
		return v, true, nil
	}
	return zero, false, nil
}
