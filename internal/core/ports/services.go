package ports

import (
	"context"
	"time"

	"deposit-hold-service/internal/core/domain"
)

// --- Payment gateway ---

// AuthorizationStatus is the gateway-side state of a new authorization.
type AuthorizationStatus string

const (
	AuthorizationStatusAuthorized     AuthorizationStatus = "authorized"
	AuthorizationStatusRequiresAction AuthorizationStatus = "requires_action"
)

// AuthorizeRequest asks the gateway for a manual-capture authorization.
type AuthorizeRequest struct {
	Amount          int64
	Currency        string
	PaymentMethodID string
	CustomerID      string
	Metadata        map[string]string
	IdempotencyKey  string
}

// Authorization is the gateway result of Authorize.
type Authorization struct {
	ID        string
	Status    AuthorizationStatus
	ActionURL string
}

// CaptureResult is the gateway result of Capture.
type CaptureResult struct {
	ID             string
	Status         string
	CapturedAmount int64
}

// CancelResult is the gateway result of Cancel.
type CancelResult struct {
	ID     string
	Status string
}

// RefundResult is the gateway result of Refund.
type RefundResult struct {
	ID     string
	Status string
	Amount int64
}

// PaymentGateway is the external card processor. Errors are apperror
// GatewayTransient (timeouts, 429, 5xx, network) or GatewayTerminal
// (declines, invalid requests). Every call carries an idempotency key.
type PaymentGateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
	Capture(ctx context.Context, authorizationID string, amount int64, idempotencyKey string) (*CaptureResult, error)
	Cancel(ctx context.Context, authorizationID string, idempotencyKey string) (*CancelResult, error)
	Refund(ctx context.Context, authorizationID string, amount int64, idempotencyKey string) (*RefundResult, error)
}

// --- Webhook support ---

// SignatureVerifier authenticates a raw webhook body against its signature header.
type SignatureVerifier interface {
	Verify(header string, body []byte, now time.Time) error
}

// EventLocker serializes concurrent deliveries of the same event ID.
type EventLocker interface {
	// Acquire returns false when another delivery holds the lock.
	Acquire(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// ProcessedEventCache is the fast-path dedup check in front of WebhookEventStore.
type ProcessedEventCache interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// --- Service ports ---

// InitializeRequest holds validated input for placing a deposit hold.
// ID is optional; re-sending the same ID resumes or returns that deposit.
type InitializeRequest struct {
	ID              string            `validate:"omitempty,max=64"`
	CustomerID      string            `validate:"required,max=255"`
	PaymentMethodID string            `validate:"required,max=255"`
	Currency        string            `validate:"required,len=3,alpha"`
	HoldAmount      int64             `validate:"gt=0"`
	Metadata        map[string]string `validate:"max=50"`
}

// DepositService is the deposit lifecycle as seen by API callers.
type DepositService interface {
	Initialize(ctx context.Context, req InitializeRequest) (*domain.Deposit, error)
	Get(ctx context.Context, id string) (*domain.Deposit, error)
	List(ctx context.Context) ([]*domain.Deposit, error)
	// Capture takes amount, or the full hold when amount is nil.
	Capture(ctx context.Context, id string, amount *int64) (*domain.Deposit, error)
	Release(ctx context.Context, id string) (*domain.Deposit, error)
	Refund(ctx context.Context, id string, amount int64, idempotencyKey string) (*domain.Deposit, error)
}

// EventApplier applies a verified gateway event to the deposit it refers to.
type EventApplier interface {
	ApplyEvent(ctx context.Context, event *domain.GatewayEvent) error
}

// TokenService validates service bearer tokens for the deposit API.
type TokenService interface {
	Generate(subject string, ttl time.Duration) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject string
}
