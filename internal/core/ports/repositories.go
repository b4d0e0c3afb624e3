package ports

import (
	"context"
	"time"

	"deposit-hold-service/internal/core/domain"
)

// DepositUpdater mutates a private copy of a deposit inside Update.
// Returning an error aborts the update and nothing is written.
type DepositUpdater func(d *domain.Deposit) error

// DepositRepository persists deposits. Deposits are never deleted.
// All writes after Create go through Update, which applies the updater
// atomically against the latest stored version.
type DepositRepository interface {
	List(ctx context.Context) ([]*domain.Deposit, error)
	// FindByID returns a DEP_404 apperror when the deposit does not exist.
	FindByID(ctx context.Context, id string) (*domain.Deposit, error)
	// Create returns a DEP_409 conflict if the ID is taken.
	Create(ctx context.Context, deposit *domain.Deposit) error
	// Update returns DEP_404 for unknown IDs and DEP_409_RACE when a concurrent
	// writer won. Invariants are checked before anything is stored.
	Update(ctx context.Context, id string, updater DepositUpdater) (*domain.Deposit, error)
	// ListReauthCandidates returns authorized deposits whose last authorization
	// is at or before cutoff and that no reauthorization retry task owns,
	// oldest first.
	ListReauthCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Deposit, error)
}

// RetryTaskUpdater mutates a private copy of a retry task inside Update.
type RetryTaskUpdater func(t *domain.RetryTask) error

// RetryTaskRepository persists the retry queue.
type RetryTaskRepository interface {
	Create(ctx context.Context, task *domain.RetryTask) error
	Get(ctx context.Context, id string) (*domain.RetryTask, error)
	Update(ctx context.Context, id string, updater RetryTaskUpdater) (*domain.RetryTask, error)
	Delete(ctx context.Context, id string) error
	// ListDue returns live tasks with NextAttemptAt at or before now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.RetryTask, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*domain.RetryTask, error)
	Counts(ctx context.Context) (domain.RetryCounts, error)
}

// WebhookEventStore is the durable record of processed gateway events.
type WebhookEventStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	// PruneBefore deletes records processed before cutoff and returns how many went.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the repositories of one storage backend.
type Store struct {
	Deposits   DepositRepository
	RetryTasks RetryTaskRepository
	Events     WebhookEventStore
	Health     HealthChecker // nil for the memory backend
	Close      func()
}
