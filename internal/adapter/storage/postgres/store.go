package postgres

import (
	"context"

	"deposit-hold-service/config"
	"deposit-hold-service/internal/core/ports"

	"github.com/rs/zerolog"
)

// NewStore connects to PostgreSQL, applies the schema and returns the repositories.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*ports.Store, error) {
	pool, err := NewPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &ports.Store{
		Deposits:   NewDepositRepo(pool),
		RetryTasks: NewRetryTaskRepo(pool),
		Events:     NewEventStore(pool),
		Health:     NewHealthCheck(pool),
		Close:      pool.Close,
	}, nil
}
