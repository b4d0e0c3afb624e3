package memory

import "deposit-hold-service/internal/core/ports"

// NewStore returns a fresh in-memory backend.
func NewStore() *ports.Store {
	return &ports.Store{
		Deposits:   NewDepositRepo(),
		RetryTasks: NewRetryTaskRepo(),
		Events:     NewEventStore(),
		Close:      func() {},
	}
}
