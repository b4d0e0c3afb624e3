// Package memory implements the repositories in process memory. It backs
// tests and single-instance development runs; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"
)

// DepositRepo is a mutex-guarded deposit store. Callers only ever see clones.
type DepositRepo struct {
	mu       sync.RWMutex
	deposits map[string]*domain.Deposit
	now      func() time.Time
}

func NewDepositRepo() *DepositRepo {
	return &DepositRepo{deposits: make(map[string]*domain.Deposit), now: time.Now}
}

func (r *DepositRepo) List(_ context.Context) ([]*domain.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Deposit, 0, len(r.deposits))
	for _, d := range r.deposits {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *DepositRepo) FindByID(_ context.Context, id string) (*domain.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deposits[id]
	if !ok {
		return nil, apperror.ErrNotFound("deposit")
	}
	return d.Clone(), nil
}

func (r *DepositRepo) Create(_ context.Context, deposit *domain.Deposit) error {
	if err := deposit.CheckInvariants(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deposits[deposit.ID]; ok {
		return apperror.ErrAlreadyExists("deposit")
	}
	stored := deposit.Clone()
	stored.Version = 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}
	r.deposits[deposit.ID] = stored
	deposit.Version = 1
	return nil
}

// Update runs updater under the write lock, so the version compare can never fail here.
func (r *DepositRepo) Update(_ context.Context, id string, updater ports.DepositUpdater) (*domain.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.deposits[id]
	if !ok {
		return nil, apperror.ErrNotFound("deposit")
	}
	next := current.Clone()
	if err := updater(next); err != nil {
		return nil, err
	}
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	if next.Version != current.Version {
		return nil, apperror.ErrConcurrentUpdate("deposit")
	}
	next.Version = current.Version + 1
	next.UpdatedAt = r.now()
	r.deposits[id] = next
	return next.Clone(), nil
}

func (r *DepositRepo) ListReauthCandidates(_ context.Context, cutoff time.Time, limit int) ([]*domain.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Deposit
	for _, d := range r.deposits {
		if d.Status != domain.DepositStatusAuthorized || d.ReauthRetryTaskID != "" || d.LastAuthorizationAt == nil {
			continue
		}
		if d.LastAuthorizationAt.After(cutoff) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAuthorizationAt.Before(*out[j].LastAuthorizationAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
