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

// RetryTaskRepo is a mutex-guarded retry queue.
type RetryTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.RetryTask
}

func NewRetryTaskRepo() *RetryTaskRepo {
	return &RetryTaskRepo{tasks: make(map[string]*domain.RetryTask)}
}

func (r *RetryTaskRepo) Create(_ context.Context, task *domain.RetryTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok {
		return apperror.ErrAlreadyExists("retry task")
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *RetryTaskRepo) Get(_ context.Context, id string) (*domain.RetryTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperror.ErrNotFound("retry task")
	}
	return t.Clone(), nil
}

func (r *RetryTaskRepo) Update(_ context.Context, id string, updater ports.RetryTaskUpdater) (*domain.RetryTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperror.ErrNotFound("retry task")
	}
	next := t.Clone()
	if err := updater(next); err != nil {
		return nil, err
	}
	r.tasks[id] = next
	return next.Clone(), nil
}

func (r *RetryTaskRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *RetryTaskRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.RetryTask, error) {
	return r.collect(func(t *domain.RetryTask) bool {
		return !t.DeadLetter && !t.NextAttemptAt.After(now)
	}, limit), nil
}

func (r *RetryTaskRepo) ListDeadLetters(_ context.Context, limit int) ([]*domain.RetryTask, error) {
	return r.collect(func(t *domain.RetryTask) bool { return t.DeadLetter }, limit), nil
}

func (r *RetryTaskRepo) Counts(_ context.Context) (domain.RetryCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c domain.RetryCounts
	for _, t := range r.tasks {
		if t.DeadLetter {
			c.DeadLetter++
		} else {
			c.Pending++
		}
	}
	return c, nil
}

func (r *RetryTaskRepo) collect(match func(*domain.RetryTask) bool, limit int) []*domain.RetryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RetryTask
	for _, t := range r.tasks {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
