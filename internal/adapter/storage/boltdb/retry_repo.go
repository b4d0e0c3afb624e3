package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"

	"github.com/boltdb/bolt"
)

// RetryTaskRepo implements ports.RetryTaskRepository.
type RetryTaskRepo struct {
	db  *bolt.DB
	now func() time.Time
}

func NewRetryTaskRepo(db *bolt.DB) *RetryTaskRepo {
	return &RetryTaskRepo{db: db, now: time.Now}
}

func (r *RetryTaskRepo) Create(_ context.Context, task *domain.RetryTask) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetryTasks)
		if b.Get([]byte(task.ID)) != nil {
			return apperror.ErrAlreadyExists("retry task")
		}
		return putJSON(b, task.ID, task)
	})
}

func (r *RetryTaskRepo) Get(_ context.Context, id string) (*domain.RetryTask, error) {
	var t *domain.RetryTask
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTask(tx.Bucket(bucketRetryTasks), id)
		return err
	})
	return t, err
}

func (r *RetryTaskRepo) Update(_ context.Context, id string, updater ports.RetryTaskUpdater) (*domain.RetryTask, error) {
	var result *domain.RetryTask
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetryTasks)
		t, err := getTask(b, id)
		if err != nil {
			return err
		}
		if err := updater(t); err != nil {
			return err
		}
		t.UpdatedAt = r.now()
		result = t
		return putJSON(b, id, t)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RetryTaskRepo) Delete(_ context.Context, id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetryTasks).Delete([]byte(id))
	})
}

func (r *RetryTaskRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.RetryTask, error) {
	return r.collect(func(t *domain.RetryTask) bool {
		return !t.DeadLetter && !t.NextAttemptAt.After(now)
	}, limit)
}

func (r *RetryTaskRepo) ListDeadLetters(_ context.Context, limit int) ([]*domain.RetryTask, error) {
	return r.collect(func(t *domain.RetryTask) bool { return t.DeadLetter }, limit)
}

func (r *RetryTaskRepo) Counts(_ context.Context) (domain.RetryCounts, error) {
	var c domain.RetryCounts
	tasks, err := r.collect(func(*domain.RetryTask) bool { return true }, 0)
	if err != nil {
		return c, err
	}
	for _, t := range tasks {
		if t.DeadLetter {
			c.DeadLetter++
		} else {
			c.Pending++
		}
	}
	return c, nil
}

func (r *RetryTaskRepo) collect(match func(*domain.RetryTask) bool, limit int) ([]*domain.RetryTask, error) {
	var out []*domain.RetryTask
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetryTasks).ForEach(func(_, v []byte) error {
			t := &domain.RetryTask{}
			if err := json.Unmarshal(v, t); err != nil {
				return fmt.Errorf("decode retry task: %w", err)
			}
			if match(t) {
				out = append(out, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func getTask(b *bolt.Bucket, id string) (*domain.RetryTask, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, apperror.ErrNotFound("retry task")
	}
	t := &domain.RetryTask{}
	if err := json.Unmarshal(v, t); err != nil {
		return nil, fmt.Errorf("decode retry task %s: %w", id, err)
	}
	return t, nil
}
