package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"
	"deposit-hold-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskHandler runs one attempt of a retry task. A nil error or a
// non-retryable error removes the task; a retryable error reschedules it.
type TaskHandler func(ctx context.Context, task *domain.RetryTask) error

// DeadLetterHook runs once when a task of its kind is dead-lettered.
type DeadLetterHook func(ctx context.Context, task *domain.RetryTask)

// TaskEnqueuer is the producer side of the retry queue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, kind domain.RetryTaskKind, payload any, cause error) (*domain.RetryTask, error)
	EnqueueWithID(ctx context.Context, id string, kind domain.RetryTaskKind, payload any, cause error) (*domain.RetryTask, error)
}

// RetryQueueConfig tunes the retry processor.
type RetryQueueConfig struct {
	Interval  time.Duration
	BatchSize int
	// ClaimTTL is how far NextAttemptAt is pushed while a worker runs a task.
	ClaimTTL time.Duration
	Policy   BackoffPolicy
}

// ProcessResult counts what one ProcessDue pass did.
type ProcessResult struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Discarded    int `json:"discarded"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
}

// RetryProcessorStats is the last-run record exposed in the status snapshot.
type RetryProcessorStats struct {
	LastRunAt    *time.Time `json:"last_run_at"`
	Processed    int        `json:"processed"`
	Succeeded    int        `json:"succeeded"`
	Rescheduled  int        `json:"rescheduled"`
	DeadLettered int        `json:"dead_lettered"`
	LastError    string     `json:"last_error,omitempty"`
}

var errTaskNotDue = errors.New("retry task not due")

// RetryQueue is the durable retry queue and its processor.
type RetryQueue struct {
	repo   ports.RetryTaskRepository
	cfg    RetryQueueConfig
	now    func() time.Time
	log    zerolog.Logger
	pruner func(ctx context.Context) error

	mu          sync.RWMutex
	handlers    map[domain.RetryTaskKind]TaskHandler
	deadLetters map[domain.RetryTaskKind]DeadLetterHook
	stats       RetryProcessorStats
}

// NewRetryQueue creates the retry queue. Zero config values fall back to defaults.
func NewRetryQueue(repo ports.RetryTaskRepository, cfg RetryQueueConfig, log zerolog.Logger) *RetryQueue {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultBackoffPolicy()
	}
	return &RetryQueue{
		repo:        repo,
		cfg:         cfg,
		now:         time.Now,
		log:         logger.Component(log, "retry_queue"),
		handlers:    make(map[domain.RetryTaskKind]TaskHandler),
		deadLetters: make(map[domain.RetryTaskKind]DeadLetterHook),
	}
}

// RegisterHandler sets the consumer of kind.
func (q *RetryQueue) RegisterHandler(kind domain.RetryTaskKind, h TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// OnDeadLetter sets the hook run when a task of kind runs out of attempts.
func (q *RetryQueue) OnDeadLetter(kind domain.RetryTaskKind, hook DeadLetterHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters[kind] = hook
}

// SetMaintenance registers work run after every processing pass, such as
// pruning webhook dedup records.
func (q *RetryQueue) SetMaintenance(fn func(ctx context.Context) error) {
	q.pruner = fn
}

// Enqueue stores a new task with a generated ID.
func (q *RetryQueue) Enqueue(ctx context.Context, kind domain.RetryTaskKind, payload any, cause error) (*domain.RetryTask, error) {
	return q.EnqueueWithID(ctx, uuid.NewString(), kind, payload, cause)
}

// EnqueueWithID stores a new task under id. The first attempt is due after Delay(0).
func (q *RetryQueue) EnqueueWithID(ctx context.Context, id string, kind domain.RetryTaskKind, payload any, cause error) (*domain.RetryTask, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	now := q.now()
	task := &domain.RetryTask{
		ID:            id,
		Kind:          kind,
		Payload:       raw,
		NextAttemptAt: now.Add(q.cfg.Policy.Delay(0)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cause != nil {
		task.LastError = cause.Error()
	}
	if err := q.repo.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueue %s task: %w", kind, err)
	}

	q.log.Info().
		Str("task_id", task.ID).
		Str("kind", string(kind)).
		Time("next_attempt_at", task.NextAttemptAt).
		Msg("retry task enqueued")
	return task, nil
}

// ProcessDue runs every task that is due, one at a time. Once ctx is canceled
// no further task is claimed; the task already claimed finishes.
func (q *RetryQueue) ProcessDue(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	now := q.now()

	tasks, err := q.repo.ListDue(ctx, now, q.cfg.BatchSize)
	if err != nil {
		q.record(now, res, err)
		return res, fmt.Errorf("list due tasks: %w", err)
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		task, err := q.claim(ctx, t.ID)
		if err != nil {
			if !errors.Is(err, errTaskNotDue) && !apperror.IsKind(err, apperror.KindNotFound) {
				q.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to claim retry task")
			}
			continue
		}
		res.Processed++
		q.runDetached(ctx, task, &res)
	}

	q.record(now, res, nil)
	return res, nil
}

// claim pushes NextAttemptAt past the claim TTL so other workers skip the task.
func (q *RetryQueue) claim(ctx context.Context, id string) (*domain.RetryTask, error) {
	now := q.now()
	return q.repo.Update(ctx, id, func(t *domain.RetryTask) error {
		if t.DeadLetter || t.NextAttemptAt.After(now) {
			return errTaskNotDue
		}
		t.NextAttemptAt = now.Add(q.cfg.ClaimTTL)
		t.UpdatedAt = now
		return nil
	})
}

// runDetached runs a claimed task to completion even if ctx is canceled
// meanwhile, bounded by the claim TTL after which another worker may take it.
func (q *RetryQueue) runDetached(ctx context.Context, task *domain.RetryTask, res *ProcessResult) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.ClaimTTL)
	defer cancel()
	q.run(rctx, task, res)
}

func (q *RetryQueue) run(ctx context.Context, task *domain.RetryTask, res *ProcessResult) {
	q.mu.RLock()
	handler := q.handlers[task.Kind]
	q.mu.RUnlock()

	log := q.log.With().Str("task_id", task.ID).Str("kind", string(task.Kind)).Int("attempt", task.Attempts+1).Logger()

	var err error
	if handler == nil {
		err = fmt.Errorf("no handler registered for %s", task.Kind)
	} else {
		err = handler(ctx, task)
	}

	switch {
	case err == nil:
		res.Succeeded++
		log.Info().Msg("retry task succeeded")
		q.delete(ctx, task.ID)
		return
	case handler != nil && !q.cfg.Policy.Retryable(err):
		res.Discarded++
		log.Warn().Err(err).Msg("retry task discarded, error is not retryable")
		q.delete(ctx, task.ID)
		return
	}

	now := q.now()
	updated, uerr := q.repo.Update(ctx, task.ID, func(t *domain.RetryTask) error {
		t.Attempts++
		t.LastError = err.Error()
		t.UpdatedAt = now
		if handler == nil || q.cfg.Policy.Exhausted(t.Attempts) {
			t.DeadLetter = true
			return nil
		}
		t.NextAttemptAt = now.Add(q.cfg.Policy.Delay(t.Attempts))
		return nil
	})
	if uerr != nil {
		log.Error().Err(uerr).AnErr("task_error", err).Msg("failed to reschedule retry task, claim will expire")
		return
	}

	if !updated.DeadLetter {
		res.Rescheduled++
		log.Warn().Err(err).Time("next_attempt_at", updated.NextAttemptAt).Msg("retry task rescheduled")
		return
	}

	res.DeadLettered++
	log.Error().Err(err).Int("attempts", updated.Attempts).Msg("retry task dead-lettered")
	q.mu.RLock()
	hook := q.deadLetters[task.Kind]
	q.mu.RUnlock()
	if hook != nil {
		hook(ctx, updated)
	}
}

func (q *RetryQueue) delete(ctx context.Context, id string) {
	if err := q.repo.Delete(ctx, id); err != nil {
		q.log.Error().Err(err).Str("task_id", id).Msg("failed to delete retry task")
	}
}

func (q *RetryQueue) record(at time.Time, res ProcessResult, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.LastRunAt = domain.TimePtr(at)
	q.stats.Processed = res.Processed
	q.stats.Succeeded = res.Succeeded
	q.stats.Rescheduled = res.Rescheduled
	q.stats.DeadLettered = res.DeadLettered
	q.stats.LastError = ""
	if err != nil {
		q.stats.LastError = err.Error()
	}
}

// Stats returns the record of the last processing pass.
func (q *RetryQueue) Stats() RetryProcessorStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stats
}

// DeadLetters lists dead-lettered tasks for operators.
func (q *RetryQueue) DeadLetters(ctx context.Context, limit int) ([]*domain.RetryTask, error) {
	return q.repo.ListDeadLetters(ctx, limit)
}

// Counts returns pending and dead-lettered task counts.
func (q *RetryQueue) Counts(ctx context.Context) (domain.RetryCounts, error) {
	return q.repo.Counts(ctx)
}

// Start runs ProcessDue every interval until ctx is canceled. The first pass
// runs immediately. A pass in progress when ctx is canceled finishes the
// current task and claims no more.
func (q *RetryQueue) Start(ctx context.Context) {
	q.log.Info().Dur("interval", q.cfg.Interval).Msg("retry processor started")
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		q.pass(ctx)
		select {
		case <-ctx.Done():
			q.log.Info().Msg("retry processor stopped")
			return
		case <-ticker.C:
		}
	}
}

func (q *RetryQueue) pass(ctx context.Context) {
	res, err := q.ProcessDue(ctx)
	if err != nil {
		q.log.Error().Err(err).Msg("retry processing pass failed")
	} else if res.Processed > 0 {
		q.log.Info().
			Int("processed", res.Processed).
			Int("succeeded", res.Succeeded).
			Int("rescheduled", res.Rescheduled).
			Int("dead_lettered", res.DeadLettered).
			Msg("retry processing pass finished")
	}
	if q.pruner != nil && ctx.Err() == nil {
		if err := q.pruner(ctx); err != nil {
			q.log.Warn().Err(err).Msg("retry maintenance failed")
		}
	}
}
