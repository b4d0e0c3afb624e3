package service

import (
	"context"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/pkg/apperror"
)

// SchedulerStatsSource reports the last scheduler tick.
type SchedulerStatsSource interface {
	Stats() SchedulerStats
}

// RetryStatsSource reports the retry queue size and the last processing pass.
type RetryStatsSource interface {
	Stats() RetryProcessorStats
	Counts(ctx context.Context) (domain.RetryCounts, error)
}

// StatusSnapshot is the read-only operational view served on /status.
type StatusSnapshot struct {
	GeneratedAt       time.Time           `json:"generated_at"`
	PendingRetryTasks int64               `json:"pending_retry_tasks"`
	DeadLetterTasks   int64               `json:"dead_letter_tasks"`
	Scheduler         SchedulerStats      `json:"scheduler"`
	RetryProcessor    RetryProcessorStats `json:"retry_processor"`
}

// StatusService assembles the status snapshot.
type StatusService struct {
	scheduler SchedulerStatsSource
	retries   RetryStatsSource
	now       func() time.Time
}

// NewStatusService creates a new status service. scheduler may be nil when
// the scheduler is disabled.
func NewStatusService(scheduler SchedulerStatsSource, retries RetryStatsSource) *StatusService {
	return &StatusService{scheduler: scheduler, retries: retries, now: time.Now}
}

// Snapshot returns counters and last-run records. It never mutates anything.
func (s *StatusService) Snapshot(ctx context.Context) (*StatusSnapshot, error) {
	counts, err := s.retries.Counts(ctx)
	if err != nil {
		return nil, apperror.ErrUnavailable("retry task store", err)
	}

	snap := &StatusSnapshot{
		GeneratedAt:       s.now().UTC(),
		PendingRetryTasks: counts.Pending,
		DeadLetterTasks:   counts.DeadLetter,
		RetryProcessor:    s.retries.Stats(),
	}
	if s.scheduler != nil {
		snap.Scheduler = s.scheduler.Stats()
	}
	return snap, nil
}
