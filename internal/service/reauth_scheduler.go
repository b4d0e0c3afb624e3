package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"
	"deposit-hold-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Reauthorizer is the part of the deposit state machine the scheduler drives.
type Reauthorizer interface {
	Reauthorize(ctx context.Context, id string, opts ReauthorizeOptions) (*ReauthResult, error)
	MarkReauthRetry(ctx context.Context, id, taskID string) error
	ClearReauthRetry(ctx context.Context, id, taskID string) error
}

// ReauthSchedulerConfig tunes the reauthorization scheduler.
type ReauthSchedulerConfig struct {
	Interval        time.Duration
	ReauthThreshold time.Duration
	BatchSize       int
	// RateLimit paces gateway calls; zero means unlimited.
	RateLimit rate.Limit
	RateBurst int
	// AttemptTimeout bounds one claimed deposit; it runs to completion even
	// after shutdown starts.
	AttemptTimeout time.Duration
}

// TickResult counts what one scheduler tick did.
type TickResult struct {
	Candidates   int `json:"candidates"`
	Reauthorized int `json:"reauthorized"`
	Failed       int `json:"failed"`
	Queued       int `json:"queued"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

// SchedulerStats is the last-run record exposed in the status snapshot.
type SchedulerStats struct {
	LastRunAt    *time.Time `json:"last_run_at"`
	LastOutcome  string     `json:"last_outcome"`
	Candidates   int        `json:"candidates"`
	Reauthorized int        `json:"reauthorized"`
	Failed       int        `json:"failed"`
	Queued       int        `json:"queued"`
	LastError    string     `json:"last_error,omitempty"`
}

// ReauthScheduler extends holds before the gateway lets them expire.
type ReauthScheduler struct {
	repo     ports.DepositRepository
	deposits Reauthorizer
	queue    TaskEnqueuer
	cfg      ReauthSchedulerConfig
	limiter  *rate.Limiter
	now      func() time.Time
	log      zerolog.Logger

	mu    sync.RWMutex
	stats SchedulerStats
}

// NewReauthScheduler creates the scheduler.
func NewReauthScheduler(
	repo ports.DepositRepository,
	deposits Reauthorizer,
	queue TaskEnqueuer,
	cfg ReauthSchedulerConfig,
	log zerolog.Logger,
) *ReauthScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultLeaseTTL
	}
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ReauthScheduler{
		repo:     repo,
		deposits: deposits,
		queue:    queue,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		log:      logger.Component(log, "reauth_scheduler"),
	}
}

// Start runs Tick every interval until ctx is canceled. The first tick runs
// immediately. On cancel the in-flight deposit finishes and nothing new is claimed.
func (s *ReauthScheduler) Start(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("reauth_threshold", s.cfg.ReauthThreshold).
		Msg("reauthorization scheduler started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info().Msg("reauthorization scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick reauthorizes every candidate whose last authorization is older than
// the threshold. Each deposit is handled at most once per tick.
func (s *ReauthScheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	started := s.now()
	cutoff := started.Add(-s.cfg.ReauthThreshold)

	candidates, err := s.repo.ListReauthCandidates(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list reauthorization candidates")
		s.record(started, res, err)
		return res
	}
	res.Candidates = len(candidates)

	seen := make(map[string]struct{}, len(candidates))
	for _, d := range candidates {
		if ctx.Err() != nil {
			break
		}
		if _, ok := seen[d.ID]; ok {
			continue
		}
		seen[d.ID] = struct{}{}

		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		s.handleDetached(ctx, d, cutoff, &res)
	}

	if res.Candidates > 0 {
		s.log.Info().
			Int("candidates", res.Candidates).
			Int("reauthorized", res.Reauthorized).
			Int("failed", res.Failed).
			Int("queued", res.Queued).
			Int("skipped", res.Skipped).
			Int("errors", res.Errors).
			Msg("reauthorization tick finished")
	}
	s.record(started, res, nil)
	return res
}

// handleDetached runs one deposit under a context that survives cancellation
// of ctx, so a gateway call in flight at shutdown still commits its outcome.
func (s *ReauthScheduler) handleDetached(ctx context.Context, d *domain.Deposit, cutoff time.Time, res *TickResult) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AttemptTimeout)
	defer cancel()
	s.handle(actx, d, cutoff, res)
}

func (s *ReauthScheduler) handle(ctx context.Context, d *domain.Deposit, cutoff time.Time, res *TickResult) {
	log := s.log.With().Str("deposit_id", d.ID).Str("authorization_id", d.ActiveAuthorizationID).Logger()

	out, err := s.deposits.Reauthorize(ctx, d.ID, ReauthorizeOptions{
		ExpectedAuthorizationID:     d.ActiveAuthorizationID,
		ExpectedLastAuthorizationAt: d.LastAuthorizationAt,
		RequireStale:                true,
		Cutoff:                      cutoff,
	})
	if err != nil && (out == nil || out.Outcome != ReauthTransient) {
		if apperror.CodeOf(err) == "DEP_423" {
			// another worker holds the deposit
			res.Skipped++
			return
		}
		res.Errors++
		log.Error().Err(err).Msg("reauthorization attempt errored")
		return
	}

	switch out.Outcome {
	case ReauthSucceeded:
		res.Reauthorized++
	case ReauthFailed:
		res.Failed++
	case ReauthSkipped:
		res.Skipped++
	case ReauthTransient:
		if qerr := s.handOff(ctx, d.ID, d.ActiveAuthorizationID, err); qerr != nil {
			res.Errors++
			log.Error().Err(qerr).Msg("failed to queue reauthorization retry")
			return
		}
		res.Queued++
	}
}

// handOff marks the deposit as owned by a new retry task, then enqueues the
// task under that ID. The marker goes first so no tick can start a second
// chain; if the enqueue fails the marker is cleared again.
func (s *ReauthScheduler) handOff(ctx context.Context, depositID, authorizationID string, cause error) error {
	taskID := uuid.NewString()
	if err := s.deposits.MarkReauthRetry(ctx, depositID, taskID); err != nil {
		return fmt.Errorf("mark reauthorization retry: %w", err)
	}

	payload := domain.ReauthorizationPayload{DepositID: depositID, ExpectedAuthorizationID: authorizationID}
	if _, err := s.queue.EnqueueWithID(ctx, taskID, domain.RetryKindReauthorization, payload, cause); err != nil {
		s.release(ctx, depositID, taskID)
		return err
	}
	return nil
}

// HandleRetryTask is the retry queue consumer for reauthorization tasks.
func (s *ReauthScheduler) HandleRetryTask(ctx context.Context, task *domain.RetryTask) error {
	var p domain.ReauthorizationPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return apperror.Validation(fmt.Sprintf("decode reauthorization payload: %v", err))
	}

	out, err := s.deposits.Reauthorize(ctx, p.DepositID, ReauthorizeOptions{
		ExpectedAuthorizationID: p.ExpectedAuthorizationID,
		RetryTaskID:             task.ID,
	})
	if err != nil {
		if !apperror.IsTransient(err) {
			s.release(ctx, p.DepositID, task.ID)
		}
		return err
	}
	if out.Outcome == ReauthSkipped {
		// the deposit moved on; a marker left behind would hide it from later ticks
		s.release(ctx, p.DepositID, task.ID)
	}
	s.log.Info().
		Str("deposit_id", p.DepositID).
		Str("task_id", task.ID).
		Str("outcome", string(out.Outcome)).
		Msg("reauthorization retry finished")
	return nil
}

// HandleDeadLetter releases the deposit from an exhausted task so a later
// tick can start a fresh chain.
func (s *ReauthScheduler) HandleDeadLetter(ctx context.Context, task *domain.RetryTask) {
	var p domain.ReauthorizationPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("undecodable reauthorization task payload")
		return
	}
	s.release(ctx, p.DepositID, task.ID)
}

func (s *ReauthScheduler) release(ctx context.Context, depositID, taskID string) {
	if err := s.deposits.ClearReauthRetry(ctx, depositID, taskID); err != nil && !apperror.IsKind(err, apperror.KindNotFound) {
		s.log.Error().Err(err).Str("deposit_id", depositID).Str("task_id", taskID).
			Msg("failed to clear reauthorization retry marker")
	}
}

func (s *ReauthScheduler) record(at time.Time, res TickResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = SchedulerStats{
		LastRunAt:    domain.TimePtr(at),
		LastOutcome:  "ok",
		Candidates:   res.Candidates,
		Reauthorized: res.Reauthorized,
		Failed:       res.Failed,
		Queued:       res.Queued,
	}
	switch {
	case err != nil:
		s.stats.LastOutcome = "error"
		s.stats.LastError = err.Error()
	case res.Errors > 0:
		s.stats.LastOutcome = "partial"
	}
}

// Stats returns the record of the last tick.
func (s *ReauthScheduler) Stats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
