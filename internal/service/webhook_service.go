package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"
	"deposit-hold-service/pkg/logger"

	"github.com/rs/zerolog"
)

// WebhookOutcome tells the caller what happened to a delivery.
type WebhookOutcome string

const (
	OutcomeProcessed WebhookOutcome = "processed"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeInFlight  WebhookOutcome = "in_flight"
	OutcomeQueued    WebhookOutcome = "queued"
	OutcomeDiscarded WebhookOutcome = "discarded"
	OutcomeRejected  WebhookOutcome = "rejected"
)

// WebhookConfig tunes webhook ingestion.
type WebhookConfig struct {
	ProcessingTimeout time.Duration
	DedupRetention    time.Duration
	LockTTL           time.Duration
}

// WebhookService verifies, deduplicates and dispatches gateway events.
type WebhookService struct {
	verifier ports.SignatureVerifier
	applier  ports.EventApplier
	events   ports.WebhookEventStore
	cache    ports.ProcessedEventCache
	locker   ports.EventLocker
	queue    TaskEnqueuer
	cfg      WebhookConfig
	now      func() time.Time
	log      zerolog.Logger
}

// NewWebhookService creates the webhook pipeline. cache may be nil.
func NewWebhookService(
	verifier ports.SignatureVerifier,
	applier ports.EventApplier,
	events ports.WebhookEventStore,
	cache ports.ProcessedEventCache,
	locker ports.EventLocker,
	queue TaskEnqueuer,
	cfg WebhookConfig,
	log zerolog.Logger,
) *WebhookService {
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Second
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = 30 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &WebhookService{
		verifier: verifier,
		applier:  applier,
		events:   events,
		cache:    cache,
		locker:   locker,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.Component(log, "webhook"),
	}
}

// Handle ingests one delivery. Signature and parse failures are returned as
// errors. Processing failures are not: transient ones are queued for retry
// and the rest are logged and discarded, so the gateway never redelivers
// something that cannot succeed.
func (s *WebhookService) Handle(ctx context.Context, signatureHeader string, body []byte) (WebhookOutcome, error) {
	if err := s.verifier.Verify(signatureHeader, body, s.now()); err != nil {
		s.log.Warn().Err(err).
			Str("security_event", "webhook_signature_rejected").
			Int("body_bytes", len(body)).
			Msg("webhook signature rejected")
		return OutcomeRejected, err
	}

	var event domain.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return OutcomeDiscarded, apperror.Validation(fmt.Sprintf("malformed event body: %v", err))
	}
	if err := event.Validate(); err != nil {
		return OutcomeDiscarded, err
	}

	log := s.log.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	outcome, err := s.ProcessEvent(ctx, &event)
	if err == nil {
		return outcome, nil
	}

	if !apperror.IsTransient(err) {
		log.Warn().Err(err).Str("deposit_id", event.Data.Metadata.DepositID).Msg("webhook event discarded")
		return OutcomeDiscarded, nil
	}

	// the request context may be the one that timed out
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProcessingTimeout)
	defer cancel()
	task, qerr := s.queue.Enqueue(qctx, domain.RetryKindWebhookEvent, event, err)
	if qerr != nil {
		log.Error().Err(qerr).AnErr("cause", err).Msg("failed to queue webhook event")
		// let the gateway redeliver
		return OutcomeDiscarded, apperror.ErrUnavailable("retry queue", qerr)
	}
	log.Warn().Err(err).Str("task_id", task.ID).Msg("webhook event queued for retry")
	return OutcomeQueued, nil
}

// ProcessEvent deduplicates and applies an already authenticated event.
// It is the retry path as well as the tail of Handle.
func (s *WebhookService) ProcessEvent(ctx context.Context, event *domain.GatewayEvent) (WebhookOutcome, error) {
	done, err := s.isProcessed(ctx, event.ID)
	if err != nil {
		return "", err
	}
	if done {
		return OutcomeDuplicate, nil
	}

	acquired, err := s.locker.Acquire(ctx, event.ID, s.cfg.LockTTL)
	switch {
	case err != nil:
		// dedup record and idempotent transitions still protect us
		s.log.Warn().Err(err).Str("event_id", event.ID).Msg("event lock unavailable, processing unlocked")
	case !acquired:
		return OutcomeInFlight, nil
	default:
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), event.ID); err != nil {
				s.log.Warn().Err(err).Str("event_id", event.ID).Msg("failed to release event lock")
			}
		}()
		// a concurrent delivery may have finished before we got the lock
		if done, err := s.isProcessed(ctx, event.ID); err != nil {
			return "", err
		} else if done {
			return OutcomeDuplicate, nil
		}
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingTimeout)
	defer cancel()
	if err := s.applier.ApplyEvent(pctx, event); err != nil {
		if pctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", apperror.GatewayTransient("webhook processing timed out", err)
		}
		return "", err
	}

	s.markProcessed(ctx, event.ID)
	return OutcomeProcessed, nil
}

func (s *WebhookService) isProcessed(ctx context.Context, eventID string) (bool, error) {
	if s.cache != nil {
		done, err := s.cache.IsProcessed(ctx, eventID)
		if err == nil && done {
			return true, nil
		}
		if err != nil {
			s.log.Warn().Err(err).Str("event_id", eventID).Msg("processed-event cache unavailable")
		}
	}
	done, err := s.events.IsProcessed(ctx, eventID)
	if err != nil {
		return false, apperror.ErrUnavailable("webhook event store", err)
	}
	return done, nil
}

func (s *WebhookService) markProcessed(ctx context.Context, eventID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.events.MarkProcessed(ctx, eventID, s.now()); err != nil {
		// a redelivery will be applied again as a no-op
		s.log.Error().Err(err).Str("event_id", eventID).Msg("failed to record processed event")
	}
	if s.cache != nil {
		if err := s.cache.MarkProcessed(ctx, eventID, s.cfg.DedupRetention); err != nil {
			s.log.Warn().Err(err).Str("event_id", eventID).Msg("failed to cache processed event")
		}
	}
}

// HandleRetryTask is the retry queue consumer for webhook-event tasks.
func (s *WebhookService) HandleRetryTask(ctx context.Context, task *domain.RetryTask) error {
	var event domain.GatewayEvent
	if err := json.Unmarshal(task.Payload, &event); err != nil {
		return apperror.Validation(fmt.Sprintf("decode webhook task payload: %v", err))
	}
	outcome, err := s.ProcessEvent(ctx, &event)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("event_id", event.ID).
		Str("task_id", task.ID).
		Str("outcome", string(outcome)).
		Msg("webhook retry finished")
	return nil
}

// PruneProcessed removes dedup records older than the retention window.
func (s *WebhookService) PruneProcessed(ctx context.Context) error {
	n, err := s.events.PruneBefore(ctx, s.now().Add(-s.cfg.DedupRetention))
	if err != nil {
		return fmt.Errorf("prune processed events: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("pruned", n).Msg("pruned processed webhook events")
	}
	return nil
}
