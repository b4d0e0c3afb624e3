package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"
	"deposit-hold-service/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxUpdateAttempts bounds retries of a pure state update that lost an optimistic-concurrency race.
	maxUpdateAttempts = 5

	// DefaultLeaseTTL is how long a gateway call may hold a deposit before another worker can take over.
	DefaultLeaseTTL = 2 * time.Minute

	opInitialize      = "initialize"
	opCapture         = "capture"
	opRelease         = "release"
	opRefund          = "refund"
	opReauthorization = "reauthorization"
)

// errNoop aborts an update without writing; the caller returns the current deposit.
var errNoop = errors.New("no state change")

// DepositService is the deposit state machine. Every gateway-mutating operation
// claims the deposit lease, calls the gateway outside any store transaction,
// then commits the outcome and drops the lease in a second update.
type DepositService struct {
	repo     ports.DepositRepository
	gateway  ports.PaymentGateway
	policy   *VerificationPolicy
	leaseTTL time.Duration
	validate *validator.Validate
	now      func() time.Time
	log      zerolog.Logger
}

// NewDepositService creates the deposit state machine.
func NewDepositService(
	repo ports.DepositRepository,
	gateway ports.PaymentGateway,
	policy *VerificationPolicy,
	leaseTTL time.Duration,
	log zerolog.Logger,
) *DepositService {
	if policy == nil {
		policy = NewVerificationPolicy(DefaultVerificationAmount, nil)
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &DepositService{
		repo:     repo,
		gateway:  gateway,
		policy:   policy,
		leaseTTL: leaseTTL,
		validate: validator.New(),
		now:      time.Now,
		log:      logger.Component(log, "deposit_service"),
	}
}

// ==================== Reads ====================

func (s *DepositService) Get(ctx context.Context, id string) (*domain.Deposit, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *DepositService) List(ctx context.Context) ([]*domain.Deposit, error) {
	return s.repo.List(ctx)
}

// ==================== Initialize ====================

// Initialize creates a deposit, verifies the card with a small authorization
// that is voided right away, then places the hold. A transient gateway failure
// leaves the deposit in pending_verification; calling again with the same ID
// resumes with the same idempotency keys. Declines and step-ups are recorded on
// the returned deposit rather than returned as errors.
func (s *DepositService) Initialize(ctx context.Context, req ports.InitializeRequest) (*domain.Deposit, error) {
	if req.HoldAmount <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	req.Currency = strings.ToLower(req.Currency)

	d, err := s.findOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DepositStatusPendingVerification {
		return d, nil
	}

	token := uuid.NewString()
	d, claimed, err := s.claim(ctx, d.ID, opInitialize, token, func(d *domain.Deposit) error {
		if d.Status != domain.DepositStatusPendingVerification {
			return errNoop
		}
		return nil
	})
	if err != nil || !claimed {
		return d, err
	}

	if d.VerificationAuthorizationID == "" {
		d, err = s.verify(ctx, d, token)
		if err != nil || d.Status != domain.DepositStatusPendingVerification {
			return d, err
		}
	}
	return s.placeHold(ctx, d, token)
}

func (s *DepositService) findOrCreate(ctx context.Context, req ports.InitializeRequest) (*domain.Deposit, error) {
	if req.ID != "" {
		existing, err := s.repo.FindByID(ctx, req.ID)
		switch {
		case err == nil:
			return existing, sameRequest(existing, req)
		case !apperror.IsKind(err, apperror.KindNotFound):
			return nil, err
		}
	}

	now := s.now()
	d := &domain.Deposit{
		ID:              req.ID,
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		Currency:        req.Currency,
		HoldAmount:      req.HoldAmount,
		Status:          domain.DepositStatusPendingVerification,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	if err := s.repo.Create(ctx, d); err != nil {
		if apperror.CodeOf(err) == "DEP_409" && req.ID != "" {
			// lost a create race against a retry of the same request
			existing, ferr := s.repo.FindByID(ctx, req.ID)
			if ferr != nil {
				return nil, ferr
			}
			return existing, sameRequest(existing, req)
		}
		return nil, err
	}

	s.log.Info().
		Str("deposit_id", d.ID).
		Str("customer_id", d.CustomerID).
		Int64("hold_amount", d.HoldAmount).
		Str("currency", d.Currency).
		Msg("deposit created")
	return d, nil
}

func sameRequest(d *domain.Deposit, req ports.InitializeRequest) error {
	if d.CustomerID != req.CustomerID || d.PaymentMethodID != req.PaymentMethodID ||
		d.Currency != req.Currency || d.HoldAmount != req.HoldAmount {
		return apperror.Validation("deposit id already used with different parameters")
	}
	return nil
}

func (s *DepositService) verify(ctx context.Context, d *domain.Deposit, token string) (*domain.Deposit, error) {
	amount := s.policy.Amount(d.Currency, d.HoldAmount)
	auth, gwErr := s.gateway.Authorize(ctx, ports.AuthorizeRequest{
		Amount:          amount,
		Currency:        d.Currency,
		PaymentMethodID: d.PaymentMethodID,
		CustomerID:      d.CustomerID,
		Metadata:        gatewayMetadata(d, domain.PurposeVerification),
		IdempotencyKey:  idempotencyKey(d.ID, "verification", ""),
	})

	now := s.now()
	attempt := domain.AuthorizationAttempt{Purpose: domain.PurposeVerification, Amount: amount, At: now}

	if gwErr != nil {
		attempt.Error = gwErr.Error()
		return s.commitGatewayFailure(ctx, d.ID, token, gwErr, func(d *domain.Deposit) error {
			d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
			switch {
			case declined(gwErr):
				return failWith(d, gwErr, now)
			case apperror.IsTransient(gwErr):
				d.LastError = depositError(gwErr, now)
			}
			return nil
		})
	}

	attempt.AuthorizationID = auth.ID
	if auth.Status == ports.AuthorizationStatusRequiresAction {
		return s.commit(ctx, d.ID, token, func(d *domain.Deposit) error {
			attempt.Error = "requires_action"
			d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
			d.VerificationAuthorizationID = auth.ID
			return requireAction(d, auth.ActionURL, "card verification requires customer action", now)
		})
	}

	attempt.Success = true
	d, err := s.commit(ctx, d.ID, token, func(d *domain.Deposit) error {
		d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
		d.VerificationAuthorizationID = auth.ID
		// keep the lease for the hold leg
		return d.AcquireLease(opInitialize, token, now, s.leaseTTL)
	})
	if err != nil {
		return d, err
	}

	// Nothing was captured, so the refund leg of the round trip is a void.
	if _, err := s.gateway.Cancel(ctx, auth.ID, idempotencyKey(d.ID, "cancel", auth.ID)); err != nil {
		s.log.Warn().Err(err).
			Str("deposit_id", d.ID).
			Str("authorization_id", auth.ID).
			Msg("verification authorization void failed, it will lapse at the gateway")
	}
	return d, nil
}

func (s *DepositService) placeHold(ctx context.Context, d *domain.Deposit, token string) (*domain.Deposit, error) {
	auth, gwErr := s.gateway.Authorize(ctx, ports.AuthorizeRequest{
		Amount:          d.HoldAmount,
		Currency:        d.Currency,
		PaymentMethodID: d.PaymentMethodID,
		CustomerID:      d.CustomerID,
		Metadata:        gatewayMetadata(d, domain.PurposeHold),
		IdempotencyKey:  idempotencyKey(d.ID, "hold", ""),
	})

	now := s.now()
	attempt := domain.AuthorizationAttempt{Purpose: domain.PurposeHold, Amount: d.HoldAmount, At: now}

	if gwErr != nil {
		attempt.Error = gwErr.Error()
		return s.commitGatewayFailure(ctx, d.ID, token, gwErr, func(d *domain.Deposit) error {
			d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
			switch {
			case declined(gwErr):
				return failWith(d, gwErr, now)
			case apperror.IsTransient(gwErr):
				d.LastError = depositError(gwErr, now)
			}
			return nil
		})
	}

	attempt.AuthorizationID = auth.ID
	updated, err := s.commit(ctx, d.ID, token, func(d *domain.Deposit) error {
		if d.Status != domain.DepositStatusPendingVerification {
			// a webhook for this authorization landed first
			return errNoop
		}
		d.ActiveAuthorizationID = auth.ID
		if auth.Status == ports.AuthorizationStatusRequiresAction {
			attempt.Error = "requires_action"
			d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
			return requireAction(d, auth.ActionURL, "hold requires customer action", now)
		}
		attempt.Success = true
		d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
		d.InitialAuthorizationAt = domain.TimePtr(now)
		d.LastAuthorizationAt = domain.TimePtr(now)
		return d.TransitionTo(domain.DepositStatusAuthorized)
	})
	if err != nil {
		return updated, err
	}

	s.log.Info().
		Str("deposit_id", updated.ID).
		Str("authorization_id", auth.ID).
		Str("status", string(updated.Status)).
		Msg("deposit hold placed")
	return updated, nil
}

// ==================== Capture ====================

// Capture charges amount (default: the full hold) against the active
// authorization. Capturing an already captured deposit is a no-op.
func (s *DepositService) Capture(ctx context.Context, id string, amount *int64) (*domain.Deposit, error) {
	d, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if isCaptured(d.Status) {
		return d, nil
	}
	if d.Status != domain.DepositStatusAuthorized {
		return nil, apperror.ErrInvalidTransition(string(d.Status), string(domain.DepositStatusCaptured))
	}

	amt := d.HoldAmount
	if amount != nil {
		amt = *amount
	}
	if amt <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}
	if amt > d.HoldAmount {
		return nil, apperror.ErrCaptureExceedsHold()
	}

	token := uuid.NewString()
	d, claimed, err := s.claim(ctx, id, opCapture, token, func(d *domain.Deposit) error {
		if isCaptured(d.Status) {
			return errNoop
		}
		if d.Status != domain.DepositStatusAuthorized {
			return apperror.ErrInvalidTransition(string(d.Status), string(domain.DepositStatusCaptured))
		}
		return nil
	})
	if err != nil || !claimed {
		return d, err
	}

	authID := d.ActiveAuthorizationID
	res, gwErr := s.gateway.Capture(ctx, authID, amt, idempotencyKey(id, opCapture, authID))
	now := s.now()
	attempt := domain.CaptureAttempt{AuthorizationID: authID, Amount: amt, At: now}

	if gwErr != nil {
		attempt.Error = gwErr.Error()
		_, err := s.commitGatewayFailure(ctx, id, token, gwErr, func(d *domain.Deposit) error {
			d.CaptureHistory = append(d.CaptureHistory, attempt)
			if !declined(gwErr) || d.Status != domain.DepositStatusAuthorized {
				return nil
			}
			return failWith(d, gwErr, now)
		})
		if err != nil {
			return nil, err
		}
		return nil, gwErr
	}

	captured := amt
	if res.CapturedAmount > 0 {
		captured = res.CapturedAmount
	}
	attempt.Amount = captured
	attempt.Success = true

	d, err = s.commit(ctx, id, token, func(d *domain.Deposit) error {
		if isCaptured(d.Status) {
			return errNoop
		}
		d.CaptureHistory = append(d.CaptureHistory, attempt)
		if err := d.TransitionTo(domain.DepositStatusCaptured); err != nil {
			return err
		}
		d.CapturedAmount = captured
		d.CaptureAuthorizationID = authID
		d.CapturedAt = domain.TimePtr(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("deposit_id", id).
		Str("authorization_id", authID).
		Int64("amount", captured).
		Msg("deposit captured")
	return d, nil
}

// ==================== Release ====================

// Release voids the hold. A deposit still waiting on customer action is
// canceled instead. Releasing twice is a no-op.
func (s *DepositService) Release(ctx context.Context, id string) (*domain.Deposit, error) {
	d, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case domain.DepositStatusReleased, domain.DepositStatusCanceled:
		return d, nil
	case domain.DepositStatusAuthorized, domain.DepositStatusRequiresAction:
	default:
		return nil, apperror.ErrInvalidTransition(string(d.Status), string(domain.DepositStatusReleased))
	}

	token := uuid.NewString()
	d, claimed, err := s.claim(ctx, id, opRelease, token, func(d *domain.Deposit) error {
		switch d.Status {
		case domain.DepositStatusReleased, domain.DepositStatusCanceled:
			return errNoop
		case domain.DepositStatusAuthorized, domain.DepositStatusRequiresAction:
			return nil
		}
		return apperror.ErrInvalidTransition(string(d.Status), string(domain.DepositStatusReleased))
	})
	if err != nil || !claimed {
		return d, err
	}

	authID := d.ActiveAuthorizationID
	if authID == "" && d.Status == domain.DepositStatusRequiresAction {
		authID = d.VerificationAuthorizationID
	}
	if authID != "" {
		_, gwErr := s.gateway.Cancel(ctx, authID, idempotencyKey(id, "cancel", authID))
		if gwErr != nil && d.Status == domain.DepositStatusAuthorized {
			now := s.now()
			if _, err := s.commitGatewayFailure(ctx, id, token, gwErr, func(d *domain.Deposit) error {
				d.LastError = depositError(gwErr, now)
				return nil
			}); err != nil {
				return nil, err
			}
			return nil, gwErr
		}
		if gwErr != nil {
			// an unfinished step-up authorization never became a hold
			s.log.Warn().Err(gwErr).Str("deposit_id", id).Str("authorization_id", authID).
				Msg("cancel of pending authorization failed")
		}
	}

	now := s.now()
	d, err = s.commit(ctx, id, token, func(d *domain.Deposit) error {
		switch d.Status {
		case domain.DepositStatusAuthorized:
			if err := d.TransitionTo(domain.DepositStatusReleased); err != nil {
				return err
			}
			d.ReleasedAmount = d.HoldAmount
			d.ReleasedAt = domain.TimePtr(now)
			return nil
		case domain.DepositStatusRequiresAction:
			return d.TransitionTo(domain.DepositStatusCanceled)
		}
		return errNoop
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("deposit_id", id).Str("status", string(d.Status)).Msg("deposit released")
	return d, nil
}

// ==================== Refund ====================

// Refund returns amount of the captured funds. The amount must not exceed
// CapturedAmount − RefundedAmount. A repeated idempotency key is a no-op.
func (s *DepositService) Refund(ctx context.Context, id string, amount int64, idempotencyKey string) (*domain.Deposit, error) {
	d, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RefundByKey(idempotencyKey) != nil || d.Status == domain.DepositStatusRefunded {
		return d, nil
	}
	if err := checkRefund(d, amount); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	d, claimed, err := s.claim(ctx, id, opRefund, token, func(d *domain.Deposit) error {
		if d.RefundByKey(idempotencyKey) != nil || d.Status == domain.DepositStatusRefunded {
			return errNoop
		}
		return checkRefund(d, amount)
	})
	if err != nil || !claimed {
		return d, err
	}

	authID := d.CaptureAuthorizationID
	res, gwErr := s.gateway.Refund(ctx, authID, amount, refundKey(d, idempotencyKey))
	now := s.now()

	if gwErr != nil {
		if _, err := s.commitGatewayFailure(ctx, id, token, gwErr, func(d *domain.Deposit) error {
			d.LastError = depositError(gwErr, now)
			return nil
		}); err != nil {
			return nil, err
		}
		return nil, gwErr
	}

	refunded := amount
	if res.Amount > 0 {
		refunded = res.Amount
	}
	d, err = s.commit(ctx, id, token, func(d *domain.Deposit) error {
		if d.HasRefund(res.ID) {
			// refund.succeeded webhook got here first
			for i := range d.RefundHistory {
				if d.RefundHistory[i].RefundID == res.ID && d.RefundHistory[i].IdempotencyKey == "" {
					d.RefundHistory[i].IdempotencyKey = idempotencyKey
				}
			}
			return nil
		}
		return applyRefund(d, res.ID, authID, refunded, idempotencyKey, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("deposit_id", id).
		Str("refund_id", res.ID).
		Int64("amount", refunded).
		Int64("refunded_total", d.RefundedAmount).
		Msg("deposit refunded")
	return d, nil
}

func checkRefund(d *domain.Deposit, amount int64) error {
	if d.Status != domain.DepositStatusCaptured && d.Status != domain.DepositStatusPartiallyRefunded {
		return apperror.ErrInvalidTransition(string(d.Status), string(domain.DepositStatusRefunded))
	}
	if amount <= 0 {
		return apperror.ErrInvalidAmount()
	}
	if amount > d.AvailableRefund() {
		return apperror.ErrRefundExceedsAvailable(d.AvailableRefund())
	}
	return nil
}

func applyRefund(d *domain.Deposit, refundID, authID string, amount int64, key string, at time.Time) error {
	if amount > d.AvailableRefund() {
		return apperror.ErrRefundExceedsAvailable(d.AvailableRefund())
	}
	next := domain.DepositStatusPartiallyRefunded
	if d.RefundedAmount+amount == d.CapturedAmount {
		next = domain.DepositStatusRefunded
	}
	if err := d.TransitionTo(next); err != nil {
		return err
	}
	d.RefundedAmount += amount
	d.RefundHistory = append(d.RefundHistory, domain.RefundAttempt{
		RefundID:        refundID,
		AuthorizationID: authID,
		Amount:          amount,
		At:              at,
		IdempotencyKey:  key,
	})
	return nil
}

// ==================== Reauthorization ====================

// ReauthOutcome is the result of one reauthorization attempt.
type ReauthOutcome string

const (
	ReauthSucceeded ReauthOutcome = "reauthorized"
	ReauthFailed    ReauthOutcome = "failed"
	ReauthTransient ReauthOutcome = "transient"
	ReauthSkipped   ReauthOutcome = "skipped"
)

// ReauthorizeOptions guard the claim so a stale candidate list cannot cause a
// second reauthorization of the same hold.
type ReauthorizeOptions struct {
	// ExpectedAuthorizationID must still be the active authorization.
	ExpectedAuthorizationID string
	// ExpectedLastAuthorizationAt must still equal LastAuthorizationAt.
	ExpectedLastAuthorizationAt *time.Time
	// RequireStale skips deposits whose last authorization is after Cutoff.
	RequireStale bool
	Cutoff       time.Time
	// RetryTaskID is set when a retry task owns the attempt.
	RetryTaskID string
}

// ReauthResult describes what Reauthorize did.
type ReauthResult struct {
	Outcome            ReauthOutcome
	Deposit            *domain.Deposit
	NewAuthorizationID string
}

// Reauthorize replaces the active authorization with a fresh one for the same
// amount. On success the swap and history entry commit atomically, then the old
// authorization is voided. Transient failures are returned with outcome
// ReauthTransient so the caller can hand the deposit to the retry queue.
func (s *DepositService) Reauthorize(ctx context.Context, id string, opts ReauthorizeOptions) (*ReauthResult, error) {
	token := uuid.NewString()
	d, claimed, err := s.claim(ctx, id, opReauthorization, token, func(d *domain.Deposit) error {
		return reauthEligible(d, opts)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &ReauthResult{Outcome: ReauthSkipped, Deposit: d}, nil
	}

	oldAuth := d.ActiveAuthorizationID
	auth, gwErr := s.gateway.Authorize(ctx, ports.AuthorizeRequest{
		Amount:          d.HoldAmount,
		Currency:        d.Currency,
		PaymentMethodID: d.PaymentMethodID,
		CustomerID:      d.CustomerID,
		Metadata:        gatewayMetadata(d, domain.PurposeReauthorization),
		IdempotencyKey:  idempotencyKey(id, opReauthorization, oldAuth),
	})
	now := s.now()
	attempt := domain.AuthorizationAttempt{Purpose: domain.PurposeReauthorization, Amount: d.HoldAmount, At: now}

	switch {
	case gwErr != nil && apperror.IsTransient(gwErr):
		attempt.Error = gwErr.Error()
		d, err := s.commit(ctx, id, token, func(d *domain.Deposit) error {
			d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
			d.LastError = depositError(gwErr, now)
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.log.Warn().Err(gwErr).Str("deposit_id", id).Str("authorization_id", oldAuth).
			Msg("reauthorization failed transiently")
		return &ReauthResult{Outcome: ReauthTransient, Deposit: d}, gwErr

	case gwErr != nil && !declined(gwErr):
		// no gateway outcome (caller gave up); the next tick tries again
		if _, err := s.commit(ctx, id, token, func(d *domain.Deposit) error { return nil }); err != nil {
			return nil, err
		}
		return nil, gwErr

	case gwErr != nil || auth.Status == ports.AuthorizationStatusRequiresAction:
		cause := gwErr
		if cause == nil {
			// an off-session reauthorization cannot complete a customer step-up
			cause = apperror.GatewayTerminal("authentication_required", "reauthorization requires customer action", nil)
			attempt.AuthorizationID = auth.ID
			s.voidAuthorization(ctx, id, auth.ID)
		}
		attempt.Error = cause.Error()
		d, err := s.commit(ctx, id, token, func(d *domain.Deposit) error {
			d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
			if d.ReauthRetryTaskID == opts.RetryTaskID {
				d.ReauthRetryTaskID = ""
			}
			if d.Status != domain.DepositStatusAuthorized || d.ActiveAuthorizationID != oldAuth {
				return nil
			}
			return failWith(d, cause, now)
		})
		if err != nil {
			return nil, err
		}
		s.log.Warn().Err(cause).Str("deposit_id", id).Msg("reauthorization declined, deposit failed")
		return &ReauthResult{Outcome: ReauthFailed, Deposit: d}, nil
	}

	movedOn := false
	attempt.AuthorizationID = auth.ID
	attempt.Success = true
	d, err = s.commit(ctx, id, token, func(d *domain.Deposit) error {
		if d.Status != domain.DepositStatusAuthorized || d.ActiveAuthorizationID != oldAuth {
			movedOn = true
			return errNoop
		}
		if err := d.TransitionTo(domain.DepositStatusAuthorized); err != nil {
			return err
		}
		d.ActiveAuthorizationID = auth.ID
		d.LastAuthorizationAt = domain.TimePtr(now)
		d.AuthorizationHistory = append(d.AuthorizationHistory, attempt)
		if d.ReauthRetryTaskID == opts.RetryTaskID {
			d.ReauthRetryTaskID = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if movedOn {
		// captured or released while the gateway call was in flight
		s.voidAuthorization(ctx, id, auth.ID)
		s.log.Info().Str("deposit_id", id).Str("status", string(d.Status)).
			Msg("deposit moved on during reauthorization, new authorization voided")
		return &ReauthResult{Outcome: ReauthSkipped, Deposit: d}, nil
	}

	s.voidAuthorization(ctx, id, oldAuth)
	s.log.Info().
		Str("deposit_id", id).
		Str("old_authorization_id", oldAuth).
		Str("authorization_id", auth.ID).
		Msg("deposit reauthorized")
	return &ReauthResult{Outcome: ReauthSucceeded, Deposit: d, NewAuthorizationID: auth.ID}, nil
}

func reauthEligible(d *domain.Deposit, opts ReauthorizeOptions) error {
	switch {
	case d.Status != domain.DepositStatusAuthorized:
		return errNoop
	case opts.ExpectedAuthorizationID != "" && d.ActiveAuthorizationID != opts.ExpectedAuthorizationID:
		return errNoop
	case opts.ExpectedLastAuthorizationAt != nil &&
		(d.LastAuthorizationAt == nil || !d.LastAuthorizationAt.Equal(*opts.ExpectedLastAuthorizationAt)):
		return errNoop
	case opts.RequireStale && d.LastAuthorizationAt != nil && d.LastAuthorizationAt.After(opts.Cutoff):
		return errNoop
	case d.ReauthRetryTaskID != opts.RetryTaskID:
		// a retry task owns the next attempt, or this task was superseded
		return errNoop
	}
	return nil
}

// MarkReauthRetry hands the deposit to a reauthorization retry task.
func (s *DepositService) MarkReauthRetry(ctx context.Context, id, taskID string) error {
	_, err := s.updateWithRetry(ctx, id, func(d *domain.Deposit) error {
		if d.Status != domain.DepositStatusAuthorized {
			return errNoop
		}
		d.ReauthRetryTaskID = taskID
		return nil
	})
	return err
}

// ClearReauthRetry releases the deposit from taskID so the scheduler can start a new chain.
func (s *DepositService) ClearReauthRetry(ctx context.Context, id, taskID string) error {
	_, err := s.updateWithRetry(ctx, id, func(d *domain.Deposit) error {
		if d.ReauthRetryTaskID != taskID {
			return errNoop
		}
		d.ReauthRetryTaskID = ""
		return nil
	})
	return err
}

func (s *DepositService) voidAuthorization(ctx context.Context, depositID, authID string) {
	if authID == "" {
		return
	}
	if _, err := s.gateway.Cancel(ctx, authID, idempotencyKey(depositID, "cancel", authID)); err != nil {
		s.log.Warn().Err(err).
			Str("deposit_id", depositID).
			Str("authorization_id", authID).
			Msg("void of superseded authorization failed, it will lapse at the gateway")
	}
}

// ==================== Webhook-driven transitions ====================

// ApplyEvent applies a verified gateway event. Events that do not change the
// deposit are no-ops. Unknown event types are ignored.
func (s *DepositService) ApplyEvent(ctx context.Context, event *domain.GatewayEvent) error {
	depositID := event.Data.Metadata.DepositID
	if depositID == "" {
		return apperror.ErrNotFound("deposit")
	}

	if event.Type == domain.EventAuthorizationSucceeded && event.Data.Metadata.Purpose == domain.PurposeVerification {
		return s.resumeVerified(ctx, event)
	}

	apply := eventHandler(event, s.now())
	if apply == nil {
		s.log.Debug().Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("ignoring event type")
		return nil
	}

	d, err := s.updateWithRetry(ctx, depositID, apply)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("deposit_id", depositID).
		Str("status", string(d.Status)).
		Msg("gateway event applied")
	return nil
}

// resumeVerified handles a verification authorization that succeeded after a
// customer step-up. The deposit goes back to pending_verification with the
// verification recorded, so the next Initialize call places the hold.
func (s *DepositService) resumeVerified(ctx context.Context, event *domain.GatewayEvent) error {
	depositID, authID := event.Data.Metadata.DepositID, event.Data.AuthorizationID
	now := s.now()
	resumed := false
	d, err := s.updateWithRetry(ctx, depositID, func(d *domain.Deposit) error {
		resumed = false
		if d.Status != domain.DepositStatusRequiresAction || d.ActiveAuthorizationID != "" ||
			d.VerificationAuthorizationID != authID {
			return errNoop
		}
		if err := d.TransitionTo(domain.DepositStatusPendingVerification); err != nil {
			return err
		}
		d.AuthorizationHistory = append(d.AuthorizationHistory, domain.AuthorizationAttempt{
			AuthorizationID: authID,
			Purpose:         domain.PurposeVerification,
			Amount:          event.Data.Amount,
			At:              now,
			Success:         true,
		})
		resumed = true
		return nil
	})
	if err != nil {
		return err
	}
	if !resumed {
		return nil
	}

	s.voidAuthorization(ctx, depositID, authID)
	s.log.Info().
		Str("event_id", event.ID).
		Str("deposit_id", depositID).
		Str("authorization_id", authID).
		Str("status", string(d.Status)).
		Msg("verification completed after customer action")
	return nil
}

func eventHandler(event *domain.GatewayEvent, now time.Time) ports.DepositUpdater {
	data := event.Data
	switch event.Type {
	case domain.EventAuthorizationSucceeded:
		return func(d *domain.Deposit) error {
			if data.Metadata.Purpose != "" && data.Metadata.Purpose != domain.PurposeHold {
				return errNoop
			}
			if d.Status != domain.DepositStatusPendingVerification && d.Status != domain.DepositStatusRequiresAction {
				return errNoop
			}
			if err := d.TransitionTo(domain.DepositStatusAuthorized); err != nil {
				return err
			}
			d.ActiveAuthorizationID = data.AuthorizationID
			if d.InitialAuthorizationAt == nil {
				d.InitialAuthorizationAt = domain.TimePtr(now)
			}
			d.LastAuthorizationAt = domain.TimePtr(now)
			d.AuthorizationHistory = append(d.AuthorizationHistory, domain.AuthorizationAttempt{
				AuthorizationID: data.AuthorizationID,
				Purpose:         domain.PurposeHold,
				Amount:          d.HoldAmount,
				At:              now,
				Success:         true,
			})
			return nil
		}

	case domain.EventAuthorizationRequiresAction:
		return func(d *domain.Deposit) error {
			if d.Status != domain.DepositStatusPendingVerification {
				return errNoop
			}
			if data.Metadata.Purpose == domain.PurposeVerification {
				d.VerificationAuthorizationID = data.AuthorizationID
			} else {
				d.ActiveAuthorizationID = data.AuthorizationID
			}
			return requireAction(d, data.ActionURL, data.Reason, now)
		}

	case domain.EventAuthorizationFailed:
		return func(d *domain.Deposit) error {
			switch {
			case d.Status == domain.DepositStatusPendingVerification, d.Status == domain.DepositStatusRequiresAction:
			case d.Status == domain.DepositStatusAuthorized && data.AuthorizationID == d.ActiveAuthorizationID:
			default:
				// superseded or unrelated authorization
				return errNoop
			}
			d.AuthorizationHistory = append(d.AuthorizationHistory, domain.AuthorizationAttempt{
				AuthorizationID: data.AuthorizationID,
				Purpose:         purposeOr(data.Metadata.Purpose, domain.PurposeHold),
				Amount:          d.HoldAmount,
				At:              now,
				Error:           failureText(data),
			})
			return d.Fail(failureCode(data), failureText(data), now)
		}

	case domain.EventAuthorizationCanceled:
		return func(d *domain.Deposit) error {
			switch {
			case d.Status == domain.DepositStatusAuthorized && data.AuthorizationID == d.ActiveAuthorizationID:
				if err := d.TransitionTo(domain.DepositStatusReleased); err != nil {
					return err
				}
				d.ReleasedAmount = d.HoldAmount
				d.ReleasedAt = domain.TimePtr(now)
				return nil
			case d.Status == domain.DepositStatusRequiresAction:
				return d.TransitionTo(domain.DepositStatusCanceled)
			}
			// voids of verification and superseded authorizations
			return errNoop
		}

	case domain.EventCaptureSucceeded:
		return func(d *domain.Deposit) error {
			if d.Status != domain.DepositStatusAuthorized {
				return errNoop
			}
			if data.Amount < 0 {
				return apperror.Validation("capture event amount must not be negative")
			}
			amount := data.Amount
			if amount == 0 {
				amount = d.HoldAmount
			}
			if amount > d.HoldAmount {
				return apperror.ErrCaptureExceedsHold()
			}
			authID := data.AuthorizationID
			if authID == "" {
				authID = d.ActiveAuthorizationID
			}
			if err := d.TransitionTo(domain.DepositStatusCaptured); err != nil {
				return err
			}
			d.CapturedAmount = amount
			d.CaptureAuthorizationID = authID
			d.CapturedAt = domain.TimePtr(now)
			d.CaptureHistory = append(d.CaptureHistory, domain.CaptureAttempt{
				AuthorizationID: authID, Amount: amount, At: now, Success: true,
			})
			return nil
		}

	case domain.EventCaptureFailed:
		return func(d *domain.Deposit) error {
			if data.Amount < 0 {
				return apperror.Validation("capture event amount must not be negative")
			}
			if d.Status != domain.DepositStatusAuthorized {
				return errNoop
			}
			d.CaptureHistory = append(d.CaptureHistory, domain.CaptureAttempt{
				AuthorizationID: data.AuthorizationID, Amount: data.Amount, At: now, Error: failureText(data),
			})
			return d.Fail(failureCode(data), failureText(data), now)
		}

	case domain.EventRefundSucceeded:
		return func(d *domain.Deposit) error {
			if data.RefundID == "" || data.Amount <= 0 {
				return apperror.Validation("refund event needs refund_id and a positive amount")
			}
			if d.HasRefund(data.RefundID) {
				return errNoop
			}
			switch d.Status {
			case domain.DepositStatusCaptured, domain.DepositStatusPartiallyRefunded:
			case domain.DepositStatusAuthorized:
				return apperror.ErrOutOfOrder("refund event arrived before the capture it refunds")
			default:
				return errNoop
			}
			authID := data.AuthorizationID
			if authID == "" {
				authID = d.CaptureAuthorizationID
			}
			return applyRefund(d, data.RefundID, authID, data.Amount, "", now)
		}

	case domain.EventDisputeCreated:
		return func(d *domain.Deposit) error {
			d.ActionRequired = &domain.ActionRequired{
				Type:   domain.ActionTypeDispute,
				Reason: data.Reason,
				At:     now,
			}
			return nil
		}
	}
	return nil
}

// ==================== Update plumbing ====================

// updateWithRetry applies fn, retrying lost concurrency races. errNoop returns
// the current deposit without writing.
func (s *DepositService) updateWithRetry(ctx context.Context, id string, fn ports.DepositUpdater) (*domain.Deposit, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		d, err := s.repo.Update(ctx, id, fn)
		switch {
		case err == nil:
			return d, nil
		case errors.Is(err, errNoop):
			return s.repo.FindByID(ctx, id)
		case apperror.CodeOf(err) == "DEP_409_RACE":
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// claim acquires the deposit lease after check passes. claimed is false when
// check returned errNoop; the current deposit is returned unchanged then.
func (s *DepositService) claim(ctx context.Context, id, op, token string, check ports.DepositUpdater) (d *domain.Deposit, claimed bool, err error) {
	d, err = s.updateWithRetry(ctx, id, func(d *domain.Deposit) error {
		if err := check(d); err != nil {
			return err
		}
		return d.AcquireLease(op, token, s.now(), s.leaseTTL)
	})
	if err != nil {
		return nil, false, err
	}
	return d, d.Lease != nil && d.Lease.Token == token, nil
}

// commit drops the lease held under token and applies fn in the same update.
// If fn fails, nothing of fn is written but the lease is still dropped.
// It ignores cancellation of ctx.
func (s *DepositService) commit(ctx context.Context, id, token string, fn ports.DepositUpdater) (*domain.Deposit, error) {
	// the gateway call already happened; its outcome must land even if the caller left
	ctx = context.WithoutCancel(ctx)
	var fnErr error
	d, err := s.updateWithRetry(ctx, id, func(d *domain.Deposit) error {
		fnErr = nil
		if err := d.ReleaseLease(token, s.now()); err != nil {
			return err
		}
		if err := fn(d); err != nil && !errors.Is(err, errNoop) {
			fnErr = err
			return err
		}
		return nil
	})
	if err != nil && fnErr != nil {
		if _, rerr := s.updateWithRetry(ctx, id, func(d *domain.Deposit) error {
			if d.Lease == nil || d.Lease.Token != token {
				return errNoop
			}
			d.Lease = nil
			return nil
		}); rerr != nil {
			s.log.Warn().Err(rerr).Str("deposit_id", id).Msg("failed to drop lease, it will expire")
		}
	}
	return d, err
}

// commitGatewayFailure records a gateway failure. The gateway error stays the
// operation's error; storage errors are returned instead when the commit fails.
func (s *DepositService) commitGatewayFailure(ctx context.Context, id, token string, gwErr error, fn ports.DepositUpdater) (*domain.Deposit, error) {
	d, err := s.commit(ctx, id, token, fn)
	if err != nil {
		s.log.Error().Err(err).AnErr("gateway_error", gwErr).Str("deposit_id", id).
			Msg("failed to record gateway failure")
		return nil, err
	}
	if declined(gwErr) {
		return d, nil
	}
	return d, gwErr
}

// ==================== Helpers ====================

func isCaptured(s domain.DepositStatus) bool {
	return s == domain.DepositStatusCaptured ||
		s == domain.DepositStatusPartiallyRefunded ||
		s == domain.DepositStatusRefunded
}

// declined reports whether the gateway refused the request. Only a decline
// fails a deposit; transient errors and abandoned calls leave the status alone.
func declined(err error) bool {
	return apperror.IsKind(err, apperror.KindGatewayTerminal)
}

func failWith(d *domain.Deposit, err error, now time.Time) error {
	e := depositError(err, now)
	return d.Fail(e.Code, e.Message, now)
}

func requireAction(d *domain.Deposit, url, reason string, now time.Time) error {
	if err := d.TransitionTo(domain.DepositStatusRequiresAction); err != nil {
		return err
	}
	d.ActionRequired = &domain.ActionRequired{Type: domain.ActionTypeCustomer, URL: url, Reason: reason, At: now}
	return nil
}

func depositError(err error, now time.Time) *domain.DepositError {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return &domain.DepositError{Code: appErr.Code, Message: appErr.Message, At: now}
	}
	return &domain.DepositError{Code: "SYS_001", Message: err.Error(), At: now}
}

func failureCode(data domain.EventData) string {
	if data.FailureCode != "" {
		return data.FailureCode
	}
	return "GW_402"
}

func failureText(data domain.EventData) string {
	if data.FailureMessage != "" {
		return data.FailureMessage
	}
	return "authorization failed at gateway"
}

func purposeOr(p, fallback domain.AuthorizationPurpose) domain.AuthorizationPurpose {
	if p == "" {
		return fallback
	}
	return p
}

func gatewayMetadata(d *domain.Deposit, purpose domain.AuthorizationPurpose) map[string]string {
	md := make(map[string]string, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		md[k] = v
	}
	md["deposit_id"] = d.ID
	md["purpose"] = string(purpose)
	return md
}

// idempotencyKey builds "{depositID}:{op}:{authorizationID}". Replays of the
// same step reuse the key so the gateway returns the original result.
func idempotencyKey(depositID, op, authorizationID string) string {
	return fmt.Sprintf("%s:%s:%s", depositID, op, authorizationID)
}

func refundKey(d *domain.Deposit, callerKey string) string {
	if callerKey != "" {
		return idempotencyKey(d.ID, opRefund, d.CaptureAuthorizationID) + ":" + callerKey
	}
	return idempotencyKey(d.ID, opRefund, d.CaptureAuthorizationID) + ":" + strconv.Itoa(len(d.RefundHistory))
}
