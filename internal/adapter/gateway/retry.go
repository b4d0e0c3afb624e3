package gateway

import (
	"context"
	"time"

	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryingGateway retries transient gateway errors a few times inside the
// call. Requests reuse their idempotency key, so a retry after a lost
// response returns the original result. Anything still failing goes back to
// the caller, which hands it to the durable retry queue.
type RetryingGateway struct {
	inner      ports.PaymentGateway
	maxRetries uint64
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
}

// NewRetryingGateway wraps inner with up to maxRetries in-call retries.
func NewRetryingGateway(inner ports.PaymentGateway, maxRetries int, log zerolog.Logger) *RetryingGateway {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingGateway{
		inner:      inner,
		maxRetries: uint64(maxRetries),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		log: log,
	}
}

func (r *RetryingGateway) Authorize(ctx context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
	return retry(r, ctx, "authorize", req.IdempotencyKey, func(ctx context.Context) (*ports.Authorization, error) {
		return r.inner.Authorize(ctx, req)
	})
}

func (r *RetryingGateway) Capture(ctx context.Context, authorizationID string, amount int64, idempotencyKey string) (*ports.CaptureResult, error) {
	return retry(r, ctx, "capture", idempotencyKey, func(ctx context.Context) (*ports.CaptureResult, error) {
		return r.inner.Capture(ctx, authorizationID, amount, idempotencyKey)
	})
}

func (r *RetryingGateway) Cancel(ctx context.Context, authorizationID string, idempotencyKey string) (*ports.CancelResult, error) {
	return retry(r, ctx, "cancel", idempotencyKey, func(ctx context.Context) (*ports.CancelResult, error) {
		return r.inner.Cancel(ctx, authorizationID, idempotencyKey)
	})
}

func (r *RetryingGateway) Refund(ctx context.Context, authorizationID string, amount int64, idempotencyKey string) (*ports.RefundResult, error) {
	return retry(r, ctx, "refund", idempotencyKey, func(ctx context.Context) (*ports.RefundResult, error) {
		return r.inner.Refund(ctx, authorizationID, amount, idempotencyKey)
	})
}

func retry[T any](r *RetryingGateway, ctx context.Context, op, key string, call func(ctx context.Context) (*T, error)) (*T, error) {
	var result *T
	operation := func() error {
		res, err := call(ctx)
		if err != nil {
			if !apperror.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.Debug().Err(err).Str("operation", op).Str("idempotency_key", key).
			Dur("wait", wait).Msg("retrying gateway call")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, err
	}
	return result, nil
}
