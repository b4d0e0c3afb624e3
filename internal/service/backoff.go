package service

import (
	"math"
	"math/rand"
	"time"

	"deposit-hold-service/pkg/apperror"
)

// BackoffPolicy is the retry schedule shared by every consumer of the retry queue.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64 // fraction of the delay added at random, 0..1
}

// DefaultBackoffPolicy mirrors the configuration defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 8,
		Jitter:      0.2,
	}
}

// Delay returns min(base·2^attempt, max) plus up to Jitter of that, never above
// MaxDelay. A zero MaxDelay means uncapped.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		if d <= 0 || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		if j := time.Duration(rand.Float64() * p.Jitter * float64(d)); d+j > d {
			d += j
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// Retryable reports whether err is worth another attempt.
func (p BackoffPolicy) Retryable(err error) bool {
	return apperror.IsTransient(err)
}

// Exhausted reports whether a task that has failed attempts times must stop.
// MaxAttempts counts every attempt including the first, so the task is
// dead-lettered on its MaxAttempts-th failure and never runs more than
// MaxAttempts times.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
