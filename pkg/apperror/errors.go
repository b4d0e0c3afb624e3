package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and response mapping decisions.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindGatewayTerminal  Kind = "gateway_terminal"
	KindGatewayTransient Kind = "gateway_transient"
	KindSignature        Kind = "signature"
	KindInternal         Kind = "internal"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Kind       Kind   `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(kind Kind, code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Kind:       kind,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(kind Kind, code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Kind:       kind,
		Err:        err,
	}
}

// ---- Validation (VAL) ----

// Validation rejects bad caller input. Never retried.
func Validation(message string) *AppError {
	return New(KindValidation, "VAL_400", message, http.StatusBadRequest)
}

func ErrInvalidAmount() *AppError {
	return New(KindValidation, "VAL_401", "Invalid amount", http.StatusBadRequest)
}

func ErrRefundExceedsAvailable(available int64) *AppError {
	return New(KindValidation, "VAL_402",
		fmt.Sprintf("Refund amount exceeds available balance of %d", available), http.StatusBadRequest)
}

func ErrCaptureExceedsHold() *AppError {
	return New(KindValidation, "VAL_403", "Capture amount exceeds hold amount", http.StatusBadRequest)
}

func ErrPayloadTooLarge(limit int64) *AppError {
	return New(KindValidation, "VAL_413",
		fmt.Sprintf("Request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
}

// ---- Deposit lifecycle (DEP) ----

func ErrNotFound(entity string) *AppError {
	return New(KindNotFound, "DEP_404", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidTransition(from, to string) *AppError {
	return New(KindConflict, "DEP_409",
		fmt.Sprintf("cannot transition from %s to %s", from, to), http.StatusConflict)
}

func ErrAlreadyExists(entity string) *AppError {
	return New(KindConflict, "DEP_409", fmt.Sprintf("%s already exists", entity), http.StatusConflict)
}

// ErrConcurrentUpdate signals a lost optimistic-concurrency race. Callers retry the whole operation.
func ErrConcurrentUpdate(entity string) *AppError {
	return New(KindConflict, "DEP_409_RACE",
		fmt.Sprintf("%s was modified concurrently", entity), http.StatusConflict)
}

// ErrLeaseHeld signals that another worker holds the deposit's operation lease.
func ErrLeaseHeld(operation string) *AppError {
	return New(KindConflict, "DEP_423",
		fmt.Sprintf("operation %s in progress", operation), http.StatusLocked)
}

// ErrOutOfOrder marks an event that depends on a state the deposit has not reached yet.
// The event is retried until the earlier event lands.
func ErrOutOfOrder(message string) *AppError {
	return New(KindGatewayTransient, "DEP_425", message, http.StatusConflict)
}

// ErrEventInFlight tells the gateway another delivery of the same event is
// being processed. The gateway redelivers later.
func ErrEventInFlight() *AppError {
	return New(KindConflict, "WH_409", "Event is already being processed", http.StatusConflict)
}

// ---- Payment gateway (GW) ----

// GatewayTerminal wraps declines and invalid requests. The deposit moves to failed or requires_action.
func GatewayTerminal(code, message string, err error) *AppError {
	e := Wrap(KindGatewayTerminal, "GW_402", message, http.StatusPaymentRequired, err)
	if code != "" {
		e.Message = fmt.Sprintf("%s (%s)", message, code)
	}
	return e
}

// GatewayTransient wraps timeouts, rate limits and 5xx responses. Eligible for the retry queue.
func GatewayTransient(message string, err error) *AppError {
	return Wrap(KindGatewayTransient, "GW_503", message, http.StatusServiceUnavailable, err)
}

// ---- Webhook security (SEC) ----

func ErrInvalidSignature() *AppError {
	return New(KindSignature, "SEC_002", "Invalid signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New(KindSignature, "SEC_003", "Signature timestamp outside tolerance", http.StatusUnauthorized)
}

func ErrInvalidToken() *AppError {
	return New(KindSignature, "SEC_004", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap(KindInternal, "SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap(KindInternal, "SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// ErrUnavailable marks a storage or dependency outage that is worth retrying.
func ErrUnavailable(dependency string, err error) *AppError {
	return Wrap(KindGatewayTransient, "SYS_503",
		fmt.Sprintf("%s unavailable", dependency), http.StatusServiceUnavailable, err)
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the error code of err, or empty for non-AppErrors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsTransient reports whether retrying the whole operation later can succeed:
// gateway/dependency outages, lost concurrency races, held leases and timeouts.
// Validation, not-found, signature and terminal gateway errors never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		// unclassified infrastructure failure (driver, network)
		return !errors.Is(err, context.Canceled)
	}
	switch appErr.Kind {
	case KindGatewayTransient:
		return true
	case KindConflict:
		return appErr.Code == "DEP_409_RACE" || appErr.Code == "DEP_423"
	case KindInternal:
		return true
	default:
		return false
	}
}
