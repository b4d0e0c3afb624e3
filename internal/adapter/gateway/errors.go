package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"deposit-hold-service/pkg/apperror"
)

// errorResponse is the gateway's JSON error envelope.
type errorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// classify maps a non-2xx response to an apperror kind. Rate limits and
// server errors are transient; every other 4xx is a terminal decline or
// invalid request.
func classify(status int, body errorResponse) error {
	msg := body.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("gateway returned status %d", status)

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return apperror.GatewayTransient(msg, cause)
	case status == http.StatusConflict && body.Error.Code == "idempotency_key_in_use":
		// a concurrent request with the same key is still running
		return apperror.GatewayTransient(msg, cause)
	}

	code := body.Error.DeclineCode
	if code == "" {
		code = body.Error.Code
	}
	return apperror.GatewayTerminal(code, msg, cause)
}

// transportError wraps errors that happened before a response arrived.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperror.GatewayTransient("gateway unreachable", err)
}
