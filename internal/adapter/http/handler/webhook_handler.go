package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"deposit-hold-service/internal/service"
	"deposit-hold-service/pkg/apperror"
	"deposit-hold-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// WebhookIngestor ingests one signed gateway delivery.
type WebhookIngestor interface {
	Handle(ctx context.Context, signatureHeader string, body []byte) (service.WebhookOutcome, error)
}

// WebhookHandler receives gateway notifications.
type WebhookHandler struct {
	webhookSvc      WebhookIngestor
	signatureHeader string
}

// NewWebhookHandler creates a new WebhookHandler reading the signature from signatureHeader.
func NewWebhookHandler(webhookSvc WebhookIngestor, signatureHeader string) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc, signatureHeader: signatureHeader}
}

type webhookAck struct {
	Outcome service.WebhookOutcome `json:"outcome"`
}

// Receive handles POST /webhooks/gateway. The signature covers the raw body,
// so it is read as bytes and never re-encoded.
//
// Status codes tell the gateway whether to redeliver: 2xx never, 409 while
// another delivery of the event is in flight, 503 when it could not be queued.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(c, apperror.ErrPayloadTooLarge(maxErr.Limit))
			return
		}
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}

	outcome, err := h.webhookSvc.Handle(c.Request.Context(), c.GetHeader(h.signatureHeader), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	if outcome == service.OutcomeInFlight {
		response.Error(c, apperror.ErrEventInFlight())
		return
	}
	response.OK(c, webhookAck{Outcome: outcome})
}
