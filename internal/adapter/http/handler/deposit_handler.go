package handler

import (
	"errors"
	"io"
	"net/http"

	"deposit-hold-service/internal/adapter/http/dto"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"
	"deposit-hold-service/pkg/money"
	"deposit-hold-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// DepositHandler handles the deposit lifecycle endpoints.
type DepositHandler struct {
	depositSvc ports.DepositService
}

// NewDepositHandler creates a new DepositHandler.
func NewDepositHandler(depositSvc ports.DepositService) *DepositHandler {
	return &DepositHandler{depositSvc: depositSvc}
}

// Initialize handles POST /api/v1/deposits.
// A transient gateway failure after the deposit was stored answers 202 with
// the pending deposit; re-sending the same id resumes it.
func (h *DepositHandler) Initialize(c *gin.Context) {
	var req dto.InitializeDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	in, err := req.ToPort()
	if err != nil {
		response.Error(c, err)
		return
	}

	d, err := h.depositSvc.Initialize(c.Request.Context(), in)
	if err != nil {
		if d != nil && apperror.IsTransient(err) {
			response.Accepted(c, dto.FromDeposit(d))
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, dto.FromDeposit(d))
}

// Get handles GET /api/v1/deposits/:id.
func (h *DepositHandler) Get(c *gin.Context) {
	d, err := h.depositSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.FromDeposit(d))
}

// List handles GET /api/v1/deposits.
func (h *DepositHandler) List(c *gin.Context) {
	ds, err := h.depositSvc.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.FromDeposits(ds))
}

// Capture handles POST /api/v1/deposits/:id/capture. An empty body captures
// the full hold.
func (h *DepositHandler) Capture(c *gin.Context) {
	var req dto.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	id := c.Param("id")
	var amount *int64
	if req.Amount != nil {
		minor, err := h.parseAmount(c, id, *req.Amount)
		if err != nil {
			response.Error(c, err)
			return
		}
		amount = &minor
	}

	d, err := h.depositSvc.Capture(c.Request.Context(), id, amount)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.FromDeposit(d))
}

// Release handles POST /api/v1/deposits/:id/release.
func (h *DepositHandler) Release(c *gin.Context) {
	d, err := h.depositSvc.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.FromDeposit(d))
}

// Refund handles POST /api/v1/deposits/:id/refund.
func (h *DepositHandler) Refund(c *gin.Context) {
	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	id := c.Param("id")
	minor, err := h.parseAmount(c, id, req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	d, err := h.depositSvc.Refund(c.Request.Context(), id, minor, req.IdempotencyKey)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.FromDeposit(d))
}

// parseAmount converts a major-unit amount using the deposit's currency.
func (h *DepositHandler) parseAmount(c *gin.Context, id, amount string) (int64, error) {
	d, err := h.depositSvc.Get(c.Request.Context(), id)
	if err != nil {
		return 0, err
	}
	return money.ParseMinor(amount, d.Currency)
}

func bindError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperror.ErrPayloadTooLarge(maxErr.Limit)
	}
	return apperror.Validation(err.Error())
}
