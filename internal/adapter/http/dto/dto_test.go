package dto

import (
	"testing"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDepositRequest_ToPort(t *testing.T) {
	req := validInitialize()
	req.Metadata = map[string]string{"booking": "b-9"}

	in, err := req.ToPort()
	require.NoError(t, err)
	assert.Equal(t, int64(15000), in.HoldAmount)
	assert.Equal(t, "usd", in.Currency)
	assert.Equal(t, "dep-1", in.ID)
	assert.Equal(t, "b-9", in.Metadata["booking"])
}

func TestInitializeDepositRequest_ToPortRejectsExcessPrecision(t *testing.T) {
	req := validInitialize()
	req.HoldAmount = "150.001"

	_, err := req.ToPort()
	require.Error(t, err)
	assert.Equal(t, "VAL_401", apperror.CodeOf(err))
}

func TestInitializeDepositRequest_ZeroDecimalCurrency(t *testing.T) {
	req := validInitialize()
	req.Currency = "JPY"
	req.HoldAmount = "5000"

	in, err := req.ToPort()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), in.HoldAmount)
}

func TestFromDeposit(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &domain.Deposit{
		ID:                    "dep-1",
		CustomerID:            "cus_1",
		PaymentMethodID:       "pm_card_visa",
		Currency:              "usd",
		HoldAmount:            15000,
		CapturedAmount:        10000,
		RefundedAmount:        4000,
		Status:                domain.DepositStatusPartiallyRefunded,
		ActiveAuthorizationID: "auth_1",
		CreatedAt:             at,
		UpdatedAt:             at,
		LastAuthorizationAt:   &at,
		AuthorizationHistory: []domain.AuthorizationAttempt{
			{AuthorizationID: "auth_1", Purpose: domain.PurposeHold, Amount: 15000, At: at, Success: true},
		},
		RefundHistory: []domain.RefundAttempt{{RefundID: "re_1", Amount: 4000, At: at}},
		LastError:     &domain.DepositError{Code: "GW_402", Message: "declined", At: at},
	}

	resp := FromDeposit(d)

	assert.Equal(t, "partially_refunded", resp.Status)
	assert.Equal(t, Money{Amount: "150.00", Minor: 15000}, resp.HoldAmount)
	assert.Equal(t, Money{Amount: "100.00", Minor: 10000}, resp.CapturedAmount)
	assert.Equal(t, Money{Amount: "60.00", Minor: 6000}, resp.AvailableRefund)
	assert.Equal(t, "2026-03-01T12:00:00Z", resp.CreatedAt)
	require.NotNil(t, resp.LastAuthorizationAt)
	assert.Equal(t, "2026-03-01T12:00:00Z", *resp.LastAuthorizationAt)
	assert.Nil(t, resp.CapturedAt)
	require.Len(t, resp.AuthorizationHistory, 1)
	assert.Equal(t, "hold", resp.AuthorizationHistory[0].Purpose)
	require.Len(t, resp.RefundHistory, 1)
	assert.Equal(t, "40.00", resp.RefundHistory[0].Amount.Amount)
	assert.Empty(t, resp.CaptureHistory)
	assert.NotNil(t, resp.CaptureHistory)
	require.NotNil(t, resp.LastError)
	assert.Equal(t, "GW_402", resp.LastError.Code)
}

func TestFromRetryTasks(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := FromRetryTasks([]*domain.RetryTask{{
		ID:            "task-1",
		Kind:          domain.RetryKindReauthorization,
		Payload:       []byte(`{"deposit_id":"dep-1"}`),
		Attempts:      8,
		LastError:     "timeout",
		NextAttemptAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}})

	require.Len(t, out, 1)
	assert.Equal(t, "reauthorization", out[0].Kind)
	assert.JSONEq(t, `{"deposit_id":"dep-1"}`, string(out[0].Payload))
	assert.Equal(t, 8, out[0].Attempts)
}
