package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"deposit-hold-service/internal/adapter/storage/memory"
	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/internal/core/ports/mocks"
	"deposit-hold-service/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type depositTestDeps struct {
	svc  *DepositService
	repo *memory.DepositRepo
	gw   *mocks.MockPaymentGateway
	ctrl *gomock.Controller
}

func setupDepositService(t *testing.T) *depositTestDeps {
	ctrl := gomock.NewController(t)
	d := &depositTestDeps{
		repo: memory.NewDepositRepo(),
		gw:   mocks.NewMockPaymentGateway(ctrl),
		ctrl: ctrl,
	}
	d.svc = NewDepositService(d.repo, d.gw, NewVerificationPolicy(0, nil), time.Minute, zerolog.Nop())
	return d
}

// seedAuthorized stores an authorized deposit whose hold was placed lastAuth ago.
func seedAuthorized(t *testing.T, repo ports.DepositRepository, id string, lastAuth time.Duration) *domain.Deposit {
	t.Helper()
	at := time.Now().Add(-lastAuth)
	dep := &domain.Deposit{
		ID:                          id,
		CustomerID:                  "cus_1",
		PaymentMethodID:             "pm_card_visa",
		Currency:                    "usd",
		HoldAmount:                  15000,
		Status:                      domain.DepositStatusAuthorized,
		VerificationAuthorizationID: "auth_verify_" + id,
		ActiveAuthorizationID:       "auth_hold_" + id,
		CreatedAt:                   at,
		InitialAuthorizationAt:      domain.TimePtr(at),
		LastAuthorizationAt:         domain.TimePtr(at),
		AuthorizationHistory: []domain.AuthorizationAttempt{
			{AuthorizationID: "auth_hold_" + id, Purpose: domain.PurposeHold, Amount: 15000, At: at, Success: true},
		},
	}
	require.NoError(t, repo.Create(context.Background(), dep))
	return dep
}

func assertAmounts(t *testing.T, d *domain.Deposit) {
	t.Helper()
	require.NoError(t, d.CheckInvariants())
	assert.Nil(t, d.Lease, "no lease may survive a finished operation")
}

func initRequest(id string) ports.InitializeRequest {
	return ports.InitializeRequest{
		ID:              id,
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_card_visa",
		Currency:        "USD",
		HoldAmount:      15000,
		Metadata:        map[string]string{"booking_id": "bk_1"},
	}
}

// ==================== Initialize ====================

func TestDepositService_Initialize_Success(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	gomock.InOrder(
		d.gw.EXPECT().Authorize(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
			assert.Equal(t, int64(50), req.Amount, "usd verification amount")
			assert.Equal(t, "usd", req.Currency)
			assert.Equal(t, "dep-1:verification:", req.IdempotencyKey)
			assert.Equal(t, "verification", req.Metadata["purpose"])
			assert.Equal(t, "dep-1", req.Metadata["deposit_id"])
			assert.Equal(t, "bk_1", req.Metadata["booking_id"])
			return &ports.Authorization{ID: "auth_v", Status: ports.AuthorizationStatusAuthorized}, nil
		}),
		d.gw.EXPECT().Cancel(ctx, "auth_v", "dep-1:cancel:auth_v").Return(&ports.CancelResult{ID: "auth_v", Status: "canceled"}, nil),
		d.gw.EXPECT().Authorize(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
			assert.Equal(t, int64(15000), req.Amount)
			assert.Equal(t, "dep-1:hold:", req.IdempotencyKey)
			assert.Equal(t, "hold", req.Metadata["purpose"])
			return &ports.Authorization{ID: "auth_h", Status: ports.AuthorizationStatusAuthorized}, nil
		}),
	)

	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
	assert.Equal(t, "auth_v", dep.VerificationAuthorizationID)
	assert.Equal(t, "auth_h", dep.ActiveAuthorizationID)
	assert.NotNil(t, dep.InitialAuthorizationAt)
	assert.NotNil(t, dep.LastAuthorizationAt)
	require.Len(t, dep.AuthorizationHistory, 2)
	assert.Equal(t, domain.PurposeVerification, dep.AuthorizationHistory[0].Purpose)
	assert.True(t, dep.AuthorizationHistory[1].Success)
	assertAmounts(t, dep)
}

func TestDepositService_Initialize_GeneratesID(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_v", Status: ports.AuthorizationStatusAuthorized}, nil)
	d.gw.EXPECT().Cancel(ctx, "auth_v", gomock.Any()).Return(&ports.CancelResult{}, nil)
	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_h", Status: ports.AuthorizationStatusAuthorized}, nil)

	dep, err := d.svc.Initialize(ctx, initRequest(""))
	require.NoError(t, err)
	assert.NotEmpty(t, dep.ID)

	stored, err := d.repo.FindByID(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, stored.Status)
}

func TestDepositService_Initialize_VerificationVoidFailureIsTolerated(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_v", Status: ports.AuthorizationStatusAuthorized}, nil)
	d.gw.EXPECT().Cancel(ctx, "auth_v", gomock.Any()).Return(nil, apperror.GatewayTransient("timeout", nil))
	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_h", Status: ports.AuthorizationStatusAuthorized}, nil)

	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
}

func TestDepositService_Initialize_VerificationDeclined(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(nil, apperror.GatewayTerminal("card_declined", "Your card was declined", nil))

	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusFailed, dep.Status)
	require.NotNil(t, dep.LastError)
	assert.Equal(t, "GW_402", dep.LastError.Code)
	assert.Contains(t, dep.LastError.Message, "card_declined")
	require.Len(t, dep.AuthorizationHistory, 1)
	assert.False(t, dep.AuthorizationHistory[0].Success)
	assertAmounts(t, dep)
}

func TestDepositService_Initialize_HoldRequiresAction(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_v", Status: ports.AuthorizationStatusAuthorized}, nil)
	d.gw.EXPECT().Cancel(ctx, "auth_v", gomock.Any()).Return(&ports.CancelResult{}, nil)
	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{
		ID: "auth_h", Status: ports.AuthorizationStatusRequiresAction, ActionURL: "https://gateway.test/3ds/auth_h",
	}, nil)

	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusRequiresAction, dep.Status)
	require.NotNil(t, dep.ActionRequired)
	assert.Equal(t, domain.ActionTypeCustomer, dep.ActionRequired.Type)
	assert.Equal(t, "https://gateway.test/3ds/auth_h", dep.ActionRequired.URL)
	assert.Equal(t, "auth_h", dep.ActiveAuthorizationID)
	assertAmounts(t, dep)
}

func TestDepositService_Initialize_TransientThenResume(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_v", Status: ports.AuthorizationStatusAuthorized}, nil)
	d.gw.EXPECT().Cancel(ctx, "auth_v", gomock.Any()).Return(&ports.CancelResult{}, nil)
	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(nil, apperror.GatewayTransient("gateway timeout", nil))

	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.Error(t, err)
	assert.Equal(t, "GW_503", apperror.CodeOf(err))
	require.NotNil(t, dep, "the caller needs the deposit to resume")
	assert.Equal(t, domain.DepositStatusPendingVerification, dep.Status)
	assertAmounts(t, dep)

	// resume: verification is not repeated and the hold reuses its key
	d.gw.EXPECT().Authorize(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
		assert.Equal(t, "dep-1:hold:", req.IdempotencyKey)
		return &ports.Authorization{ID: "auth_h", Status: ports.AuthorizationStatusAuthorized}, nil
	})

	dep, err = d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
	assert.Nil(t, dep.LastError)
	assertAmounts(t, dep)
}

// canceledCall simulates the caller going away while the gateway request is in flight.
func canceledCall(cancel context.CancelFunc) error {
	cancel()
	return &url.Error{Op: "Post", URL: "https://gateway.test/authorizations", Err: context.Canceled}
}

func TestDepositService_Initialize_CanceledContextStaysPending(t *testing.T) {
	d := setupDepositService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.gw.EXPECT().Authorize(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, ports.AuthorizeRequest) (*ports.Authorization, error) {
		return nil, canceledCall(cancel)
	})

	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, dep)
	assert.Equal(t, domain.DepositStatusPendingVerification, dep.Status)
	assertAmounts(t, dep)

	bg := context.Background()
	stored, err := d.repo.FindByID(bg, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusPendingVerification, stored.Status)
	assert.Nil(t, stored.Lease)

	// the next call picks up where the abandoned one stopped
	d.gw.EXPECT().Authorize(bg, gomock.Any()).DoAndReturn(func(_ context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
		assert.Equal(t, "dep-1:verification:", req.IdempotencyKey)
		return &ports.Authorization{ID: "auth_v", Status: ports.AuthorizationStatusAuthorized}, nil
	})
	d.gw.EXPECT().Cancel(bg, "auth_v", gomock.Any()).Return(&ports.CancelResult{}, nil)
	d.gw.EXPECT().Authorize(bg, gomock.Any()).Return(&ports.Authorization{ID: "auth_h", Status: ports.AuthorizationStatusAuthorized}, nil)

	dep, err = d.svc.Initialize(bg, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
}

func TestDepositService_Initialize_VerificationStepUpResumes(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{
		ID: "auth_v", Status: ports.AuthorizationStatusRequiresAction, ActionURL: "https://gateway.test/3ds/auth_v",
	}, nil)

	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	require.Equal(t, domain.DepositStatusRequiresAction, dep.Status)
	assert.Equal(t, "auth_v", dep.VerificationAuthorizationID)
	assert.Empty(t, dep.ActiveAuthorizationID)

	// customer finished the step-up; the verification is voided and the deposit is resumable
	d.gw.EXPECT().Cancel(ctx, "auth_v", "dep-1:cancel:auth_v").Return(&ports.CancelResult{}, nil).Times(1)
	verified := event(domain.EventAuthorizationSucceeded, "dep-1", domain.EventData{
		AuthorizationID: "auth_v", Amount: 50, Metadata: domain.EventMetadata{Purpose: domain.PurposeVerification},
	})
	require.NoError(t, d.svc.ApplyEvent(ctx, verified))

	dep, err = d.repo.FindByID(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusPendingVerification, dep.Status)
	assert.Nil(t, dep.ActionRequired)
	require.Len(t, dep.AuthorizationHistory, 2)
	assert.True(t, dep.AuthorizationHistory[1].Success)

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
		assert.Equal(t, "dep-1:hold:", req.IdempotencyKey)
		return &ports.Authorization{ID: "auth_h", Status: ports.AuthorizationStatusAuthorized}, nil
	})

	dep, err = d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
	assert.Equal(t, "auth_h", dep.ActiveAuthorizationID)
	assertAmounts(t, dep)

	// a late redelivery changes nothing and voids nothing
	require.NoError(t, d.svc.ApplyEvent(ctx, verified))
	dep, err = d.repo.FindByID(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
}

func TestDepositService_Initialize_IdempotentForSettledDeposit(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	// no gateway expectations: any call fails the test
	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
}

func TestDepositService_Initialize_RejectsReusedIDWithDifferentParameters(t *testing.T) {
	d := setupDepositService(t)
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	req := initRequest("dep-1")
	req.HoldAmount = 99999
	_, err := d.svc.Initialize(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "VAL_400", apperror.CodeOf(err))
}

func TestDepositService_Initialize_Validation(t *testing.T) {
	d := setupDepositService(t)

	tests := []struct {
		name   string
		mutate func(r *ports.InitializeRequest)
		code   string
	}{
		{"zero amount", func(r *ports.InitializeRequest) { r.HoldAmount = 0 }, "VAL_401"},
		{"negative amount", func(r *ports.InitializeRequest) { r.HoldAmount = -10 }, "VAL_401"},
		{"missing customer", func(r *ports.InitializeRequest) { r.CustomerID = "" }, "VAL_400"},
		{"missing payment method", func(r *ports.InitializeRequest) { r.PaymentMethodID = "" }, "VAL_400"},
		{"bad currency", func(r *ports.InitializeRequest) { r.Currency = "dollars" }, "VAL_400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := initRequest("")
			tt.mutate(&req)
			_, err := d.svc.Initialize(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperror.CodeOf(err))
		})
	}
}

// ==================== Capture ====================

func TestDepositService_Capture_FullHold(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	d.gw.EXPECT().Capture(ctx, "auth_hold_dep-1", int64(15000), "dep-1:capture:auth_hold_dep-1").
		Return(&ports.CaptureResult{ID: "auth_hold_dep-1", Status: "succeeded", CapturedAmount: 15000}, nil)

	dep, err := d.svc.Capture(ctx, "dep-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusCaptured, dep.Status)
	assert.Equal(t, int64(15000), dep.CapturedAmount)
	assert.Equal(t, "auth_hold_dep-1", dep.CaptureAuthorizationID)
	assert.NotNil(t, dep.CapturedAt)
	require.Len(t, dep.CaptureHistory, 1)
	assertAmounts(t, dep)
}

func TestDepositService_Capture_TwiceCallsGatewayOnce(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)
	amount := int64(10000)

	d.gw.EXPECT().Capture(ctx, "auth_hold_dep-1", amount, gomock.Any()).
		Return(&ports.CaptureResult{CapturedAmount: amount}, nil).Times(1)

	first, err := d.svc.Capture(ctx, "dep-1", &amount)
	require.NoError(t, err)
	second, err := d.svc.Capture(ctx, "dep-1", &amount)
	require.NoError(t, err)

	assert.Equal(t, first.CapturedAmount, second.CapturedAmount)
	assert.Equal(t, first.Version, second.Version, "second capture wrote nothing")
}

func TestDepositService_Capture_Validation(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	tooMuch := int64(15001)
	_, err := d.svc.Capture(ctx, "dep-1", &tooMuch)
	assert.Equal(t, "VAL_403", apperror.CodeOf(err))

	zero := int64(0)
	_, err = d.svc.Capture(ctx, "dep-1", &zero)
	assert.Equal(t, "VAL_401", apperror.CodeOf(err))

	_, err = d.svc.Capture(ctx, "missing", nil)
	assert.Equal(t, "DEP_404", apperror.CodeOf(err))
}

func TestDepositService_Capture_Declined(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	d.gw.EXPECT().Capture(ctx, gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, apperror.GatewayTerminal("authorization_expired", "authorization expired", nil)).Times(1)

	_, err := d.svc.Capture(ctx, "dep-1", nil)
	require.Error(t, err)
	assert.Equal(t, "GW_402", apperror.CodeOf(err))

	dep, _ := d.repo.FindByID(ctx, "dep-1")
	assert.Equal(t, domain.DepositStatusFailed, dep.Status)
	require.NotNil(t, dep.LastError)
	assertAmounts(t, dep)

	// failed is terminal; no second gateway call
	_, err = d.svc.Capture(ctx, "dep-1", nil)
	assert.Equal(t, "DEP_409", apperror.CodeOf(err))
}

func TestDepositService_Capture_TransientKeepsAuthorized(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	d.gw.EXPECT().Capture(ctx, gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, apperror.GatewayTransient("503", nil))

	_, err := d.svc.Capture(ctx, "dep-1", nil)
	assert.True(t, apperror.IsTransient(err))

	dep, _ := d.repo.FindByID(ctx, "dep-1")
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
	assertAmounts(t, dep)
}

func TestDepositService_Capture_CanceledContextKeepsAuthorized(t *testing.T) {
	d := setupDepositService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	d.gw.EXPECT().Capture(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, int64, string) (*ports.CaptureResult, error) {
			return nil, canceledCall(cancel)
		})

	_, err := d.svc.Capture(ctx, "dep-1", nil)
	require.ErrorIs(t, err, context.Canceled)

	dep, err := d.repo.FindByID(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
	assert.Nil(t, dep.LastError)
	assertAmounts(t, dep)
}

func TestDepositService_Capture_BlockedByLiveLease(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	_, err := d.repo.Update(ctx, "dep-1", func(dep *domain.Deposit) error {
		return dep.AcquireLease(opReauthorization, "other-worker", time.Now(), time.Minute)
	})
	require.NoError(t, err)

	_, err = d.svc.Capture(ctx, "dep-1", nil)
	require.Error(t, err)
	assert.Equal(t, "DEP_423", apperror.CodeOf(err))
	assert.True(t, apperror.IsTransient(err))
}

func TestDepositService_Capture_InvalidStatus(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	dep := seedAuthorized(t, d.repo, "dep-1", time.Hour)
	_, err := d.repo.Update(ctx, dep.ID, func(dep *domain.Deposit) error {
		return dep.TransitionTo(domain.DepositStatusReleased)
	})
	require.NoError(t, err)

	_, err = d.svc.Capture(ctx, "dep-1", nil)
	assert.Equal(t, "DEP_409", apperror.CodeOf(err))
}

// ==================== Release ====================

func TestDepositService_Release(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	d.gw.EXPECT().Cancel(ctx, "auth_hold_dep-1", "dep-1:cancel:auth_hold_dep-1").
		Return(&ports.CancelResult{Status: "canceled"}, nil).Times(1)

	dep, err := d.svc.Release(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusReleased, dep.Status)
	assert.Equal(t, int64(15000), dep.ReleasedAmount)
	assert.NotNil(t, dep.ReleasedAt)
	assertAmounts(t, dep)

	again, err := d.svc.Release(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, dep.Version, again.Version)
}

func TestDepositService_Release_RequiresActionCancels(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	dep := seedAuthorized(t, d.repo, "dep-1", time.Hour)
	_, err := d.repo.Update(ctx, dep.ID, func(dep *domain.Deposit) error {
		dep.Status = domain.DepositStatusPendingVerification
		return requireAction(dep, "https://3ds", "step-up", time.Now())
	})
	require.NoError(t, err)

	d.gw.EXPECT().Cancel(ctx, "auth_hold_dep-1", gomock.Any()).Return(nil, apperror.GatewayTerminal("", "already canceled", nil))

	got, err := d.svc.Release(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusCanceled, got.Status)
	assert.Equal(t, int64(0), got.ReleasedAmount)
	assertAmounts(t, got)
}

func TestDepositService_Release_GatewayErrorKeepsHold(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	d.gw.EXPECT().Cancel(ctx, gomock.Any(), gomock.Any()).Return(nil, apperror.GatewayTransient("timeout", nil))

	_, err := d.svc.Release(ctx, "dep-1")
	assert.Equal(t, "GW_503", apperror.CodeOf(err))

	dep, _ := d.repo.FindByID(ctx, "dep-1")
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
	require.NotNil(t, dep.LastError)
	assertAmounts(t, dep)
}

// ==================== Refund ====================

func captureSeeded(t *testing.T, d *depositTestDeps, id string, amount int64) {
	t.Helper()
	d.gw.EXPECT().Capture(gomock.Any(), "auth_hold_"+id, amount, gomock.Any()).
		Return(&ports.CaptureResult{CapturedAmount: amount}, nil)
	_, err := d.svc.Capture(context.Background(), id, &amount)
	require.NoError(t, err)
}

func TestDepositService_RefundScenario(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)
	captureSeeded(t, d, "dep-1", 10000)

	d.gw.EXPECT().Refund(ctx, "auth_hold_dep-1", int64(4000), gomock.Any()).
		Return(&ports.RefundResult{ID: "re_1", Status: "succeeded", Amount: 4000}, nil)

	dep, err := d.svc.Refund(ctx, "dep-1", 4000, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusPartiallyRefunded, dep.Status)
	assert.Equal(t, int64(4000), dep.RefundedAmount)
	assert.Equal(t, int64(6000), dep.AvailableRefund())
	assert.LessOrEqual(t, dep.CapturedAmount+dep.RefundedAmount, dep.HoldAmount)
	assertAmounts(t, dep)

	before := dep.Version
	_, err = d.svc.Refund(ctx, "dep-1", 7000, "")
	require.Error(t, err)
	assert.Equal(t, "VAL_402", apperror.CodeOf(err))
	assert.Contains(t, err.Error(), "6000")

	after, _ := d.repo.FindByID(ctx, "dep-1")
	assert.Equal(t, before, after.Version, "rejected refund must not mutate")
	assert.Equal(t, int64(4000), after.RefundedAmount)
}

func TestDepositService_Refund_FullyRefunded(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)
	captureSeeded(t, d, "dep-1", 10000)

	d.gw.EXPECT().Refund(ctx, gomock.Any(), int64(4000), gomock.Any()).Return(&ports.RefundResult{ID: "re_1", Amount: 4000}, nil)
	d.gw.EXPECT().Refund(ctx, gomock.Any(), int64(6000), gomock.Any()).Return(&ports.RefundResult{ID: "re_2", Amount: 6000}, nil)

	_, err := d.svc.Refund(ctx, "dep-1", 4000, "")
	require.NoError(t, err)
	dep, err := d.svc.Refund(ctx, "dep-1", 6000, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusRefunded, dep.Status)
	assert.Equal(t, int64(0), dep.AvailableRefund())
	assert.Len(t, dep.RefundHistory, 2)
	assertAmounts(t, dep)

	// refunded is a no-op
	again, err := d.svc.Refund(ctx, "dep-1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, dep.Version, again.Version)
}

func TestDepositService_Refund_IdempotencyKey(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)
	captureSeeded(t, d, "dep-1", 10000)

	d.gw.EXPECT().Refund(ctx, gomock.Any(), int64(2500), "dep-1:refund:auth_hold_dep-1:rk-1").
		Return(&ports.RefundResult{ID: "re_1", Amount: 2500}, nil).Times(1)

	first, err := d.svc.Refund(ctx, "dep-1", 2500, "rk-1")
	require.NoError(t, err)
	second, err := d.svc.Refund(ctx, "dep-1", 2500, "rk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), second.RefundedAmount)
	assert.Equal(t, first.Version, second.Version)
}

func TestDepositService_Refund_RequiresCapture(t *testing.T) {
	d := setupDepositService(t)
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	_, err := d.svc.Refund(context.Background(), "dep-1", 100, "")
	assert.Equal(t, "DEP_409", apperror.CodeOf(err))
}

func TestDepositService_Refund_GatewayDeclineKeepsState(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)
	captureSeeded(t, d, "dep-1", 10000)

	d.gw.EXPECT().Refund(ctx, gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, apperror.GatewayTerminal("", "refund rejected", nil))

	_, err := d.svc.Refund(ctx, "dep-1", 1000, "")
	assert.Equal(t, "GW_402", apperror.CodeOf(err))

	dep, _ := d.repo.FindByID(ctx, "dep-1")
	assert.Equal(t, domain.DepositStatusCaptured, dep.Status)
	assert.Equal(t, int64(0), dep.RefundedAmount)
	assertAmounts(t, dep)
}

// ==================== Reauthorize ====================

func TestDepositService_Reauthorize_Success(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seeded := seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)

	gomock.InOrder(
		d.gw.EXPECT().Authorize(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
			assert.Equal(t, int64(15000), req.Amount)
			assert.Equal(t, "pm_card_visa", req.PaymentMethodID)
			assert.Equal(t, "dep-1:reauthorization:auth_hold_dep-1", req.IdempotencyKey)
			assert.Equal(t, "reauthorization", req.Metadata["purpose"])
			return &ports.Authorization{ID: "auth_new", Status: ports.AuthorizationStatusAuthorized}, nil
		}),
		d.gw.EXPECT().Cancel(ctx, "auth_hold_dep-1", "dep-1:cancel:auth_hold_dep-1").Return(&ports.CancelResult{}, nil),
	)

	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{
		ExpectedAuthorizationID:     "auth_hold_dep-1",
		ExpectedLastAuthorizationAt: seeded.LastAuthorizationAt,
	})
	require.NoError(t, err)
	assert.Equal(t, ReauthSucceeded, res.Outcome)
	assert.Equal(t, "auth_new", res.NewAuthorizationID)
	assert.Equal(t, "auth_new", res.Deposit.ActiveAuthorizationID)
	assert.Equal(t, domain.DepositStatusAuthorized, res.Deposit.Status)
	assert.True(t, res.Deposit.LastAuthorizationAt.After(*seeded.LastAuthorizationAt))
	require.Len(t, res.Deposit.AuthorizationHistory, 2)
	assert.Equal(t, domain.PurposeReauthorization, res.Deposit.AuthorizationHistory[1].Purpose)
	assertAmounts(t, res.Deposit)
}

func TestDepositService_Reauthorize_StaleExpectationSkips(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)

	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{ExpectedAuthorizationID: "auth_other"})
	require.NoError(t, err)
	assert.Equal(t, ReauthSkipped, res.Outcome)

	stale := time.Now()
	res, err = d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{ExpectedLastAuthorizationAt: &stale})
	require.NoError(t, err)
	assert.Equal(t, ReauthSkipped, res.Outcome)

	res, err = d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{RequireStale: true, Cutoff: time.Now().Add(-8 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ReauthSkipped, res.Outcome)
}

func TestDepositService_Reauthorize_Transient(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(nil, apperror.GatewayTransient("rate limited", nil))

	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{})
	require.Error(t, err)
	assert.True(t, apperror.IsTransient(err))
	require.NotNil(t, res)
	assert.Equal(t, ReauthTransient, res.Outcome)
	assert.Equal(t, "auth_hold_dep-1", res.Deposit.ActiveAuthorizationID)
	assert.Equal(t, domain.DepositStatusAuthorized, res.Deposit.Status)
	require.Len(t, res.Deposit.AuthorizationHistory, 2)
	assert.False(t, res.Deposit.AuthorizationHistory[1].Success)
	assertAmounts(t, res.Deposit)
}

func TestDepositService_Reauthorize_CanceledContextKeepsHold(t *testing.T) {
	d := setupDepositService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)

	d.gw.EXPECT().Authorize(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, ports.AuthorizeRequest) (*ports.Authorization, error) {
		return nil, canceledCall(cancel)
	})

	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	dep, err := d.repo.FindByID(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
	assert.Equal(t, "auth_hold_dep-1", dep.ActiveAuthorizationID)
	assert.Nil(t, dep.LastError)
	assertAmounts(t, dep)
}

func TestDepositService_Reauthorize_DeclineFails(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(nil, apperror.GatewayTerminal("expired_card", "card expired", nil))

	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReauthFailed, res.Outcome)
	assert.Equal(t, domain.DepositStatusFailed, res.Deposit.Status)
	require.NotNil(t, res.Deposit.LastError)
	assertAmounts(t, res.Deposit)
}

func TestDepositService_Reauthorize_RequiresActionFailsAndVoids(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_3ds", Status: ports.AuthorizationStatusRequiresAction}, nil)
	d.gw.EXPECT().Cancel(ctx, "auth_3ds", gomock.Any()).Return(&ports.CancelResult{}, nil)

	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReauthFailed, res.Outcome)
	assert.Equal(t, domain.DepositStatusFailed, res.Deposit.Status)
}

func TestDepositService_Reauthorize_DepositMovedOnVoidsNewAuthorization(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).DoAndReturn(func(ctx context.Context, _ ports.AuthorizeRequest) (*ports.Authorization, error) {
		// capture.succeeded webhook lands while the call is in flight
		err := d.svc.ApplyEvent(ctx, &domain.GatewayEvent{
			ID: "evt_cap", Type: domain.EventCaptureSucceeded,
			Data: domain.EventData{AuthorizationID: "auth_hold_dep-1", Amount: 15000, Metadata: domain.EventMetadata{DepositID: "dep-1"}},
		})
		require.NoError(t, err)
		return &ports.Authorization{ID: "auth_new", Status: ports.AuthorizationStatusAuthorized}, nil
	})
	d.gw.EXPECT().Cancel(ctx, "auth_new", "dep-1:cancel:auth_new").Return(&ports.CancelResult{}, nil)

	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReauthSkipped, res.Outcome)
	assert.Equal(t, domain.DepositStatusCaptured, res.Deposit.Status)
	assert.Equal(t, "auth_hold_dep-1", res.Deposit.ActiveAuthorizationID)
	assertAmounts(t, res.Deposit)
}

func TestDepositService_Reauthorize_RetryTaskOwnership(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", 7*24*time.Hour)
	require.NoError(t, d.svc.MarkReauthRetry(ctx, "dep-1", "task-1"))

	// the scheduler path no longer owns it
	res, err := d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReauthSkipped, res.Outcome)

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_new", Status: ports.AuthorizationStatusAuthorized}, nil)
	d.gw.EXPECT().Cancel(ctx, "auth_hold_dep-1", gomock.Any()).Return(&ports.CancelResult{}, nil)

	res, err = d.svc.Reauthorize(ctx, "dep-1", ReauthorizeOptions{RetryTaskID: "task-1", ExpectedAuthorizationID: "auth_hold_dep-1"})
	require.NoError(t, err)
	assert.Equal(t, ReauthSucceeded, res.Outcome)
	assert.Empty(t, res.Deposit.ReauthRetryTaskID)
}

func TestDepositService_ClearReauthRetry(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)
	require.NoError(t, d.svc.MarkReauthRetry(ctx, "dep-1", "task-1"))

	require.NoError(t, d.svc.ClearReauthRetry(ctx, "dep-1", "task-other"))
	dep, _ := d.repo.FindByID(ctx, "dep-1")
	assert.Equal(t, "task-1", dep.ReauthRetryTaskID)

	require.NoError(t, d.svc.ClearReauthRetry(ctx, "dep-1", "task-1"))
	dep, _ = d.repo.FindByID(ctx, "dep-1")
	assert.Empty(t, dep.ReauthRetryTaskID)
}

// ==================== ApplyEvent ====================

func event(typ domain.EventType, depositID string, data domain.EventData) *domain.GatewayEvent {
	data.Metadata.DepositID = depositID
	return &domain.GatewayEvent{ID: "evt_" + string(typ), Type: typ, Created: time.Now().Unix(), Data: data}
}

func TestDepositService_ApplyEvent(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(d *domain.Deposit)
		event      *domain.GatewayEvent
		wantStatus domain.DepositStatus
		check      func(t *testing.T, d *domain.Deposit)
	}{
		{
			name: "hold succeeded after step-up",
			prepare: func(d *domain.Deposit) {
				d.Status = domain.DepositStatusRequiresAction
				d.ActionRequired = &domain.ActionRequired{Type: domain.ActionTypeCustomer}
			},
			event:      event(domain.EventAuthorizationSucceeded, "dep-1", domain.EventData{AuthorizationID: "auth_3ds", Metadata: domain.EventMetadata{Purpose: domain.PurposeHold}}),
			wantStatus: domain.DepositStatusAuthorized,
			check: func(t *testing.T, d *domain.Deposit) {
				assert.Equal(t, "auth_3ds", d.ActiveAuthorizationID)
				assert.Nil(t, d.ActionRequired)
			},
		},
		{
			name:       "hold succeeded while authorized is a no-op",
			event:      event(domain.EventAuthorizationSucceeded, "dep-1", domain.EventData{AuthorizationID: "auth_other"}),
			wantStatus: domain.DepositStatusAuthorized,
			check: func(t *testing.T, d *domain.Deposit) {
				assert.Equal(t, "auth_hold_dep-1", d.ActiveAuthorizationID)
			},
		},
		{
			name:       "requires action from pending",
			prepare:    func(d *domain.Deposit) { d.Status = domain.DepositStatusPendingVerification },
			event:      event(domain.EventAuthorizationRequiresAction, "dep-1", domain.EventData{AuthorizationID: "auth_3ds", ActionURL: "https://3ds"}),
			wantStatus: domain.DepositStatusRequiresAction,
			check: func(t *testing.T, d *domain.Deposit) {
				require.NotNil(t, d.ActionRequired)
				assert.Equal(t, "https://3ds", d.ActionRequired.URL)
			},
		},
		{
			name:       "active authorization failed",
			event:      event(domain.EventAuthorizationFailed, "dep-1", domain.EventData{AuthorizationID: "auth_hold_dep-1", FailureCode: "expired", FailureMessage: "authorization expired"}),
			wantStatus: domain.DepositStatusFailed,
			check: func(t *testing.T, d *domain.Deposit) {
				require.NotNil(t, d.LastError)
				assert.Equal(t, "expired", d.LastError.Code)
			},
		},
		{
			name:       "superseded authorization failure ignored",
			event:      event(domain.EventAuthorizationFailed, "dep-1", domain.EventData{AuthorizationID: "auth_old"}),
			wantStatus: domain.DepositStatusAuthorized,
		},
		{
			name:       "active authorization canceled releases",
			event:      event(domain.EventAuthorizationCanceled, "dep-1", domain.EventData{AuthorizationID: "auth_hold_dep-1"}),
			wantStatus: domain.DepositStatusReleased,
			check: func(t *testing.T, d *domain.Deposit) {
				assert.Equal(t, d.HoldAmount, d.ReleasedAmount)
			},
		},
		{
			name:       "verification void ignored",
			event:      event(domain.EventAuthorizationCanceled, "dep-1", domain.EventData{AuthorizationID: "auth_verify_dep-1"}),
			wantStatus: domain.DepositStatusAuthorized,
		},
		{
			name:       "requires action canceled",
			prepare:    func(d *domain.Deposit) { d.Status = domain.DepositStatusRequiresAction },
			event:      event(domain.EventAuthorizationCanceled, "dep-1", domain.EventData{AuthorizationID: "auth_3ds"}),
			wantStatus: domain.DepositStatusCanceled,
		},
		{
			name:       "capture succeeded",
			event:      event(domain.EventCaptureSucceeded, "dep-1", domain.EventData{AuthorizationID: "auth_hold_dep-1", Amount: 12000}),
			wantStatus: domain.DepositStatusCaptured,
			check: func(t *testing.T, d *domain.Deposit) {
				assert.Equal(t, int64(12000), d.CapturedAmount)
				assert.Equal(t, "auth_hold_dep-1", d.CaptureAuthorizationID)
			},
		},
		{
			name:       "capture failed",
			event:      event(domain.EventCaptureFailed, "dep-1", domain.EventData{AuthorizationID: "auth_hold_dep-1", FailureMessage: "expired"}),
			wantStatus: domain.DepositStatusFailed,
		},
		{
			name: "refund succeeded",
			prepare: func(d *domain.Deposit) {
				d.Status = domain.DepositStatusCaptured
				d.CapturedAmount = 10000
				d.CaptureAuthorizationID = "auth_hold_dep-1"
			},
			event:      event(domain.EventRefundSucceeded, "dep-1", domain.EventData{RefundID: "re_1", Amount: 4000}),
			wantStatus: domain.DepositStatusPartiallyRefunded,
			check: func(t *testing.T, d *domain.Deposit) {
				assert.Equal(t, int64(4000), d.RefundedAmount)
				assert.True(t, d.HasRefund("re_1"))
			},
		},
		{
			name: "refund already applied",
			prepare: func(d *domain.Deposit) {
				d.Status = domain.DepositStatusPartiallyRefunded
				d.CapturedAmount = 10000
				d.RefundedAmount = 4000
				d.RefundHistory = []domain.RefundAttempt{{RefundID: "re_1", Amount: 4000}}
			},
			event:      event(domain.EventRefundSucceeded, "dep-1", domain.EventData{RefundID: "re_1", Amount: 4000}),
			wantStatus: domain.DepositStatusPartiallyRefunded,
			check: func(t *testing.T, d *domain.Deposit) {
				assert.Equal(t, int64(4000), d.RefundedAmount)
			},
		},
		{
			name:       "dispute flags without status change",
			event:      event(domain.EventDisputeCreated, "dep-1", domain.EventData{Reason: "fraudulent"}),
			wantStatus: domain.DepositStatusAuthorized,
			check: func(t *testing.T, d *domain.Deposit) {
				require.NotNil(t, d.ActionRequired)
				assert.Equal(t, domain.ActionTypeDispute, d.ActionRequired.Type)
				assert.Equal(t, "fraudulent", d.ActionRequired.Reason)
			},
		},
		{
			name:       "unknown type ignored",
			event:      event("payout.paid", "dep-1", domain.EventData{}),
			wantStatus: domain.DepositStatusAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupDepositService(t)
			ctx := context.Background()
			seedAuthorized(t, d.repo, "dep-1", time.Hour)
			if tt.prepare != nil {
				_, err := d.repo.Update(ctx, "dep-1", func(dep *domain.Deposit) error {
					tt.prepare(dep)
					return nil
				})
				require.NoError(t, err)
			}

			require.NoError(t, d.svc.ApplyEvent(ctx, tt.event))

			dep, err := d.repo.FindByID(ctx, "dep-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, dep.Status)
			assertAmounts(t, dep)
			if tt.check != nil {
				tt.check(t, dep)
			}
		})
	}
}

func TestDepositService_ApplyEvent_Errors(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()
	seedAuthorized(t, d.repo, "dep-1", time.Hour)

	err := d.svc.ApplyEvent(ctx, event(domain.EventCaptureSucceeded, "", domain.EventData{}))
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	err = d.svc.ApplyEvent(ctx, event(domain.EventCaptureSucceeded, "missing", domain.EventData{}))
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	err = d.svc.ApplyEvent(ctx, event(domain.EventRefundSucceeded, "dep-1", domain.EventData{RefundID: "re_1", Amount: 100}))
	assert.Equal(t, "DEP_425", apperror.CodeOf(err), "refund before capture waits for the capture event")
	assert.True(t, apperror.IsTransient(err))

	err = d.svc.ApplyEvent(ctx, event(domain.EventCaptureSucceeded, "dep-1", domain.EventData{Amount: 20000}))
	assert.Equal(t, "VAL_403", apperror.CodeOf(err))

	err = d.svc.ApplyEvent(ctx, event(domain.EventCaptureSucceeded, "dep-1", domain.EventData{Amount: -500}))
	assert.Equal(t, "VAL_400", apperror.CodeOf(err))
	assert.False(t, apperror.IsTransient(err), "a malformed event is discarded, not retried")

	dep, err := d.repo.FindByID(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusAuthorized, dep.Status)
}

func TestDepositService_StatusWalksStayLegal(t *testing.T) {
	d := setupDepositService(t)
	ctx := context.Background()

	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_v", Status: ports.AuthorizationStatusAuthorized}, nil)
	d.gw.EXPECT().Cancel(ctx, "auth_v", gomock.Any()).Return(&ports.CancelResult{}, nil)
	d.gw.EXPECT().Authorize(ctx, gomock.Any()).Return(&ports.Authorization{ID: "auth_h", Status: ports.AuthorizationStatusAuthorized}, nil)
	d.gw.EXPECT().Capture(ctx, "auth_h", int64(10000), gomock.Any()).Return(&ports.CaptureResult{CapturedAmount: 10000}, nil)
	d.gw.EXPECT().Refund(ctx, "auth_h", int64(10000), gomock.Any()).Return(&ports.RefundResult{ID: "re_1", Amount: 10000}, nil)

	var seen []domain.DepositStatus
	dep, err := d.svc.Initialize(ctx, initRequest("dep-1"))
	require.NoError(t, err)
	seen = append(seen, dep.Status)
	amount := int64(10000)
	dep, err = d.svc.Capture(ctx, "dep-1", &amount)
	require.NoError(t, err)
	seen = append(seen, dep.Status)
	dep, err = d.svc.Refund(ctx, "dep-1", 10000, "")
	require.NoError(t, err)
	seen = append(seen, dep.Status)

	prev := domain.DepositStatusPendingVerification
	for _, s := range seen {
		assert.True(t, domain.CanTransition(prev, s), "%s -> %s", prev, s)
		prev = s
	}
	assert.Equal(t, []domain.DepositStatus{domain.DepositStatusAuthorized, domain.DepositStatusCaptured, domain.DepositStatusRefunded}, seen)
}
