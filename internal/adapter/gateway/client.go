package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deposit-hold-service/config"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"
)

const maxResponseBytes = 1 << 20

type authorizationRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Customer      string            `json:"customer"`
	CaptureMethod string            `json:"capture_method"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type authorizationResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	NextAction *struct {
		RedirectURL string `json:"redirect_url"`
	} `json:"next_action,omitempty"`
}

type captureRequest struct {
	Amount int64 `json:"amount"`
}

type captureResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AmountCaptured int64  `json:"amount_captured"`
}

type cancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type refundRequest struct {
	Authorization string `json:"authorization"`
	Amount        int64  `json:"amount"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// HTTPClient talks to the card gateway's REST API. Every request carries the
// caller's idempotency key so replays return the original result.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a gateway client from config.
func NewHTTPClient(cfg config.GatewayConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Authorize(ctx context.Context, req ports.AuthorizeRequest) (*ports.Authorization, error) {
	resp, err := postJSON[authorizationRequest, authorizationResponse](c, ctx, "/v1/authorizations", authorizationRequest{
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethodID,
		Customer:      req.CustomerID,
		CaptureMethod: "manual",
		Metadata:      req.Metadata,
	}, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	auth := &ports.Authorization{ID: resp.ID}
	switch resp.Status {
	case "requires_capture", "authorized":
		auth.Status = ports.AuthorizationStatusAuthorized
	case "requires_action":
		auth.Status = ports.AuthorizationStatusRequiresAction
		if resp.NextAction != nil {
			auth.ActionURL = resp.NextAction.RedirectURL
		}
	default:
		return nil, apperror.GatewayTerminal(resp.Status, "authorization not approved", nil)
	}
	return auth, nil
}

func (c *HTTPClient) Capture(ctx context.Context, authorizationID string, amount int64, idempotencyKey string) (*ports.CaptureResult, error) {
	resp, err := postJSON[captureRequest, captureResponse](c, ctx,
		"/v1/authorizations/"+url.PathEscape(authorizationID)+"/capture", captureRequest{Amount: amount}, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &ports.CaptureResult{ID: resp.ID, Status: resp.Status, CapturedAmount: resp.AmountCaptured}, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, authorizationID string, idempotencyKey string) (*ports.CancelResult, error) {
	resp, err := postJSON[struct{}, cancelResponse](c, ctx,
		"/v1/authorizations/"+url.PathEscape(authorizationID)+"/cancel", struct{}{}, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &ports.CancelResult{ID: resp.ID, Status: resp.Status}, nil
}

func (c *HTTPClient) Refund(ctx context.Context, authorizationID string, amount int64, idempotencyKey string) (*ports.RefundResult, error) {
	resp, err := postJSON[refundRequest, refundResponse](c, ctx, "/v1/refunds",
		refundRequest{Authorization: authorizationID, Amount: amount}, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &ports.RefundResult{ID: resp.ID, Status: resp.Status, Amount: resp.Amount}, nil
}

// postJSON sends req and decodes a 2xx body into Resp. Other statuses are
// classified into transient and terminal gateway errors.
func postJSON[Req any, Resp any](c *HTTPClient, ctx context.Context, path string, req Req, idempotencyKey string) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp errorResponse
		_ = json.Unmarshal(raw, &errResp)
		return nil, classify(resp.StatusCode, errResp)
	}

	var out Resp
	if err := json.Unmarshal(raw, &out); err != nil {
		// the call may have succeeded; a replay with the same key tells us
		return nil, apperror.GatewayTransient("undecodable gateway response", err)
	}
	return &out, nil
}
