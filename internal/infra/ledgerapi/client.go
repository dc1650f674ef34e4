package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"study_settlement/internal/domain/ledger"

	"golang.org/x/time/rate"
)

var (
	ErrUnavailable     = errors.New("points ledger unavailable")
	ErrPayoutRejected  = errors.New("points ledger rejected payout")
	ErrMissingTxID     = errors.New("points ledger returned no transaction id")
	ErrInvalidResponse = errors.New("points ledger returned an invalid response")
)

const idempotencyHeader = "Idempotency-Key"

type payoutBody struct {
	MemberID int64  `json:"memberId"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

type payoutResponse struct {
	TransactionID string `json:"transactionId"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client credits points through the ledger's internal API. Calls are paced
// by a token bucket shared by every payout in the process.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a ledger client. A non-positive ratePerSecond disables pacing.
func NewClient(baseURL, token string, timeout time.Duration, ratePerSecond float64, burst int) *Client {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Payout credits req.Amount points to the member. The idempotency key is
// sent as a header so the ledger can deduplicate retried payouts.
func (c *Client) Payout(ctx context.Context, req ledger.PayoutRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ledgerapi: rate limiter: %w", err)
	}

	body, err := json.Marshal(payoutBody{
		MemberID: req.MemberID,
		Amount:   req.Amount,
		Reason:   req.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("ledgerapi: failed to encode payout: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/points/payouts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ledgerapi: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(idempotencyHeader, req.IdempotencyKey)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ledgerapi: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp apiError
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Code != "" {
			return "", fmt.Errorf("%w: %s - %s", ErrPayoutRejected, errResp.Code, errResp.Message)
		}
		return "", fmt.Errorf("%w: HTTP %d", ErrPayoutRejected, resp.StatusCode)
	}

	var out payoutResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.TransactionID == "" {
		return "", ErrMissingTxID
	}
	return out.TransactionID, nil
}
