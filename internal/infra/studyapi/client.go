package studyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"study_settlement/internal/domain/study"
)

var (
	ErrUnavailable     = errors.New("study service unavailable")
	ErrRequestRejected = errors.New("study service rejected request")
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the study service's internal API. It implements both
// study.Source and study.Notifier.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListCompletedUnsettled returns up to limit completed studies that have not
// been marked settled.
func (c *Client) ListCompletedUnsettled(ctx context.Context, limit int) ([]study.CompletedStudy, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	respBody, err := c.doRequest(ctx, http.MethodGet, "/internal/studies/completed-unsettled?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var studies []study.CompletedStudy
	if err := json.Unmarshal(respBody, &studies); err != nil {
		return nil, fmt.Errorf("studyapi: failed to decode studies: %w", err)
	}
	return studies, nil
}

// MarkStudySettled flags the study as settled so it is no longer listed.
func (c *Client) MarkStudySettled(ctx context.Context, studyID int64) error {
	_, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/internal/studies/%d/settled", studyID), []byte("{}"))
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("studyapi: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("studyapi: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp apiError
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Code != "" {
			return nil, fmt.Errorf("%w: %s - %s", ErrRequestRejected, errResp.Code, errResp.Message)
		}
		return nil, fmt.Errorf("%w: HTTP %d", ErrRequestRejected, resp.StatusCode)
	}
	return respBody, nil
}
