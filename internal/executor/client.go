// Package executor talks to the external payment execution service.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"disburse/internal/domain"
	"disburse/internal/metrics"
	"disburse/internal/scheduler"
)

// ErrAlreadySubmitted is returned when the service already holds the payment
// order; resubmitting is then a no-op.
var ErrAlreadySubmitted = errors.New("payment order already submitted")

// PaymentOrder is the body of a submission.
type PaymentOrder struct {
	Key           domain.PaymentKey  `json:"key"`
	Revision      int                `json:"revision"`
	BeneficiaryID string             `json:"beneficiaryId"`
	CaseWorkerID  string             `json:"caseWorkerId"`
	ApproverID    string             `json:"approverId"`
	DecidedAt     time.Time          `json:"decidedAt"`
	FirstOnCase   bool               `json:"firstOnCase"`
	Operations    []domain.Operation `json:"operations"`
}

// StatusResponse reports the service's view of an instruction using the
// ledger's status vocabulary.
type StatusResponse struct {
	Status    domain.PaymentStatus `json:"status"`
	FaultText string               `json:"faultText,omitempty"`
}

// ReconcileReport summarises the instructions of one system created in a
// reconciliation window.
type ReconcileReport struct {
	System   domain.System                        `json:"system"`
	From     time.Time                            `json:"from"`
	To       time.Time                            `json:"to"`
	Count    int                                  `json:"count"`
	Total    decimal.Decimal                      `json:"total"`
	ByStatus map[domain.PaymentStatus]StatusTotal `json:"byStatus"`
}

type StatusTotal struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit sends a payment order. A conflict answer means the service already
// has it and is reported as ErrAlreadySubmitted.
func (c *Client) Submit(ctx context.Context, order PaymentOrder) error {
	code, body, err := c.post(ctx, "submit", "/payments", order)
	if err != nil {
		return err
	}
	if code == http.StatusConflict {
		return ErrAlreadySubmitted
	}
	return classify(code, body)
}

func (c *Client) Status(ctx context.Context, key domain.PaymentKey) (StatusResponse, error) {
	code, body, err := c.post(ctx, "status", "/status", key)
	if err != nil {
		return StatusResponse{}, err
	}
	if err := classify(code, body); err != nil {
		return StatusResponse{}, err
	}
	var resp StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("invalid status response: %w", err)
	}
	return resp, nil
}

func (c *Client) Reconcile(ctx context.Context, report ReconcileReport) error {
	code, body, err := c.post(ctx, "reconcile", "/reconciliation", report)
	if err != nil {
		return err
	}
	return classify(code, body)
}

func (c *Client) post(ctx context.Context, operation, path string, payload any) (int, []byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, scheduler.Permanent(fmt.Errorf("failed to encode %s request: %w", operation, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordExecutorCall(operation, "error", time.Since(start))
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordExecutorCall(operation, strconv.Itoa(resp.StatusCode), time.Since(start))

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// classify turns client errors into permanent failures; server errors stay
// retryable.
func classify(code int, body []byte) error {
	switch {
	case code >= 500:
		return fmt.Errorf("HTTP %d error: %s", code, string(body))
	case code >= 400:
		return scheduler.Permanent(fmt.Errorf("HTTP %d error: %s", code, string(body)))
	}
	return nil
}
