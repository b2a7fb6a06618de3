/*
Package payments bridges asynchronous external payments into the ledger.

PURPOSE:
  Card and QR payments complete outside this system. A PendingPayment is
  recorded when a payment is initiated and resolved exactly once when the
  payment provider confirms it, whether the confirmation arrives through a
  webhook, a client polling the confirm endpoint, or both, in any order and
  any number of times.

KEY CONCEPTS:
  - Gateway:     The payment provider (create intent, read intent status)
  - Bridge:      PendingPayment state machine; credits through the engine
  - Coordinator: Split checkout, balance REDEEM first then external payment
  - Webhooks:    Signed provider events feeding Bridge.Resolve

STATE MACHINE:
  PENDING -> COMPLETED   (success, credits once)
  PENDING -> FAILED      (provider reported failure)
  FAILED  -> COMPLETED   (late success; the provider decides if money moved)
  PENDING -> EXPIRED     (observed after ExpiresAt, never credits)

SEE ALSO:
  - generic/mutation.go: CheckSettlement, the atomic exactly-once guard
  - loyalty/engine.go: SettleEarn and SettleAdjust
*/
package payments

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

	"github.com/warp/cashback-engine/generic"
)

// =============================================================================
// GATEWAY CONTRACT
// =============================================================================

// IntentStatus is the provider's view of a payment.
type IntentStatus string

const (
	IntentSucceeded IntentStatus = "SUCCEEDED"
	IntentPending   IntentStatus = "PENDING"
	IntentFailed    IntentStatus = "FAILED"
)

// Intent is a created provider payment. ID becomes the external reference.
type Intent struct {
	ID           string
	ClientSecret string
}

// Gateway is the payment provider.
type Gateway interface {
	CreateIntent(ctx context.Context, amount generic.Cents, metadata map[string]string) (Intent, error)
	IntentStatus(ctx context.Context, id string) (IntentStatus, error)
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client talks to a Stripe-compatible payment intents API.
type Client struct {
	BaseURL    string
	APIKey     string
	Currency   string
	HTTPClient *http.Client
}

var _ Gateway = (*Client)(nil)

// NewClient creates a new payment API client.
func NewClient(baseURL, apiKey, currency string) *Client {
	if currency == "" {
		currency = "usd"
	}
	return &Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		APIKey:   apiKey,
		Currency: strings.ToLower(currency),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// intentResponse is the subset of the payment intent object we read.
type intentResponse struct {
	ID               string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Code string `json:"code"`
	} `json:"last_payment_error"`
}

// ErrorResponse represents an error from the payment API.
type ErrorResponse struct {
	StatusCode int
	Err        struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Err.Message != "" {
		return fmt.Sprintf("payment api error (%d): %s", e.StatusCode, e.Err.Message)
	}
	return fmt.Sprintf("payment api error (%d)", e.StatusCode)
}

// CreateIntent creates a payment intent for amount minor units.
func (c *Client) CreateIntent(ctx context.Context, amount generic.Cents, metadata map[string]string) (Intent, error) {
	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", int64(amount)))
	form.Set("currency", c.Currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var out intentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", bytes.NewBufferString(form.Encode()), &out); err != nil {
		return Intent{}, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return Intent{ID: out.ID, ClientSecret: out.ClientSecret}, nil
}

// IntentStatus maps the provider status to SUCCEEDED, FAILED or PENDING.
func (c *Client) IntentStatus(ctx context.Context, id string) (IntentStatus, error) {
	var out intentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, &out); err != nil {
		return "", fmt.Errorf("failed to read payment intent %s: %w", id, err)
	}
	return mapIntentStatus(out), nil
}

func mapIntentStatus(r intentResponse) IntentStatus {
	switch r.Status {
	case "succeeded":
		return IntentSucceeded
	case "canceled":
		return IntentFailed
	case "requires_payment_method":
		// Back to requires_payment_method after an attempt means it failed.
		if r.LastPaymentError != nil {
			return IntentFailed
		}
	}
	return IntentPending
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
