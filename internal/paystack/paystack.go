// Package paystack is a minimal client for the Paystack transaction API.
//
// Only the two calls the settlement engine needs are implemented: initialize
// (create a hosted checkout session) and verify (read back a transaction by
// reference). Amounts are kobo throughout, matching Paystack's wire format.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the production Paystack API endpoint.
const DefaultBaseURL = "https://api.paystack.co"

// ErrGateway is wrapped by every error coming back from the Paystack API
// surface, whether transport-level or a declined/false-status response.
var ErrGateway = errors.New("paystack: gateway error")

// Client calls the Paystack transaction API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests, mock gateways).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Paystack client authenticated with the secret key.
func NewClient(secretKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		secretKey:  secretKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is Paystack's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitializeRequest describes a checkout session to create.
type InitializeRequest struct {
	Email       string            `json:"email"`
	AmountKobo  int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Checkout is the hosted checkout session returned by initialize.
type Checkout struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Initialize creates a hosted checkout session. One outbound call, no
// retries: the caller decides what a failed initialization means.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*Checkout, error) {
	var checkout Checkout
	if err := c.post(ctx, "/transaction/initialize", req, &checkout); err != nil {
		return nil, err
	}
	if checkout.AuthorizationURL == "" || checkout.Reference == "" {
		return nil, fmt.Errorf("%w: initialize response missing checkout fields", ErrGateway)
	}
	return &checkout, nil
}

// VerifyResult is the outcome of a transaction verification.
type VerifyResult struct {
	Paid       bool   // true only when gateway status is "success"
	Status     string // raw gateway status ("success", "abandoned", "failed", ...)
	AmountKobo int64
	Reference  string
	Raw        json.RawMessage // full data object, for the audit trail
}

// verifyData is the subset of the verify payload we read.
type verifyData struct {
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Verify reads back a transaction by reference. Read-only against the
// gateway; used by the poll path and the reconciliation fallback.
func (c *Client) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	raw, err := c.get(ctx, "/transaction/verify/"+reference)
	if err != nil {
		return nil, err
	}

	var data verifyData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed verify payload: %v", ErrGateway, err)
	}

	return &VerifyResult{
		Paid:       data.Status == "success",
		Status:     data.Status,
		AmountKobo: data.Amount,
		Reference:  data.Reference,
		Raw:        raw,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// do executes the request and unwraps Paystack's response envelope,
// returning the data payload.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrGateway, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: unexpected response shape (HTTP %d)", ErrGateway, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Status {
		return nil, fmt.Errorf("%w: %s (HTTP %d)", ErrGateway, env.Message, resp.StatusCode)
	}
	return env.Data, nil
}
