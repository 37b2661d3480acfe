// Package agentpay provides a thin Go client for the AgentPay REST API.
package agentpay

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
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Receipt mirrors the pipeline's payment receipt.
type Receipt struct {
	UserID        string  `json:"user_id"`
	Approved      bool    `json:"approved"`
	Reason        string  `json:"reason,omitempty"`
	RiskScore     int     `json:"risk_score"`
	PrivacyHandle string  `json:"privacy_handle,omitempty"`
	State         string  `json:"state"`
	ContentHash   string  `json:"content_hash,omitempty"`
	Reference     string  `json:"reference,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
}

// Session mirrors the approval session snapshot returned by the API.
type Session struct {
	UserID          string `json:"user_id"`
	State           string `json:"state"`
	PINAttempts     int    `json:"pin_attempts"`
	ChallengePhrase string `json:"challenge_phrase,omitempty"`
	Reference       string `json:"reference,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("agentpay: %s (status %d)", e.Message, e.StatusCode)
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient constructs a client for the given base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("agentpay: invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("agentpay: base url must be absolute: %q", baseURL)
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// SubmitPayment submits a free-form payment request.
func (c *Client) SubmitPayment(ctx context.Context, userID, text string) (*Receipt, error) {
	var receipt Receipt
	err := c.post(ctx, "/api/v1/payments", map[string]string{
		"user_id": userID,
		"text":    text,
	}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Approve advances the approval flow for the user's pending mandate.
func (c *Client) Approve(ctx context.Context, userID, approver string) (*Session, error) {
	var session Session
	err := c.post(ctx, "/api/v1/approvals/approve", map[string]string{
		"user_id":  userID,
		"approver": approver,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SubmitPIN submits the approval PIN. The value is sent once and not
// retained by the client.
func (c *Client) SubmitPIN(ctx context.Context, userID, pin string) (*Session, error) {
	var session Session
	err := c.post(ctx, "/api/v1/approvals/pin", map[string]string{
		"user_id": userID,
		"pin":     pin,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Endorse records a multisig endorsement by the named approver.
func (c *Client) Endorse(ctx context.Context, userID, approver string) (*Session, error) {
	var session Session
	err := c.post(ctx, "/api/v1/approvals/endorse", map[string]string{
		"user_id":  userID,
		"approver": approver,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SetPIN configures the user's approval PIN.
func (c *Client) SetPIN(ctx context.Context, userID, pin string) error {
	return c.post(ctx, "/api/v1/settings/pin", map[string]string{
		"user_id": userID,
		"pin":     pin,
	}, nil)
}

// ChangePIN rotates the user's approval PIN.
func (c *Client) ChangePIN(ctx context.Context, userID, oldPIN, newPIN string) error {
	return c.post(ctx, "/api/v1/settings/pin", map[string]string{
		"user_id": userID,
		"old_pin": oldPIN,
		"new_pin": newPIN,
	}, nil)
}

// Status fetches the user's current approval session.
func (c *Client) Status(ctx context.Context, userID string) (*Session, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/api/v1/approvals/status"
	endpoint.RawQuery = url.Values{"user_id": {userID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := c.do(req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ExportAudit downloads the audit ledger as CSV.
func (c *Client) ExportAudit(ctx context.Context) ([]byte, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/api/v1/audit/export"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, route string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + route

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	if err == nil && len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}
