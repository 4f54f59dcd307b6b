/**
 * @description
 * This package provides a client for the lava.top payment gateway. It creates hosted
 * invoices (one-time and monthly) and cancels recurring contracts. Requests are
 * authenticated with the merchant API key in the X-Api-Key header.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package lavaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the production gateway host.
const DefaultBaseURL = "https://gate.lava.top"

// Invoice periodicity values.
const (
	PeriodicityOneTime = "ONE_TIME"
	PeriodicityMonthly = "MONTHLY"
)

// Client is a client for the lava.top API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new lava.top API client.
func NewClient(baseURL, apiKey string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c != nil && c.APIKey != ""
}

// ClientUTM carries the attribution fields echoed back in webhooks. utm_content holds
// the buyer's telegram id and utm_campaign the package or `sub_<plan>`.
type ClientUTM struct {
	Content  string `json:"utm_content,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Term     string `json:"utm_term,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
}

// InvoiceRequest is the payload for POST /api/v3/invoice.
type InvoiceRequest struct {
	Email         string    `json:"email"`
	OfferID       string    `json:"offerId"`
	Currency      string    `json:"currency"`
	Periodicity   string    `json:"periodicity"`
	BuyerLanguage string    `json:"buyerLanguage"`
	SuccessURL    string    `json:"successUrl,omitempty"`
	ClientUTM     ClientUTM `json:"clientUtm"`
}

// Invoice is the normalized gateway answer.
type Invoice struct {
	PaymentURL string
	InvoiceID  string
	Raw        map[string]any
}

// APIError is returned for non-2xx gateway responses.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("lava api error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("lava api error: status %d", e.StatusCode)
}

// CreateInvoice creates a hosted payment page and returns its URL.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/api/v3/invoice", payload)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to decode invoice response: %w", err)
		}
	}

	return &Invoice{
		PaymentURL: firstString(result, "paymentUrl", "url", "link"),
		InvoiceID:  firstString(result, "id", "contractId"),
		Raw:        result,
	}, nil
}

// CancelSubscription cancels the recurring contract on the gateway side.
func (c *Client) CancelSubscription(ctx context.Context, contractID string) error {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return fmt.Errorf("contract id is required")
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v2/subscription/"+url.PathEscape(contractID)+"/cancel", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create lava request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Api-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute lava request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read lava response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: respBody}
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Message = firstString(parsed, "message", "error")
		}
		log.Printf("level=warn component=lava_client method=%s path=%s status=%d msg=\"gateway returned error\"", method, path, resp.StatusCode)
		return nil, apiErr
	}

	return respBody, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
