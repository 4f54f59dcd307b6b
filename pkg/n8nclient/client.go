/**
 * @description
 * This package provides a client for the n8n workflow engine. It reads execution logs
 * through the public REST API (used to recover who a failed generation belonged to) and
 * triggers workflow webhooks.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package n8nclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the n8n API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new n8n API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrMissingAPIKey is returned by API calls when no key is configured.
var ErrMissingAPIKey = errors.New("n8n api key is not configured")

// APIError is returned for non-2xx engine responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("n8n api error: status %d: %s", e.StatusCode, e.Body)
}

// GetExecution fetches an execution with its run data.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	if c.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s?includeData=true", c.BaseURL, url.PathEscape(executionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution request: %w", err)
	}
	req.Header.Set("X-N8N-API-KEY", c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute execution request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var execution Execution
	if err := json.Unmarshal(body, &execution); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	return &execution, nil
}

// TriggerWebhook posts body verbatim to a workflow webhook URL.
func (c *Client) TriggerWebhook(ctx context.Context, webhookURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
