package capability

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

	"github.com/cenkalti/backoff/v4"
)

const defaultMaxRetries = 3

// Client talks to a capability provider over HTTP/JSON.
// Catalog reads are retried with exponential backoff. ExecuteAction is
// never retried here; a duplicate execution is not safe.
type Client struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithMaxRetries sets the retry cap for catalog reads.
func WithMaxRetries(n uint64) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// NewClient creates a provider client for the given endpoint.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) ListApplications(ctx context.Context, userID string) ([]Application, error) {
	var out struct {
		Apps []Application `json:"apps"`
	}
	path := "/v1/apps?" + url.Values{"user_id": {userID}}.Encode()
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return out.Apps, nil
}

func (c *Client) ListActions(ctx context.Context, appID, userID string) ([]Action, error) {
	var out struct {
		Actions []Action `json:"actions"`
	}
	path := "/v1/apps/" + url.PathEscape(appID) + "/actions?" + url.Values{"user_id": {userID}}.Encode()
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list actions for %s: %w", appID, err)
	}
	return out.Actions, nil
}

func (c *Client) GetActionSchema(ctx context.Context, appID, actionID string) (*ActionSchema, error) {
	var out ActionSchema
	path := "/v1/apps/" + url.PathEscape(appID) + "/actions/" + url.PathEscape(actionID) + "/schema"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("schema for %s.%s: %w", appID, actionID, err)
	}
	return &out, nil
}

func (c *Client) GetAuthStatus(ctx context.Context, appID, userID string) (*AuthStatus, error) {
	var out AuthStatus
	path := "/v1/apps/" + url.PathEscape(appID) + "/auth?" + url.Values{"user_id": {userID}}.Encode()
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("auth status for %s: %w", appID, err)
	}
	return &out, nil
}

func (c *Client) ExecuteAction(ctx context.Context, appID, actionID string, params map[string]string, userID string) (*ExecutionResult, error) {
	body := struct {
		UserID string            `json:"user_id"`
		Params map[string]string `json:"params"`
	}{UserID: userID, Params: params}

	var out ExecutionResult
	path := "/v1/apps/" + url.PathEscape(appID) + "/actions/" + url.PathEscape(actionID) + "/execute"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("execute %s.%s: %w", appID, actionID, err)
	}
	return &out, nil
}

// getJSON performs a GET with retry on retryable provider errors.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	op := func() error {
		err := c.doJSON(ctx, http.MethodGet, path, nil, out)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(op, b)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ProviderError{Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
