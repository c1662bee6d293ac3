// Package client is a small Go SDK for the flowpool API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowpool/flowpool/pkg/types"
)

// Client is an HTTP client for the flowpool API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new flowpool API client. Per-call deadlines come from
// the context; the embedded timeout is only a backstop for flows that keep
// a pool container for the full work budget.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// doRequest performs an HTTP request against the API.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// ExecuteFlow runs a flow on the pool. The Go error covers transport and API
// rejections only: a flow that ran and failed comes back as an
// ExecutionResult with Success=false and a nil error.
func (c *Client) ExecuteFlow(ctx context.Context, code string, input json.RawMessage, cfg types.ExecutionConfig) (*types.ExecutionResult, error) {
	reqBody := types.ExecutionRequest{Code: code, Input: input, Config: cfg}
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/executions", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result types.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// PoolStatus returns the pool's container roster.
func (c *Client) PoolStatus(ctx context.Context) (*types.PoolStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/pool/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var status types.PoolStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &status, nil
}

// Health checks the API server's health endpoint.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var hr types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &hr, nil
}
