package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the connection settings for a MoveSentry API instance.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Network string // Default network when a tool call does not name one
}

// Client is a pure HTTP client for the MoveSentry API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client for a MoveSentry instance.
func NewClient(cfg Config) *Client {
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// A cold analysis may sit behind simulation plus two LLM stages.
			Timeout: 120 * time.Second,
		},
	}
}

// DefaultNetwork returns the network used when a tool call omits one.
func (c *Client) DefaultNetwork() string {
	return c.cfg.Network
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Analyze submits a prospective call for analysis.
func (c *Client) Analyze(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/analyze", nil, body)
}

// GetAnalysis fetches a completed analysis by share id.
func (c *Client) GetAnalysis(ctx context.Context, shareID string) (json.RawMessage, error) {
	path := "/v1/analyses/" + url.PathEscape(shareID)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// CheckAddress looks up an address against the threat intelligence feeds.
func (c *Client) CheckAddress(ctx context.Context, address, network string) (json.RawMessage, error) {
	q := url.Values{}
	if network != "" {
		q.Set("network", network)
	}
	path := "/v1/address/" + url.PathEscape(address) + "/reputation"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}
