package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aexlabs/aex/internal/admin"
)

// Config holds the configuration for connecting to the AEX gateway.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8090"
	ControlKey string // Operator control key for the /admin surface
}

// AEXClient is a pure HTTP client for the gateway's admin API.
type AEXClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAEXClient creates a new client for the AEX admin surface.
func NewAEXClient(cfg Config) *AEXClient {
	return &AEXClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the gateway.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the gateway and returns the response body.
func (c *AEXClient) doRequest(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set(admin.HeaderControlKey, c.cfg.ControlKey)

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
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Message != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
			}
			if apiErr.Error != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
			}
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetAgent fetches one agent record by name or ID.
func (c *AEXClient) GetAgent(ctx context.Context, name string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/admin/agents/"+url.PathEscape(name), nil)
}

// GetExecution fetches one execution from the ledger.
func (c *AEXClient) GetExecution(ctx context.Context, executionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/admin/executions/"+url.PathEscape(executionID), nil)
}

// ListActivity reads one ascending page of the audit chain.
func (c *AEXClient) ListActivity(ctx context.Context, scope string, afterSeq int64, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if afterSeq > 0 {
		q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/admin/activity", q)
}

// Replay triggers a full chain verification and returns the report.
func (c *AEXClient) Replay(ctx context.Context, scope string) (json.RawMessage, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	return c.doRequest(ctx, http.MethodGet, "/admin/replay", q)
}
