package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client POSTs upstream requests over a pooled transport. One client is
// shared by every dispatch; per-call deadlines come from the context.
type Client struct {
	http *http.Client
}

// NewClient builds the shared upstream client. The client itself carries
// no timeout: unary calls bound themselves with a context deadline, and
// streams run until the idle watchdog or drain cap fires.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Do POSTs body to the plan's endpoint. The caller owns the response
// body. stream asks the upstream for SSE.
func (c *Client) Do(ctx context.Context, plan *RoutePlan, body []byte, key string, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, plan.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// UpstreamBody renders the JSON sent upstream: the admitted (patched)
// body with the provider-side model name, and usage reporting forced on
// for streams so the final frame settles the real cost.
func UpstreamBody(plan *RoutePlan, body map[string]any, stream bool) ([]byte, error) {
	out := make(map[string]any, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out["model"] = plan.ProviderModel

	if stream && plan.Route == RouteChat {
		opts, _ := out["stream_options"].(map[string]any)
		merged := make(map[string]any, len(opts)+1)
		for k, v := range opts {
			merged[k] = v
		}
		merged["include_usage"] = true
		out["stream_options"] = merged
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal upstream body: %w", err)
	}
	return data, nil
}
