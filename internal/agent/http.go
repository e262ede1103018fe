package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgallion1/docdraft/internal/callstats"
)

// maxResponseBytes bounds how much of an agent response is read.
const maxResponseBytes = 16 << 20

// HTTPAgent calls a remote collaborator by POSTing the payload as JSON.
type HTTPAgent struct {
	name       string
	url        string
	token      string
	httpClient *http.Client

	// Stats records every call. Nil disables it.
	Stats *callstats.Window
}

// NewHTTPAgent builds an agent for url. A zero timeout selects two minutes.
func NewHTTPAgent(name, url, token string, timeout time.Duration) *HTTPAgent {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPAgent{
		name:  name,
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (a *HTTPAgent) Name() string { return a.name }

func (a *HTTPAgent) Call(ctx context.Context, req Payload) (out Payload, err error) {
	start := time.Now()
	defer func() { a.Stats.Since(start, err) }()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal payload: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", a.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", a.name, resp.StatusCode, truncate(string(respBody), 200))
	}

	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.name, err)
	}
	if out == nil {
		out = Payload{}
	}
	return out, nil
}

// Close releases idle connections.
func (a *HTTPAgent) Close() {
	a.httpClient.CloseIdleConnections()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
