package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	stderrors "errors"
)

// Applier is the engine's view of the remote side. Satisfied by Client
// and by test stubs.
type Applier interface {
	Apply(ctx context.Context, req Request) (*Response, error)
	Ping(ctx context.Context) error
}

// Client talks to the apply service over HTTPS with bearer authorization.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client. The timeout bounds every apply call so a
// hung request surfaces as a retryable failure instead of blocking the
// drain cycle.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Apply submits one envelope to POST /apply-operation. Any HTTP-level
// failure (non-2xx, timeout, transport error) returns an error and is
// treated by the caller as a retryable envelope failure; rejection
// outcomes arrive inside a 200 response.
func (c *Client) Apply(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode apply request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apply-operation", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build apply request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("apply request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("apply endpoint returned HTTP %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode apply response: %w", err)
	}

	switch resp.Status {
	case StatusOK, StatusDuplicate, StatusRejected:
		return &resp, nil
	default:
		return nil, fmt.Errorf("apply endpoint returned unknown status %q", resp.Status)
	}
}

// Ping probes connectivity against the apply service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connectivity probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("apply endpoint unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

// IsUnreachable reports whether an Apply error indicates the endpoint
// itself is down (connection-level failure) rather than a single slow or
// failed request. The drain cycle aborts the remaining batch on an
// unreachable endpoint but keeps going past an individual timeout.
func IsUnreachable(err error) bool {
	var uerr *url.Error
	if stderrors.As(err, &uerr) {
		return !uerr.Timeout()
	}
	return false
}
