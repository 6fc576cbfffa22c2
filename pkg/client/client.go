// Package client talks to a running tinystats server over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/httpx"
	"github.com/nicktill/tinystats/pkg/server"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// DefaultTimeout bounds one request. Manual updates can run for minutes, so
// Update callers should pass a context with their own deadline instead.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is an HTTP client for the /v1 API.
type Client struct {
	endpoint string
	client   *http.Client
}

// New creates a client for the server at endpoint, e.g. http://localhost:8080.
func New(endpoint string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", endpoint)
	}
	return &Client{
		endpoint: u.String(),
		client:   &http.Client{},
	}, nil
}

// Charts lists the registered charts.
func (c *Client) Charts(ctx context.Context) ([]server.ChartInfo, error) {
	var out []server.ChartInfo
	if err := c.get(ctx, "/v1/charts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Chart reads a chart's persisted series within r.
func (c *Client) Chart(ctx context.Context, name string, r chart.Range) (*server.ChartResponse, error) {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", timespan.FormatBucket(r.From))
	}
	if !r.To.IsZero() {
		q.Set("to", timespan.FormatBucket(r.To))
	}
	var out server.ChartResponse
	if err := c.get(ctx, "/v1/charts/"+url.PathEscape(name), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update asks the server to update a chart and its dependencies. A report
// with failures comes back together with an *APIError.
func (c *Client) Update(ctx context.Context, name string) (*server.UpdateResponse, error) {
	var out server.UpdateResponse
	err := c.do(ctx, http.MethodPost, "/v1/charts/"+url.PathEscape(name)+"/update", nil, &out, http.StatusBadGateway)
	if out.Results == nil && err != nil {
		return nil, err
	}
	return &out, err
}

// Status returns the detailed service status.
func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	var out server.StatusResponse
	if err := c.get(ctx, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the health summary. A degraded server answers 503, which is
// returned as the response without an error.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out, http.StatusServiceUnavailable)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && out.Status != "" {
		return &out, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, out)
}

// do sends one request and decodes a JSON response into out. Statuses listed
// in decodeOn are decoded into out too but still reported as an *APIError.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any, decodeOn ...int) error {
	if _, ok := ctx.Deadline(); !ok && method == http.MethodGet {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	target := c.endpoint + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	for _, s := range decodeOn {
		if s == resp.StatusCode {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return apiErr
		}
	}
	var e httpx.ErrorResponse
	if json.Unmarshal(body, &e) == nil {
		apiErr.Message = e.Message
		if apiErr.Message == "" {
			apiErr.Message = e.Error
		}
		apiErr.Retryable = e.Retryable
	}
	return apiErr
}
