// Package backend talks to the crawl backend: the task execution endpoint,
// plain GETs for cacheable resources, and the transparent reverse proxy.
package backend

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

// maxBodyBytes caps how much of a backend response is buffered.
const maxBodyBytes = 16 << 20

// Config points the client at the backend and carries the internal credential.
type Config struct {
	BaseURL       string
	ServiceKey    string
	ServiceHeader string
	ExecutePath   string
	Timeout       time.Duration
}

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 256 {
		body = body[:256]
	}
	if body == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, body)
}

// Client is an HTTP client for the backend.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
}

// New validates cfg and builds a Client. A nil httpClient gets a default
// client using cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", cfg.BaseURL)
	}
	if cfg.ExecutePath == "" {
		cfg.ExecutePath = "/api/crawl/execute"
	}
	if cfg.ServiceHeader == "" {
		cfg.ServiceHeader = "X-Service-Key"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, base: base, http: httpClient}, nil
}

// Execute posts a task to the execution endpoint and returns the JSON result.
func (c *Client) Execute(ctx context.Context, req gateway.ExecuteRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, c.cfg.ExecutePath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &StatusError{Status: status, Body: body}
	}
	if !json.Valid(body) {
		return nil, errors.New("backend returned invalid json")
	}
	return json.RawMessage(body), nil
}

// Fetch performs an authenticated GET and returns the status and body as-is.
func (c *Client) Fetch(ctx context.Context, path string) (int, []byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	if c.cfg.ServiceKey != "" {
		req.Header.Set(c.cfg.ServiceHeader, c.cfg.ServiceKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call backend %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read backend response: %w", err)
	}
	return resp.StatusCode, body, nil
}

var (
	_ gateway.Executor = (*Client)(nil)
	_ gateway.Fetcher  = (*Client)(nil)
)
