// Package api is the HTTP client for the acupressure backend. It exposes one
// method per remote endpoint the sync engine needs, returns [*Error] for
// non-2xx responses, and retries idempotent GETs with [RetryPolicy]. Mutations are
// never retried here; the durable sync queue owns their retries.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is a non-2xx response from the backend.
type Error struct {
	Status   int
	Message  string
	Endpoint string

	// RetryAfter is the server's Retry-After hint in seconds form, if any.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.Status, e.Message)
}

// NotFound reports whether the resource does not exist on the server.
func (e *Error) NotFound() bool { return e.Status == http.StatusNotFound }

// Temporary reports whether repeating the request may succeed.
func (e *Error) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// TokenSource returns the bearer token for a request. An empty token sends
// the request unauthenticated.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to the backend REST API. Create one with [New] or
// [NewWithHTTPClient].
type Client struct {
	baseURL string
	hc      *http.Client
	token   TokenSource
	retry   RetryPolicy
	logger  *slog.Logger
}

// New creates a Client for baseURL (typically ending in /api) whose HTTP
// requests time out after timeout.
func New(baseURL string, token TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout}, token, logger)
}

// NewWithHTTPClient creates a Client with a caller-supplied HTTP client.
// Intended for tests against httptest servers.
func NewWithHTTPClient(baseURL string, hc *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if token == nil {
		token = func(context.Context) (string, error) { return "", nil }
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      hc,
		token:   token,
		retry:   DefaultRetryPolicy(),
		logger:  logger,
	}
}

// WithRetry replaces the retry policy used for GETs.
func (c *Client) WithRetry(p RetryPolicy) *Client {
	c.retry = p
	return c
}

// healthURL strips a trailing /api from the base URL; the health endpoint
// lives at the server root.
func (c *Client) healthURL() string {
	return strings.TrimSuffix(c.baseURL, "/api") + "/health"
}

// do sends one request and decodes a JSON response into out (which may be
// nil). body, when non-nil, is sent as-is with contentType.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	endpoint := method + " " + req.URL.Path
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return decodeError(resp, endpoint)
	}
	c.logger.Debug("api call", "endpoint", endpoint, "status", resp.StatusCode)

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

// doJSON marshals in (when non-nil) as the request body.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	var contentType string
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, c.baseURL+path, body, contentType, out)
}

// get performs an idempotent GET with retry.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.retry.Do(ctx, func() error {
		return c.do(ctx, http.MethodGet, c.baseURL+path, nil, "", out)
	})
}

func decodeError(resp *http.Response, endpoint string) error {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := ""
	if json.Unmarshal(raw, &body) == nil {
		msg = body.Message
		if msg == "" {
			msg = body.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	apiErr := &Error{Status: resp.StatusCode, Message: msg, Endpoint: endpoint}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
