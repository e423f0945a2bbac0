// Package air is a small REST client for the NVIDIA Air simulation platform.
//
// Only the endpoints the deployer needs are covered. Every request carries the
// JWT obtained by Login, passes through a token-bucket limiter and, for
// idempotent methods, is retried on network errors, 429 and 5xx.
package air

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

	"airbcm/internal/logging"

	"golang.org/x/time/rate"
)

var (
	// ErrUnauthorized is returned for 401/403 responses.
	ErrUnauthorized = errors.New("air: authentication failed")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("air: not found")
)

// APIError describes a non-success HTTP response.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Unwrap maps auth and not-found statuses onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

const maxErrorBody = 4000

// Config holds client settings.
type Config struct {
	BaseURL   string
	Username  string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 = unlimited
	Burst     int
	Retries   int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
	Audit   *logging.AuditLogger
}

// Client talks to one Air site.
type Client struct {
	baseURL    string
	username   string
	token      string
	jwt        string
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	audit      *logging.AuditLogger
}

// NewClient builds a client. Login must be called before other requests
// unless SetJWT is used.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		retries:    cfg.Retries,
		backoff:    backoff,
		audit:      cfg.Audit,
	}
}

// BaseURL returns the site root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// SetJWT installs a bearer token obtained elsewhere.
func (c *Client) SetJWT(jwt string) { c.jwt = jwt }

// SetAudit replaces the audit sink, e.g. once the simulation ID is known.
func (c *Client) SetAudit(a *logging.AuditLogger) { c.audit = a }

// Login exchanges the username and API token for a JWT.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.token)

	var out struct {
		Token string `json:"token"`
	}
	body := strings.NewReader(form.Encode())
	status, raw, err := c.send(ctx, http.MethodPost, "/api/v1/login/", "application/x-www-form-urlencoded", body, false)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	if status != http.StatusOK {
		return &APIError{Method: http.MethodPost, URL: c.baseURL + "/api/v1/login/", StatusCode: status, Body: truncate(raw)}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("no token in login response: %s", truncate(raw))
	}
	c.jwt = out.Token
	logging.API("Authenticated as %s against %s", c.username, c.baseURL)
	return nil
}

// do sends a JSON request and decodes a JSON response into out when the
// status is in ok. Other statuses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any, ok ...int) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	status, raw, err := c.send(ctx, method, path, "application/json", body, true)
	if err != nil {
		return 0, err
	}

	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	if !containsStatus(ok, status) {
		return status, &APIError{Method: method, URL: c.url(path), StatusCode: status, Body: truncate(raw)}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return status, fmt.Errorf("failed to parse %s %s response: %w", method, path, err)
		}
	}
	return status, nil
}

// send performs one logical request including rate limiting and retries.
// The body is buffered so it can be replayed.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, auth bool) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = io.ReadAll(body); err != nil {
			return 0, nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	attempts := 1
	if idempotent(method) {
		attempts += c.retries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.backoff << uint(i-1)
			logging.APIDebug("Retrying %s %s in %s (%v)", method, path, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}

		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), rdr)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if auth && c.jwt != "" {
			req.Header.Set("Authorization", "Bearer "+c.jwt)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.audit.APICall(method, path, 0, time.Since(start), err)
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.audit.APICall(method, path, resp.StatusCode, time.Since(start), err)
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}
		logging.APIDebug("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

		if retryable(resp.StatusCode) && i < attempts-1 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		return resp.StatusCode, raw, nil
	}
	return 0, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func containsStatus(list []int, status int) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func truncate(raw []byte) string {
	s := string(raw)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

// withQuery appends query parameters to path.
func withQuery(path string, kv ...string) string {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return path + "?" + q.Encode()
}

// page is the paginated list envelope used by the v2 API.
type page[T any] struct {
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// listAll follows `next` links. Some endpoints return a bare list instead of
// an envelope; both shapes are accepted.
func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	next := path
	for seen := 0; next != "" && seen < 100; seen++ {
		var raw json.RawMessage
		if _, err := c.do(ctx, http.MethodGet, next, nil, &raw); err != nil {
			return all, err
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var items []T
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return all, fmt.Errorf("failed to parse list: %w", err)
			}
			return append(all, items...), nil
		}
		var p page[T]
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return all, fmt.Errorf("failed to parse page: %w", err)
		}
		all = append(all, p.Results...)
		next = ""
		if p.Next != nil {
			next = *p.Next
		}
	}
	return all, nil
}
