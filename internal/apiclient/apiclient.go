// Package apiclient talks to the remote task API with per-attempt timeouts and
// exponential backoff between attempts.
//
// Operations never return Go errors. A failure is reported in Result.Error
// together with the connection state sampled when the failure happened.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskly/backend"
	"taskly/internal/connectivity"
	"taskly/internal/utils"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultRetries   = 3
	DefaultBaseDelay = 1 * time.Second

	healthTimeout = 5 * time.Second
	healthRetries = 1
)

var log = utils.Scoped("api")

// Config holds configuration for the API client.
type Config struct {
	// BaseURL is the API root, e.g. "https://taskly.example.com/api".
	BaseURL string

	// Timeout bounds each attempt, including reading the response body.
	// Default: 10 seconds
	Timeout time.Duration

	// Retries is the total number of attempts for transport failures.
	// Default: 3
	Retries int

	// BaseDelay is the wait after the first failed attempt; it doubles after each one.
	// Default: 1 second
	BaseDelay time.Duration

	// Transport carries the requests. The intercepting worker's transport is
	// installed here so every request of the client passes through it.
	// Default: http.DefaultTransport
	Transport http.RoundTripper

	// Connectivity is sampled when an operation fails to fill Result.Offline.
	// Default: always online
	Connectivity connectivity.Monitor

	// Token is sent as a bearer token when set.
	Token string

	// Stats is an optional tracker for attempts and failures.
	Stats *Stats
}

// Client is the task API client.
type Client struct {
	baseURL   string
	timeout   time.Duration
	retries   int
	baseDelay time.Duration
	http      *http.Client
	monitor   connectivity.Monitor
	token     string
	stats     *Stats
}

// New creates a client from cfg, applying defaults.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	monitor := cfg.Connectivity
	if monitor == nil {
		monitor = connectivity.Static(true)
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   timeout,
		retries:   retries,
		baseDelay: baseDelay,
		http:      &http.Client{Transport: transport},
		monitor:   monitor,
		token:     cfg.Token,
		stats:     cfg.Stats,
	}
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Result is the outcome of an API operation. Exactly one of Data or Error is meaningful.
type Result[T any] struct {
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Offline bool   `json:"offline,omitempty"`
}

// OK reports whether the operation succeeded.
func (r Result[T]) OK() bool {
	return r.Error == ""
}

// HTTPError is returned for responses outside the 2xx range. It is never retried.
type HTTPError struct {
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// response is a fully read HTTP response.
type response struct {
	StatusCode int
	Status     string
	Body       []byte
}

// OK reports a 2xx status.
func (r *response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// requestOptions describes one logical request.
type requestOptions struct {
	method  string
	path    string
	body    any
	timeout time.Duration
	retries int
}

// fetchWithTimeout performs up to retries attempts, each bounded by timeout.
// A received response of any status ends the loop. After a failed attempt the
// client waits baseDelay * 2^attempt; after the last one the captured error is returned.
func (c *Client) fetchWithTimeout(ctx context.Context, opts requestOptions) (*response, error) {
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	retries := opts.retries
	if retries <= 0 {
		retries = c.retries
	}

	var body []byte
	if opts.body != nil {
		var err error
		body, err = json.Marshal(opts.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	url := c.baseURL + opts.path
	var lastErr error

	for attempt := 0; attempt < retries; attempt++ {
		resp, err := c.attempt(ctx, opts.method, url, body, timeout)
		if c.stats != nil {
			c.stats.RecordAttempt(err)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == retries-1 {
			break
		}

		delay := c.calculateBackoff(attempt)
		log.Debugf("%s %s failed (attempt %d/%d): %v; retrying in %s", opts.method, opts.path, attempt+1, retries, err, delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("failed to fetch")
	}
	return nil, lastErr
}

// attempt sends a single request. The timeout covers the body read so an
// abandoned attempt cannot leave work running.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte, timeout time.Duration) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &response{
		StatusCode: resp.StatusCode,
		Status:     statusText(resp),
		Body:       data,
	}, nil
}

// statusText returns the reason phrase of resp ("Not Found" for "404 Not Found").
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// calculateBackoff computes the wait after a failed attempt: baseDelay * 2^attempt.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	return c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))
}

// do runs a request and decodes a 2xx JSON body into T.
func do[T any](ctx context.Context, c *Client, opts requestOptions) Result[T] {
	resp, err := c.fetchWithTimeout(ctx, opts)
	if err == nil && !resp.OK() {
		err = &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var data T
	if err == nil && len(bytes.TrimSpace(resp.Body)) > 0 {
		if decodeErr := json.Unmarshal(resp.Body, &data); decodeErr != nil {
			err = fmt.Errorf("invalid JSON response: %w", decodeErr)
		}
	}

	if err != nil {
		if c.stats != nil {
			c.stats.RecordFailure(err)
		}
		log.Errorf("%s %s: %v", opts.method, opts.path, err)
		return Result[T]{Error: err.Error(), Offline: !c.monitor.Online()}
	}
	return Result[T]{Data: data}
}

// FetchTasks fetches the full task list.
func (c *Client) FetchTasks(ctx context.Context) Result[[]backend.Task] {
	res := do[[]backend.Task](ctx, c, requestOptions{method: http.MethodGet, path: "/tasks"})
	if res.OK() && res.Data == nil {
		res.Data = []backend.Task{}
	}
	return res
}

// Subscribe registers a push subscription with the server.
func (c *Client) Subscribe(ctx context.Context, subscription any) Result[json.RawMessage] {
	return do[json.RawMessage](ctx, c, requestOptions{method: http.MethodPost, path: "/subscribe", body: subscription})
}

// SendTestNotification asks the server to send a push notification to every subscriber.
func (c *Client) SendTestNotification(ctx context.Context) Result[json.RawMessage] {
	return do[json.RawMessage](ctx, c, requestOptions{method: http.MethodPost, path: "/send-notification"})
}

// HealthCheck reports whether GET /tasks answers 2xx within 5 seconds, in a single attempt.
func (c *Client) HealthCheck(ctx context.Context) bool {
	resp, err := c.fetchWithTimeout(ctx, requestOptions{
		method:  http.MethodGet,
		path:    "/tasks",
		timeout: healthTimeout,
		retries: healthRetries,
	})
	return err == nil && resp.OK()
}

// Status is the connection state reported by ConnectionStatus.
type Status struct {
	Online bool   `json:"online"`
	Type   string `json:"type"`
}

// ConnectionStatus samples the connectivity monitor.
func (c *Client) ConnectionStatus() Status {
	return Status{Online: c.monitor.Online(), Type: "unknown"}
}
