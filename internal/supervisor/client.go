// Package supervisor is the client for the protected service's own
// APIs: token introspection, addon configuration, restart, and the
// pass-through proxying of admitted addon operations. Every call
// carries an explicit timeout; transport errors and timeouts surface
// as UpstreamError, never as an indefinite hang.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avsupgw/internal/observability"
)

// Per-operation timeouts.
const (
	TokenValidationTimeout = 5 * time.Second
	OptionsTimeout         = 10 * time.Second
	InfoTimeout            = 10 * time.Second
	LifecycleTimeout       = 60 * time.Second
	UpdateTimeout          = 300 * time.Second
)

// tokenValidMessage is the body marker the core API returns for a valid
// token.
const tokenValidMessage = "API running."

// maxErrorBodyBytes bounds how much of an error response is retained.
const maxErrorBodyBytes = 4096

// ProxyResponse is a pass-through response from the supervisor API.
type ProxyResponse struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// Client calls the supervisor and core APIs.
type Client struct {
	baseURL        string
	coreURL        string
	token          string
	optionsTimeout time.Duration
	httpClient     *http.Client
	breaker        *gobreaker.CircuitBreaker
	logger         observability.Logger
}

// ClientOption is a functional option for the client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client. Used by tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithOptionsTimeout overrides the timeout for addon option reads and
// writes.
func WithOptionsTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.optionsTimeout = timeout
		}
	}
}

// NewClient creates a supervisor client.
func NewClient(baseURL, coreURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        baseURL,
		coreURL:        coreURL,
		token:          token,
		optionsTimeout: OptionsTimeout,
		httpClient:     &http.Client{},
		logger:         observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "supervisor",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return c
}

// HasToken reports whether the client can authenticate upstream.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// ValidateToken introspects a caller-supplied token against the core
// API. Only HTTP 200 with the success marker in the body is valid; any
// other outcome, including transport failure, is invalid.
func (c *Client) ValidateToken(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, TokenValidationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.coreURL+"/api/", nil)
	if err != nil {
		c.logger.Error("failed to build token validation request", observability.Error(err))
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.do(req)
	if err != nil {
		c.logger.Error("error validating upstream token", observability.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("upstream token validation failed",
			observability.Int("status", resp.StatusCode))
		return false
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Message == tokenValidMessage
}

// AddonOptions fetches the current options of an addon.
func (c *Client) AddonOptions(ctx context.Context, slug string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.optionsTimeout)
	defer cancel()

	resp, err := c.call(ctx, http.MethodGet,
		fmt.Sprintf("%s/addons/%s/options/config", c.baseURL, slug), nil, "read addon options")
	if err != nil {
		return nil, err
	}

	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &UpstreamError{Op: "read addon options", Err: err}
	}
	return body.Data, nil
}

// SetAddonOptions writes an addon's options back.
func (c *Client) SetAddonOptions(ctx context.Context, slug string, options map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.optionsTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]interface{}{"options": options})
	if err != nil {
		return &UpstreamError{Op: "write addon options", Err: err}
	}

	_, err = c.call(ctx, http.MethodPost,
		fmt.Sprintf("%s/addons/%s/options", c.baseURL, slug), payload, "write addon options")
	return err
}

// RestartAddon restarts an addon.
func (c *Client) RestartAddon(ctx context.Context, slug string) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	_, err := c.call(ctx, http.MethodPost,
		fmt.Sprintf("%s/addons/%s/restart", c.baseURL, slug), nil, "restart addon")
	return err
}

// Proxy forwards an admitted addon operation and returns the raw
// supervisor response for pass-through delivery.
func (c *Client) Proxy(ctx context.Context, method, path string, timeout time.Duration) (*ProxyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, &UpstreamError{Op: "proxy " + path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.do(req)
	if err != nil {
		return nil, &UpstreamError{Op: "proxy " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Op: "proxy " + path, Err: err}
	}

	return &ProxyResponse{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// call performs an authenticated supervisor request and requires a 2xx
// response.
func (c *Client) call(ctx context.Context, method, url string, payload []byte, op string) (*ProxyResponse, error) {
	if c.token == "" {
		return nil, &UpstreamError{Op: op, Err: ErrNoToken}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if err != nil {
			return nil, &UpstreamError{Op: op, Err: err}
		}
		upErr := &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
		c.logger.Error("supervisor call failed",
			observability.String("op", op),
			observability.Int("status", resp.StatusCode),
			observability.String("body", string(body)),
		)
		return nil, upErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}

	return &ProxyResponse{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// do runs the request through the circuit breaker.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}
