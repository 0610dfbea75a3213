//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/skillnet/skillnet-agent/internal/config"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/skillnet/skillnet-agent/internal/server"
	"github.com/skillnet/skillnet-agent/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

// APITestHarness runs the agent on a loopback listener against a mock
// backend.
type APITestHarness struct {
	t       *testing.T
	BaseURL string
	Backend *testhelpers.MockBackend
	Agent   agent
	Redis   *miniredis.Miniredis
}

// APITestHarnessOption configures the API test harness.
type APITestHarnessOption func(*config.Config)

// WithRedisStores keeps both credentials and content in an in-process redis.
func WithRedisStores() APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Credential.Type = "redis"
		cfg.Backend.ContentCacheType = "redis"
	}
}

// NewAPITestHarness starts the agent. The server is shut down through the
// same path as a signal would take when the test ends.
func NewAPITestHarness(t *testing.T, options ...APITestHarnessOption) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)

	harness := &APITestHarness{
		t:       t,
		Backend: testhelpers.SetupMockBackend(t),
	}

	cfg := config.Config{
		Backend: config.BackendConfig{
			URL:                 harness.Backend.URL(),
			TimeoutSeconds:      5,
			ContentCacheSeconds: 60,
			ContentCacheType:    "memory",
		},
		Credential: config.CredentialConfig{
			Type: "memory",
		},
		Session: config.SessionConfig{
			EventsNextDays: 5,
			EventsLimit:    1000000,
		},
		Observe: config.ObserveConfig{
			Enabled: false, // Disable observability for tests
		},
	}

	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.Credential.Type == "redis" || cfg.Backend.ContentCacheType == "redis" {
		harness.Redis = miniredis.RunT(t)
		cfg.Credential.Redis = config.RedisConfig{
			Address: harness.Redis.Addr(),
			Prefix:  "skillnet:credential:",
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	hooks := &server.ShutdownHooks{}

	a, err := assembleAgent(ctx, cfg, hooks)
	require.NoError(t, err)
	harness.Agent = a

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	harness.BaseURL = "http://" + listener.Addr().String()

	srv := &http.Server{
		Handler:           configureServerRoutes(a),
		ReadHeaderTimeout: 5 * time.Second,
	}

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, srv, listener, 5*time.Second, hooks)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
	})

	return harness
}

func (h *APITestHarness) Client() *TestClient {
	return &TestClient{
		baseURL: h.BaseURL,
		client:  http.DefaultClient,
	}
}

// Login signs in the default account and fails the test otherwise.
func (h *APITestHarness) Login() sessionResponse {
	h.t.Helper()

	session, err := h.Client().Login(testhelpers.DefaultEmail, testhelpers.DefaultPassword)
	require.NoError(h.t, err)

	return session
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string // parsed from JSON error response if available
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// TestClient provides typed access to the agent endpoints for testing.
type TestClient struct {
	baseURL string
	client  *http.Client
}

// Response wraps raw HTTP response for low-level assertions.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Request performs a low-level HTTP request and returns the raw response.
func (c *TestClient) Request(method, path string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       bodyBytes,
		Headers:    resp.Header,
	}, nil
}

// requestInto performs a request and decodes a 2xx response into out.
func (c *TestClient) requestInto(method, path string, body any, out any) error {
	resp, err := c.Request(method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.parseError(resp)
	}

	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (c *TestClient) Login(email, password string) (sessionResponse, error) {
	var s sessionResponse
	err := c.requestInto("POST", "/login", model.Credentials{Email: email, Password: password}, &s)
	return s, err
}

func (c *TestClient) Session() (sessionResponse, error) {
	var s sessionResponse
	err := c.requestInto("GET", "/session", nil, &s)
	return s, err
}

func (c *TestClient) Subscriptions() ([]model.Subscription, error) {
	var subs []model.Subscription
	err := c.requestInto("GET", "/subscriptions", nil, &subs)
	return subs, err
}

func (c *TestClient) Subscribe(username string) error {
	return c.requestInto("POST", "/subscriptions/"+username, nil, nil)
}

func (c *TestClient) Publish(req publishRequest) (model.Post, error) {
	var post model.Post
	err := c.requestInto("POST", "/posts", req, &post)
	return post, err
}

func (c *TestClient) Content(name string) (string, error) {
	resp, err := c.Request("GET", "/posts/content/"+name, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.parseError(resp)
	}
	return string(resp.Body), nil
}

// parseError attempts to parse an error response from the API.
func (c *TestClient) parseError(resp *Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}

	// Try to parse JSON error message
	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body, &errResp); err == nil && errResp.Detail != "" {
		apiErr.Message = errResp.Detail
	}

	return apiErr
}

// statusOf returns the status carried by an APIError, or zero.
func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
