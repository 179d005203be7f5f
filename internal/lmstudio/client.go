// Package lmstudio talks to a local LM Studio (or any OpenAI-compatible)
// inference server: endpoint discovery, request building, capability
// negotiation, and lenient parsing of model output.
package lmstudio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Well-known server paths.
const (
	DefaultBaseURL          = "http://127.0.0.1:1234"
	OpenAIChatPath          = "/v1/chat/completions"
	OpenAIModelsPath        = "/v1/models"
	RESTChatPath            = "/api/v1/chat"
	RESTModelsPath          = "/api/v1/models"
	DefaultPreflightTimeout = 5 * time.Second

	// DefaultMaxResponseBytes caps how much of a response body is read.
	DefaultMaxResponseBytes = 32 << 20
)

// Client performs HTTP calls against the inference server.
type Client struct {
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	preflight  time.Duration
	maxBody    int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPreflightTimeout overrides the timeout used for probes and preflight.
func WithPreflightTimeout(d time.Duration) Option {
	return func(c *Client) { c.preflight = d }
}

// WithMaxResponseBytes overrides DefaultMaxResponseBytes.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// NewClient returns a client. apiKey is sent as a bearer token when set.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		apiKey: strings.TrimSpace(apiKey),
		// Per-call deadlines come from the context.
		httpClient: &http.Client{},
		logger:     logger,
		preflight:  DefaultPreflightTimeout,
		maxBody:    DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a raw HTTP exchange result.
type Response struct {
	StatusCode int
	Body       string
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Post sends body to url, bounded by timeout.
func (c *Client) Post(ctx context.Context, url string, body []byte, timeout time.Duration) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("lmstudio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Get fetches url, bounded by timeout.
func (c *Client) Get(ctx context.Context, url string, timeout time.Duration) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("lmstudio: create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (Response, error) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("lmstudio: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Response{}, fmt.Errorf("lmstudio: read response: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return Response{}, fmt.Errorf("lmstudio: response from %s exceeds %d bytes", req.URL.Redacted(), c.maxBody)
	}
	return Response{StatusCode: resp.StatusCode, Body: string(data)}, nil
}
