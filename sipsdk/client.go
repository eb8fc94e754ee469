/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package sipsdk holds the pieces shared by every package of the SDK: the
// Logger interface, the REST client used to reach HTTP collaborators, and the
// structured API error family.
package sipsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Logger is the interface for SDK logging. Any logger that implements Printf
// (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

// LoggerOrDefault returns l, or log.Default() when l is nil.
func LoggerOrDefault(l Logger) Logger {
	if l == nil {
		return log.Default()
	}
	return l
}

// Config holds the configuration for the REST client
type Config struct {
	// BaseURL is the base URL of the collaborator API
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// UserAgent is sent with every request. Default: "sipua-go-sdk".
	UserAgent string

	// HTTPClient replaces the default client built from Timeout.
	HTTPClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors (429, 502, 503, 504).
	// Set to 0 to disable retries. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Default: 1s.
	// Subsequent retries use exponential backoff (delay * 2^attempt).
	RetryBaseDelay time.Duration

	// Logger is the logger for SDK operations. If nil, log.Default() is used.
	Logger Logger
}

// DefaultConfig returns a default configuration for the REST client
func DefaultConfig() *Config {
	return &Config{
		Timeout:        30 * time.Second,
		UserAgent:      "sipua-go-sdk",
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
	}
}

// Client is a small JSON-over-HTTP client with bearer authentication and
// retry for transient failures.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	accessToken string
	config      *Config
	logger      Logger
}

// NewClient creates a new REST client. The access token may be empty for
// collaborators that do not require authentication.
func NewClient(accessToken string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		config:      config,
		logger:      LoggerOrDefault(config.Logger),
	}, nil
}

// BaseURL returns the collaborator root every path is resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// send performs a single HTTP request relative to the base URL.
func (c *Client) send(ctx context.Context, method, path string, params url.Values, body []byte) (*http.Response, error) {
	// path arrives already escaped.
	u, err := url.Parse(c.baseURL.String() + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ua := c.config.UserAgent
	if ua == "" {
		ua = "sipua-go-sdk"
	}
	req.Header.Set("User-Agent", ua)

	return c.httpClient.Do(req)
}

// Do performs an HTTP request, retrying 429 (respecting Retry-After) and
// 502, 503, 504 with exponential backoff. body, when not nil, is sent as
// JSON. The caller closes the response body.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("error encoding request: %w", err)
		}
	}

	baseDelay := c.config.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, path, params, payload)
		if err != nil {
			return nil, err
		}
		if !isRetryableStatus(resp.StatusCode) || attempt >= c.config.MaxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, baseDelay, attempt)
		resp.Body.Close()
		c.logger.Printf("sipsdk: %s %s returned %d, retrying in %v", method, path, resp.StatusCode, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// GetJSON issues a GET with retry and decodes a 2xx body into out. Non-2xx
// responses are returned as structured API errors.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	resp, err := c.Do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewAPIError(resp, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	return nil
}

func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// retryDelay honours Retry-After on a 429, otherwise baseDelay * 2^attempt.
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if d := parseRetryAfter(resp.Header); d > 0 {
			return d
		}
	}
	return baseDelay * (1 << uint(attempt))
}

// parseRetryAfter reads a delta-seconds Retry-After. HTTP dates are not
// used by the credential service.
func parseRetryAfter(h http.Header) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
