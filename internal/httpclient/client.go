// Package httpclient sends replayed requests to the target endpoint.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

const defaultMaxResponseBytes = 1 << 20

// ErrClientClosed indicates the client has been shut down.
var ErrClientClosed = errors.New("http client is closed")

// Options client tuning
type Options struct {
	Timeout               time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	TLSInsecureSkipVerify bool
	// MaxResponseBytes caps how much of a response body is kept (0 = 1 MiB).
	MaxResponseBytes int64
}

// OptionsFromConfig converts the seconds-based config section into Options.
func OptionsFromConfig(cfg *config.ClientConfig) Options {
	if cfg == nil {
		return Options{}
	}
	sec := func(v int) time.Duration { return time.Duration(v) * time.Second }
	return Options{
		Timeout:               sec(cfg.Timeout),
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       sec(cfg.IdleConnTimeout),
		ResponseHeaderTimeout: sec(cfg.ResponseHeaderTimeout),
		TLSHandshakeTimeout:   sec(cfg.TLSHandshakeTimeout),
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}
}

// Client is the un-intercepted HTTP client used for replays
type Client struct {
	client           *http.Client
	transport        *http.Transport
	logger           logger.Logger
	maxResponseBytes int64

	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	activeCalls int
}

// New creates a client with a tuned transport
func New(log logger.Logger, opts Options) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        positiveOrDefault(opts.MaxIdleConns, 200),
		MaxIdleConnsPerHost: positiveOrDefault(opts.MaxIdleConnsPerHost, 50),
		MaxConnsPerHost:     positiveOrDefault(opts.MaxConnsPerHost, 100),
		IdleConnTimeout:     durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(
			opts.ResponseHeaderTimeout,
			15*time.Second,
		),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, 1*time.Second),
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	c := &Client{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		transport:        transport,
		logger:           log,
		maxResponseBytes: opts.MaxResponseBytes,
	}
	if c.maxResponseBytes <= 0 {
		c.maxResponseBytes = defaultMaxResponseBytes
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Transport returns the raw round tripper, so interceptors can share its connection pool.
func (c *Client) Transport() http.RoundTripper {
	return c.transport
}

// Send issues one request and returns status and body. Non-2xx statuses are not errors.
func (c *Client) Send(ctx context.Context, url string, opts request.Options) (*request.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.activeCalls++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.activeCalls--
		if c.activeCalls == 0 {
			c.cond.Broadcast()
		}
		c.mu.Unlock()
	}()

	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	for key, value := range opts.Headers {
		if c.shouldSendHeader(key) {
			req.Header.Set(key, value)
		}
	}
	if host, ok := opts.Headers.Get("Host"); ok && host != "" {
		req.Host = host
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response failed: %w", err)
	}
	// Drain the rest so the connection can be reused
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.Debug("Failed to drain response body", "error", err)
	}

	return &request.Response{StatusCode: resp.StatusCode, Body: payload}, nil
}

// shouldSendHeader filters hop-by-hop and transport-managed headers
func (c *Client) shouldSendHeader(key string) bool {
	skipHeaders := map[string]bool{
		"host":                true, // Set via req.Host
		"connection":          true,
		"keep-alive":          true,
		"proxy-authenticate":  true,
		"proxy-authorization": true,
		"te":                  true,
		"trailers":            true,
		"transfer-encoding":   true,
		"upgrade":             true,
		"content-length":      true, // Recalculated from the body
		"accept-encoding":     true, // Let the transport negotiate gzip
	}
	return !skipHeaders[strings.ToLower(key)]
}

// Close waits for in-flight sends and releases idle connections
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for c.activeCalls > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()

	c.transport.CloseIdleConnections()
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
