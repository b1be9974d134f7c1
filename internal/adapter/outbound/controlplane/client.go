// Package controlplane provides HTTP clients for the control plane's
// gateway-facing surface: bundle data fetch, the SSE change stream, and
// governance evaluation.
package controlplane

import (
	"crypto/tls"
	"net/http"
	"time"
)

const (
	// defaultFetchTimeout bounds bundle-data and evaluate requests.
	defaultFetchTimeout = 30 * time.Second

	// evaluateTimeout is the default bound on a single governance
	// evaluate call, overridable with WithEvaluateTimeout.
	evaluateTimeout = 5 * time.Second

	// maxResponseBodySize is the maximum response body size accepted from
	// the control plane. Prevents OOM from an unbounded response.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB
)

// Client holds the connection settings shared by the control-plane
// adapters. The stream client carries no timeout because the change
// stream is long-lived; fetches use the bounded client.
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	stream      *http.Client
	evalTimeout time.Duration
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for bounded requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.http = client
	}
}

// WithStreamClient sets a custom HTTP client for the change stream.
func WithStreamClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.stream = client
	}
}

// WithTimeout sets the request timeout for bounded requests.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if c.http != nil {
			c.http.Timeout = d
		}
	}
}

// WithEvaluateTimeout bounds a single governance evaluate call. A slow
// control plane must not hold a tool call open longer than this.
func WithEvaluateTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.evalTimeout = d
		}
	}
}

// NewClient creates a client for the control plane at baseURL. The token
// authenticates the gateway on the bundle and governance endpoints.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout:   defaultFetchTimeout,
			Transport: transport,
		},
		stream: &http.Client{
			Transport: transport,
		},
		evalTimeout: evaluateTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CloseIdleConnections drops pooled connections to the control plane.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
	c.stream.CloseIdleConnections()
}

// authorize attaches the gateway bearer token.
func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
