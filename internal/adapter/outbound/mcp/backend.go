// Package mcp provides the HTTP client adapter for backend MCP servers
// speaking the Streamable HTTP transport.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
)

const (
	// sessionHeader carries the backend-issued session id.
	sessionHeader = "Mcp-Session-Id"

	// maxResponseBodySize is the maximum response body size from a backend.
	// Prevents OOM from a malicious backend sending unbounded responses.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// scannerInitialBufSize is the initial buffer size for SSE parsing.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// scannerMaxBufSize is the maximum SSE line size. A response message
	// arrives on a single data line.
	scannerMaxBufSize = 10 * 1024 * 1024 // 10MB
)

// Backend connects to one backend MCP server over Streamable HTTP.
// It implements the outbound.MCPBackend interface. Backends answer either
// plain JSON or SSE-wrapped JSON; both are normalized to raw JSON here.
type Backend struct {
	service    string
	url        string
	httpClient *http.Client
	// streamClient carries no timeout; SSE streams are long-lived.
	streamClient *http.Client
}

// Option is a functional option for configuring Backend.
type Option func(*Backend)

// WithHTTPClient sets a custom HTTP client for request/response calls.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = client
	}
}

// WithStreamClient sets a custom HTTP client for SSE streams.
func WithStreamClient(client *http.Client) Option {
	return func(b *Backend) {
		b.streamClient = client
	}
}

// WithTimeout sets the request timeout for request/response calls.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if b.httpClient != nil {
			b.httpClient.Timeout = d
		}
	}
}

// NewBackend creates a client for the named backend at the given MCP endpoint.
func NewBackend(service, url string, opts ...Option) *Backend {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	b := &Backend{
		service: service,
		url:     url,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		streamClient: &http.Client{
			Transport: transport,
		},
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Service returns the backend's catalog name.
func (b *Backend) Service() string {
	return b.service
}

// URL returns the backend's MCP endpoint.
func (b *Backend) URL() string {
	return b.url
}

// Initialize performs the MCP handshake and returns the backend's response
// plus the session id it issued.
func (b *Backend) Initialize(ctx context.Context, body []byte) ([]byte, string, error) {
	resp, err := b.post(ctx, "", body)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	sessionID := resp.Header.Get(sessionHeader)

	message, err := readMessage(resp)
	if err != nil {
		return nil, "", err
	}
	return message, sessionID, nil
}

// Forward sends one JSON-RPC message within a session. Notifications
// (backend answers 202) yield a nil response.
func (b *Backend) Forward(ctx context.Context, sessionID string, body []byte) ([]byte, error) {
	resp, err := b.post(ctx, sessionID, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	return readMessage(resp)
}

// OpenStream opens the backend's SSE stream for server-initiated messages.
func (b *Backend) OpenStream(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := b.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// DeleteSession tears down a backend session. Backends that do not manage
// sessions answer 404 or 405; both count as already gone.
func (b *Backend) DeleteSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("delete session status %d", resp.StatusCode)
	}
}

// post sends a JSON-RPC message and returns the raw response. The caller
// owns the body.
func (b *Backend) post(ctx context.Context, sessionID string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// readMessage normalizes the response body to a raw JSON-RPC message.
// Backends answer plain JSON or an SSE stream wrapping the message; for
// SSE the first data line carries the response.
func readMessage(resp *http.Response) ([]byte, error) {
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return firstDataLine(resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	// Strip the trailing newline json.Encoder appends.
	return bytes.TrimRight(body, "\n"), nil
}

// firstDataLine scans an SSE body and returns the payload of the first
// data line.
func firstDataLine(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseBodySize))
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimPrefix(value, " ")), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sse response: %w", err)
	}
	return nil, fmt.Errorf("sse response carried no data line")
}

// Compile-time check that Backend implements the MCPBackend interface.
var _ outbound.MCPBackend = (*Backend)(nil)
