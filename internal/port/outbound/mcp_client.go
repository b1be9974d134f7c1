package outbound

import (
	"context"
	"io"
)

// MCPBackend is the outbound port for one backend MCP service speaking
// Streamable HTTP. The aggregator fans out across a set of these.
type MCPBackend interface {
	// Service returns the backend's catalog name.
	Service() string

	// URL returns the backend's MCP endpoint.
	URL() string

	// Initialize performs the MCP handshake and returns the backend's raw
	// JSON-RPC response plus the session id it issued (empty when the
	// backend is sessionless).
	Initialize(ctx context.Context, body []byte) (response []byte, sessionID string, err error)

	// Forward sends one JSON-RPC message within a session and returns the
	// backend's raw response body. Notifications yield a nil response.
	Forward(ctx context.Context, sessionID string, body []byte) ([]byte, error)

	// OpenStream opens the backend's SSE stream for server-initiated
	// messages. The caller owns the reader and must close it.
	OpenStream(ctx context.Context, sessionID string) (io.ReadCloser, error)

	// DeleteSession tears down a backend session.
	DeleteSession(ctx context.Context, sessionID string) error
}
