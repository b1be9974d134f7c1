package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/mcp"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
	"github.com/Sentinel-Gate/toolgate/internal/port/inbound"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

// shutdownTimeout bounds graceful drain on Start's way out.
const shutdownTimeout = 10 * time.Second

// BackendFactory builds the MCP client for a backend registered at
// runtime through POST /backends.
type BackendFactory func(service, url string) outbound.MCPBackend

// HTTPTransport is the gateway's inbound adapter. It serves the MCP
// Streamable HTTP endpoint with the authorization check in front of
// every request, and the operational surface around it: health,
// metrics, OAuth discovery, and the admin-guarded backend registry.
type HTTPTransport struct {
	aggregator *service.AggregatorService
	checker    inbound.Checker
	logger     *slog.Logger

	addr       string
	adminToken string // argon2id PHC hash, or dev plaintext
	issuerURL  string
	newBackend BackendFactory

	metrics   *observability.Metrics
	registry  *prometheus.Registry
	discovery *http.Client // fetches issuer metadata for /.well-known relay

	server *http.Server
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address. Default is ":8000".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) { t.addr = addr }
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithAdminToken sets the stored admin token (hash or dev plaintext)
// guarding the backend registry API. An empty value rejects every
// registry request.
func WithAdminToken(stored string) Option {
	return func(t *HTTPTransport) { t.adminToken = stored }
}

// WithIssuerURL sets the OAuth issuer advertised and relayed on the
// /.well-known endpoints. Empty disables discovery.
func WithIssuerURL(url string) Option {
	return func(t *HTTPTransport) { t.issuerURL = url }
}

// WithBackendFactory overrides how POST /backends constructs clients.
func WithBackendFactory(f BackendFactory) Option {
	return func(t *HTTPTransport) { t.newBackend = f }
}

// WithMetrics shares an existing metrics set instead of creating one.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *HTTPTransport) { t.metrics = m }
}

// WithRegistry sets the registry served on GET /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *HTTPTransport) { t.registry = reg }
}

// NewHTTPTransport creates the gateway transport over the aggregator and
// the authorization checker.
func NewHTTPTransport(aggregator *service.AggregatorService, checker inbound.Checker, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		aggregator: aggregator,
		checker:    checker,
		logger:     slog.Default(),
		addr:       ":8000",
		discovery:  &http.Client{Timeout: 10 * time.Second},
		newBackend: func(service, url string) outbound.MCPBackend {
			return mcp.NewBackend(service, url)
		},
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.registry == nil {
		t.registry = observability.NewRegistry()
	}
	if t.metrics == nil {
		t.metrics = observability.NewMetrics(t.registry)
	}

	return t
}

// Routes returns the gateway's complete handler: all routes registered
// and the transport middleware applied.
func (t *HTTPTransport) Routes() http.Handler {
	mux := http.NewServeMux()

	// MCP Streamable HTTP endpoint, authorization check in front.
	mux.Handle("POST /mcp", t.decide(http.HandlerFunc(t.handleMCPPost)))
	mux.Handle("GET /mcp", t.decide(http.HandlerFunc(t.handleMCPGet)))
	mux.Handle("DELETE /mcp", t.decide(http.HandlerFunc(t.handleMCPDelete)))
	mux.HandleFunc("OPTIONS /mcp", handleOptions)

	// Backend registry, admin token guarded.
	mux.HandleFunc("GET /backends", t.requireAdmin(t.handleListBackends))
	mux.HandleFunc("POST /backends", t.requireAdmin(t.handleAddBackend))
	mux.HandleFunc("DELETE /backends/{name}", t.requireAdmin(t.handleRemoveBackend))

	// OAuth discovery for MCP clients.
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", t.handleProtectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", t.handleAuthorizationServer)

	// Operational endpoints, unauthenticated.
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))

	// Middleware order (outermost first):
	// 1. metricsMiddleware - duration and status for every route
	// 2. requestIDMiddleware - correlation id and enriched logger
	// The authorization check runs per-route via decide, ahead of the
	// MCP handlers only.
	var handler http.Handler = mux
	handler = t.requestIDMiddleware(handler)
	handler = t.metricsMiddleware(handler)
	return handler
}

// Start begins serving and blocks until the context is cancelled or the
// server fails. Cancellation drains in-flight requests gracefully; open
// SSE streams are released by cancelling the server's base context.
func (t *HTTPTransport) Start(ctx context.Context) error {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting gateway", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down gateway")
		// Cancelling the base context ends every request context, so
		// streaming handlers return and Shutdown can drain.
		baseCancel()
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains the server with a bounded grace period.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during gateway shutdown", "error", err)
		return err
	}
	t.logger.Info("gateway shutdown complete")
	return nil
}

// Close shuts the transport down outside of Start's lifecycle.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
