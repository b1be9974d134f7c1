// Package bundleapi is the standalone bundler's HTTP surface: the
// current bundle snapshot with conditional-request support, a
// staleness-aware health report, and the Prometheus scrape endpoint.
//
// The bundler serves decision engines that poll instead of embedding
// the builder. A snapshot older than the staleness threshold marks the
// process degraded but keeps serving: a stale bundle beats no bundle.
package bundleapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
)

const shutdownTimeout = 10 * time.Second

// DefaultStaleAfter marks the snapshot degraded when the control plane
// has not answered for this long.
const DefaultStaleAfter = 60 * time.Second

// BundleProvider is the read surface the transport serves from. The
// bundle builder satisfies it.
type BundleProvider interface {
	Current() *policy.Bundle
	LastSync() time.Time
}

// Transport serves the bundler's three endpoints.
type Transport struct {
	bundles    BundleProvider
	logger     *slog.Logger
	addr       string
	registry   *prometheus.Registry
	staleAfter time.Duration

	server *http.Server
}

// Option configures the Transport.
type Option func(*Transport)

// WithAddr sets the listen address (default ":8282").
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithRegistry sets the Prometheus registry served at /metrics. Pass the
// registry the builder's metrics were created against.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *Transport) {
		t.registry = reg
	}
}

// WithStaleAfter overrides the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// NewTransport creates the bundler transport.
func NewTransport(bundles BundleProvider, opts ...Option) *Transport {
	t := &Transport{
		bundles:    bundles,
		logger:     slog.Default(),
		addr:       ":8282",
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = observability.NewRegistry()
	}
	return t
}

// Routes builds the bundler's handler.
func (t *Transport) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bundle", t.handleBundle)
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	return mux
}

// Start begins serving and blocks until the context is cancelled or the
// server fails.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting bundler", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down bundler")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return t.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleBundle serves the current snapshot. The revision doubles as the
// ETag so unchanged polls cost a 304.
func (t *Transport) handleBundle(w http.ResponseWriter, r *http.Request) {
	bundle := t.bundles.Current()
	if bundle == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bundle not ready"})
		return
	}

	etag := `"` + strconv.FormatUint(bundle.Revision, 10) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respondJSON(w, http.StatusOK, bundle)
}

// healthResponse is the JSON body of GET /health.
type healthResponse struct {
	Status     string `json:"status"`
	Revision   uint64 `json:"revision"`
	AgeSeconds int64  `json:"age_seconds"`
}

// handleHealth reports the snapshot's staleness. Initializing (no bundle
// yet) answers 503 so orchestrators hold traffic; a degraded bundler
// still answers 200 because the stale snapshot remains servable.
func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	bundle := t.bundles.Current()
	if bundle == nil {
		respondJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "initializing"})
		return
	}

	// A snapshot restored from cache has no sync yet; its build time
	// stands in so the age reflects how old the data really is.
	since := t.bundles.LastSync()
	if since.IsZero() {
		since = bundle.BuiltAt
	}
	age := time.Since(since)

	status := "healthy"
	if age > t.staleAfter {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Revision:   bundle.Revision,
		AgeSeconds: int64(age.Seconds()),
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
