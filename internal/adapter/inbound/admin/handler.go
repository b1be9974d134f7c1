// Package admin exposes the control plane's HTTP surface: the policy
// store API for operators, the governance approval API, and the
// gateway-facing bundle endpoints including the SSE change stream.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

const (
	// defaultChangeBuffer is the per-subscriber change-stream buffer. A
	// subscriber that falls further behind is collapsed to a resync event.
	defaultChangeBuffer = 16

	// defaultKeepalive is the SSE comment cadence on /bundle/changes.
	defaultKeepalive = 15 * time.Second
)

// Handler provides the control plane's JSON API endpoints.
type Handler struct {
	store      *service.PolicyStore
	governance *service.GovernanceService
	logger     *slog.Logger

	adminToken   string // argon2id PHC hash, or dev plaintext
	gatewayToken string
	metrics      *observability.Metrics
	registry     *prometheus.Registry
	changeBuffer int
	keepalive    time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithAdminToken sets the stored admin token (hash or dev plaintext).
// An empty value rejects every admin request.
func WithAdminToken(stored string) Option {
	return func(h *Handler) { h.adminToken = stored }
}

// WithGatewayToken sets the stored gateway token guarding the bundle and
// evaluate endpoints.
func WithGatewayToken(stored string) Option {
	return func(h *Handler) { h.gatewayToken = stored }
}

// WithMetrics sets the metrics recorder for governance transitions.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithRegistry exposes the registry on GET /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(h *Handler) { h.registry = reg }
}

// WithChangeBuffer sets the per-subscriber change-stream buffer size.
func WithChangeBuffer(n int) Option {
	return func(h *Handler) { h.changeBuffer = n }
}

// WithKeepalive sets the SSE keepalive cadence on /bundle/changes.
func WithKeepalive(d time.Duration) Option {
	return func(h *Handler) { h.keepalive = d }
}

// NewHandler creates the control-plane API handler.
func NewHandler(store *service.PolicyStore, gov *service.GovernanceService, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:        store,
		governance:   gov,
		logger:       logger,
		changeBuffer: defaultChangeBuffer,
		keepalive:    defaultKeepalive,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all control-plane routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Catalog administration.
	mux.HandleFunc("GET /api/services", h.requireAdmin(h.handleListServices))
	mux.HandleFunc("POST /api/services", h.requireAdmin(h.handleRegisterService))
	mux.HandleFunc("POST /api/services/{service}/enable", h.requireAdmin(h.handleEnableService))
	mux.HandleFunc("POST /api/services/{service}/disable", h.requireAdmin(h.handleDisableService))
	mux.HandleFunc("DELETE /api/services/{service}", h.requireAdmin(h.handleRemoveService))
	mux.HandleFunc("POST /api/services/{service}/tools", h.requireAdmin(h.handleRegisterTool))
	mux.HandleFunc("PUT /api/services/{service}/tools/{tool}", h.requireAdmin(h.handleSetToolTag))
	mux.HandleFunc("DELETE /api/services/{service}/tools/{tool}", h.requireAdmin(h.handleRemoveTool))
	mux.HandleFunc("POST /api/services/{service}/governance", h.requireAdmin(h.handleAttachGovernance))
	mux.HandleFunc("DELETE /api/services/{service}/governance", h.requireAdmin(h.handleDetachGovernance))

	// Access rules.
	mux.HandleFunc("GET /api/rules", h.requireAdmin(h.handleListRules))
	mux.HandleFunc("POST /api/rules", h.requireAdmin(h.handleAddRule))
	mux.HandleFunc("DELETE /api/rules/{id}", h.requireAdmin(h.handleRemoveRule))

	// Revocations.
	mux.HandleFunc("GET /api/revocations", h.requireAdmin(h.handleListRevocations))
	mux.HandleFunc("POST /api/revocations", h.requireAdmin(h.handleRevokeSubject))
	mux.HandleFunc("DELETE /api/revocations/{subject}", h.requireAdmin(h.handleReinstateSubject))

	// Governance administration.
	mux.HandleFunc("GET /api/governance", h.requireAdmin(h.handleListInstances))
	mux.HandleFunc("GET /api/governance/{id}/requests", h.requireAdmin(h.handleListRequests))
	mux.HandleFunc("POST /api/governance/{id}/requests/{req}/approve", h.requireAdmin(h.handleApprove))
	mux.HandleFunc("POST /api/governance/{id}/requests/{req}/deny", h.requireAdmin(h.handleDeny))
	mux.HandleFunc("GET /api/governance/{id}/tool-configs", h.requireAdmin(h.handleToolConfigs))
	mux.HandleFunc("POST /api/governance/{id}/constraints", h.requireAdmin(h.handleAddConstraint))
	mux.HandleFunc("DELETE /api/governance/{id}/constraints/{tool}", h.requireAdmin(h.handleClearConstraints))
	mux.HandleFunc("PUT /api/governance/{id}/tools/{tool}/approval", h.requireAdmin(h.handleSetApproval))
	mux.HandleFunc("PUT /api/governance/{id}/deadline", h.requireAdmin(h.handleSetDeadline))
	mux.HandleFunc("PUT /api/governance/{id}/description", h.requireAdmin(h.handleSetDescription))

	// Gateway-facing surface.
	mux.HandleFunc("POST /api/governance/{id}/evaluate", h.requireGateway(h.handleEvaluate))
	mux.HandleFunc("GET /bundle/data", h.requireGateway(h.handleBundleData))
	mux.HandleFunc("GET /bundle/changes", h.requireGateway(h.handleBundleChanges))

	// Operational endpoints, unauthenticated.
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
			Registry: h.registry,
		}))
	}

	return mux
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code
// and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a domain error to its HTTP status.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	h.respondError(w, statusForError(err), err.Error())
}

// readJSON decodes the request body into the given value.
func (h *Handler) readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// statusForError maps domain errors onto HTTP status codes. Unknown
// errors are internal.
func statusForError(err error) int {
	switch {
	case errors.Is(err, policy.ErrUnknownService),
		errors.Is(err, policy.ErrUnknownTool),
		errors.Is(err, governance.ErrUnknownInstance),
		errors.Is(err, governance.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, governance.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, policy.ErrInvalidTag),
		errors.Is(err, policy.ErrInvalidMatcher),
		errors.Is(err, policy.ErrInvalidRule),
		errors.Is(err, policy.ErrEmptyAllow),
		errors.Is(err, governance.ErrInvalidConstraint):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
