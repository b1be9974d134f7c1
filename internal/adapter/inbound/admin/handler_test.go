package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/toolgate/internal/domain/auth"
	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

const (
	testAdminToken   = "admin-secret"
	testGatewayToken = "gateway-secret"
)

// testEnv builds a control-plane handler backed by in-memory persistence
// with dev plaintext tokens, returning the routed handler and the services
// behind it.
func testEnv(t *testing.T, opts ...Option) (http.Handler, *service.PolicyStore, *service.GovernanceService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	gov := service.NewGovernanceService(logger)
	store, err := service.NewPolicyStore(context.Background(), memory.NewPolicyPersistence(), logger,
		service.WithGovernanceRegistry(gov))
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}

	all := append([]Option{
		WithAdminToken(testAdminToken),
		WithGatewayToken(testGatewayToken),
	}, opts...)
	h := NewHandler(store, gov, logger, all...)
	return h.Routes(), store, gov
}

// doJSON performs one request against the routed handler with an optional
// bearer token and JSON body.
func doJSON(t *testing.T, routes http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	return rec
}

// decodeBody decodes a JSON response body into target.
func decodeBody(t *testing.T, body io.Reader, target interface{}) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(target); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
}

// --- Auth Tests ---

func TestAuth_MissingToken(t *testing.T) {
	routes, _, _ := testEnv(t)

	rec := doJSON(t, routes, http.MethodGet, "/api/services", "", "")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("WWW-Authenticate = %q, want %q", got, "Bearer")
	}
}

func TestAuth_WrongToken(t *testing.T) {
	routes, _, _ := testEnv(t)

	rec := doJSON(t, routes, http.MethodGet, "/api/services", "nope", "")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuth_TokenScopes(t *testing.T) {
	routes, _, _ := testEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"admin token on admin route", http.MethodGet, "/api/services", testAdminToken, http.StatusOK},
		{"gateway token on admin route", http.MethodGet, "/api/services", testGatewayToken, http.StatusUnauthorized},
		{"gateway token on bundle route", http.MethodGet, "/bundle/data", testGatewayToken, http.StatusOK},
		{"admin token on bundle route", http.MethodGet, "/bundle/data", testAdminToken, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, routes, tt.method, tt.path, tt.token, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuth_HashedTokenVerifies(t *testing.T) {
	hash, err := auth.HashToken(testAdminToken)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	gov := service.NewGovernanceService(logger)
	store, err := service.NewPolicyStore(context.Background(), memory.NewPolicyPersistence(), logger)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	routes := NewHandler(store, gov, logger, WithAdminToken(hash)).Routes()

	rec := doJSON(t, routes, http.MethodGet, "/api/services", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status with raw token against hash = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = doJSON(t, routes, http.MethodGet, "/api/services", "wrong", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong token = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuth_UnconfiguredTokenRejectsAll(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	gov := service.NewGovernanceService(logger)
	store, err := service.NewPolicyStore(context.Background(), memory.NewPolicyPersistence(), logger)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	routes := NewHandler(store, gov, logger).Routes()

	rec := doJSON(t, routes, http.MethodGet, "/api/services", "anything", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// --- Operational Endpoint Tests ---

func TestHealth_Open(t *testing.T) {
	routes, _, _ := testEnv(t)

	rec := doJSON(t, routes, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var health struct {
		Status   string `json:"status"`
		Revision uint64 `json:"revision"`
	}
	decodeBody(t, rec.Body, &health)
	if health.Status != "ok" {
		t.Errorf("status = %q, want %q", health.Status, "ok")
	}
	if health.Revision != 0 {
		t.Errorf("revision = %d, want 0", health.Revision)
	}
}

func TestMetrics_WithRegistry(t *testing.T) {
	routes, _, _ := testEnv(t, WithRegistry(observability.NewRegistry()))

	rec := doJSON(t, routes, http.MethodGet, "/metrics", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output should include runtime collectors")
	}
}

func TestMetrics_AbsentWithoutRegistry(t *testing.T) {
	routes, _, _ := testEnv(t)

	rec := doJSON(t, routes, http.MethodGet, "/metrics", "", "")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// --- statusForError Tests ---

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown service", policy.ErrUnknownService, http.StatusNotFound},
		{"wrapped unknown tool", fmt.Errorf("lookup: %w", policy.ErrUnknownTool), http.StatusNotFound},
		{"unknown instance", governance.ErrUnknownInstance, http.StatusNotFound},
		{"unknown request", governance.ErrUnknownRequest, http.StatusNotFound},
		{"invalid state", governance.ErrInvalidState, http.StatusConflict},
		{"invalid tag", policy.ErrInvalidTag, http.StatusBadRequest},
		{"invalid matcher", policy.ErrInvalidMatcher, http.StatusBadRequest},
		{"invalid rule", policy.ErrInvalidRule, http.StatusBadRequest},
		{"empty allow", policy.ErrEmptyAllow, http.StatusBadRequest},
		{"invalid constraint", governance.ErrInvalidConstraint, http.StatusBadRequest},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
