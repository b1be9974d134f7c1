// Package integration exercises a complete deployment over real HTTP:
// a control plane served from httptest, a gateway wired to it through
// the client adapters, and fake MCP backends behind the gateway.
package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/inbound/admin"
	gatehttp "github.com/Sentinel-Gate/toolgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/controlplane"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/mcp"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/domain/session"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

// Bearer tokens guarding the control plane, stored in dev plaintext form.
const (
	testAdminToken   = "integration-admin-token"
	testGatewayToken = "integration-gateway-token"
)

// mcpSessionHeader is the Streamable HTTP session header.
const mcpSessionHeader = "Mcp-Session-Id"

// initializeBody is the handshake every test session opens with.
const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"gatetest","version":"0.1.0"}}}`

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Fake MCP Backend ---

// backendCall is one tools/call a fake backend received.
type backendCall struct {
	Tool      string
	SessionID string
	Arguments json.RawMessage
}

// fakeBackend emulates a Streamable HTTP MCP server for one service:
// it issues a fixed session id on initialize, serves a fixed tool list,
// and records every tools/call it receives.
type fakeBackend struct {
	name    string
	session string
	tools   []string
	srv     *httptest.Server

	mu        sync.Mutex
	calls     []backendCall
	initCount int
}

// newFakeBackend starts a fake backend and closes it when the test ends.
func newFakeBackend(t *testing.T, name, sessionID string, tools ...string) *fakeBackend {
	t.Helper()
	f := &fakeBackend{name: name, session: sessionID, tools: tools}
	f.srv = httptest.NewServer(f.handler())
	t.Cleanup(f.srv.Close)
	return f
}

// newCalendarBackend returns the standard two-tool calendar backend.
func newCalendarBackend(t *testing.T) *fakeBackend {
	return newFakeBackend(t, "mock-calendar", "cal-session-1", "list_events", "create_event")
}

func (f *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet:
			// No server-to-client stream in these tests.
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(msg.ID) == 0 {
			// Notification; Streamable HTTP answers 202 with no body.
			w.WriteHeader(http.StatusAccepted)
			return
		}

		switch msg.Method {
		case "initialize":
			f.mu.Lock()
			f.initCount++
			f.mu.Unlock()
			w.Header().Set(mcpSessionHeader, f.session)
			f.respond(w, msg.ID, fmt.Sprintf(
				`{"protocolVersion":"2025-06-18","capabilities":{"tools":{}},"serverInfo":{"name":%q,"version":"1.0.0"}}`,
				f.name))
		case "tools/list":
			entries := make([]string, 0, len(f.tools))
			for _, tool := range f.tools {
				entries = append(entries, fmt.Sprintf(
					`{"name":%q,"description":"test tool","inputSchema":{"type":"object"}}`, tool))
			}
			f.respond(w, msg.ID, `{"tools":[`+strings.Join(entries, ",")+`]}`)
		case "tools/call":
			f.mu.Lock()
			f.calls = append(f.calls, backendCall{
				Tool:      msg.Params.Name,
				SessionID: r.Header.Get(mcpSessionHeader),
				Arguments: msg.Params.Arguments,
			})
			f.mu.Unlock()
			f.respond(w, msg.ID, fmt.Sprintf(
				`{"content":[{"type":"text","text":"%s completed"}]}`, msg.Params.Name))
		default:
			f.respond(w, msg.ID, `{}`)
		}
	})
}

func (f *fakeBackend) respond(w http.ResponseWriter, id json.RawMessage, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result)
}

// toolCalls returns a copy of the recorded tools/call invocations.
func (f *fakeBackend) toolCalls() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

// initializes returns how many initialize handshakes the backend saw.
func (f *fakeBackend) initializes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCount
}

// --- Deployment Environment ---

// gateEnv is a deployment under test: control plane, gateway, and the
// plumbing between them. The bundle refresher runs with short intervals
// so admin mutations reach the decision engine within milliseconds.
type gateEnv struct {
	t *testing.T

	control *httptest.Server
	gateway *httptest.Server

	store  *service.PolicyStore
	engine *service.DecisionService

	published atomic.Uint64
}

// newGateEnv wires a control plane and a gateway over the given fake
// backends. Teardown is registered on the test.
func newGateEnv(t *testing.T, fakes ...*fakeBackend) *gateEnv {
	t.Helper()

	logger := testLogger()
	ctx, cancel := context.WithCancel(context.Background())

	// Control plane: governance workflow, policy store, admin API.
	gov := service.NewGovernanceService(logger)
	gov.StartSweeper(ctx)

	validator, err := cel.NewEvaluator()
	if err != nil {
		t.Fatalf("cel.NewEvaluator() error: %v", err)
	}
	store, err := service.NewPolicyStore(ctx, memory.NewPolicyPersistence(), logger,
		service.WithGovernanceRegistry(gov),
		service.WithExpressionValidator(validator),
	)
	if err != nil {
		t.Fatalf("NewPolicyStore() error: %v", err)
	}

	handler := admin.NewHandler(store, gov, logger,
		admin.WithAdminToken(testAdminToken),
		admin.WithGatewayToken(testGatewayToken),
	)
	control := httptest.NewServer(handler.Routes())

	// Gateway: aggregator over the fake backends, decision engine fed by
	// the bundle refresher, both talking to the control plane above.
	backends := make([]outbound.MCPBackend, 0, len(fakes))
	for _, fake := range fakes {
		backends = append(backends, mcp.NewBackend(fake.name, fake.srv.URL))
	}

	sessionStore := memory.NewSessionStore()
	sessionStore.StartCleanup(ctx)
	sessions := session.NewManager(sessionStore, session.Config{})
	aggregator := service.NewAggregatorService(backends, sessions, logger)

	cpClient := controlplane.NewClient(control.URL, testGatewayToken)
	engine, err := service.NewDecisionService(controlplane.NewGovernanceClient(cpClient), logger)
	if err != nil {
		t.Fatalf("NewDecisionService() error: %v", err)
	}

	env := &gateEnv{t: t, control: control, store: store, engine: engine}

	bundles := service.NewBundleService(controlplane.NewBundleSource(cpClient), logger,
		service.WithGovernanceConnection(control.URL, testGatewayToken),
		service.WithDebounce(10*time.Millisecond),
		service.WithReconcileInterval(250*time.Millisecond),
		service.WithOnPublish(engine.SetBundle),
		service.WithOnPublish(func(b *policy.Bundle) { env.published.Store(b.Revision) }),
	)
	bundles.Start(ctx)

	transport := gatehttp.NewHTTPTransport(aggregator, engine,
		gatehttp.WithLogger(logger),
		gatehttp.WithAdminToken(testAdminToken),
	)
	env.gateway = httptest.NewServer(transport.Routes())

	t.Cleanup(func() {
		env.gateway.Close()
		bundles.Stop()
		cancel()
		sessionStore.Stop()
		gov.Stop()
		control.Close()
	})

	return env
}

// admin sends one control-plane API request and fails the test unless
// the response status matches.
func (e *gateEnv) admin(method, path, body string, wantStatus int) []byte {
	e.t.Helper()

	req, err := http.NewRequest(method, e.control.URL+path, strings.NewReader(body))
	if err != nil {
		e.t.Fatalf("NewRequest(%s %s): %v", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("%s %s: read body: %v", method, path, err)
	}
	if resp.StatusCode != wantStatus {
		e.t.Fatalf("%s %s: status = %d, want %d (body %s)", method, path, resp.StatusCode, wantStatus, data)
	}
	return data
}

// controlRevision reads the store's current revision over the
// gateway-facing bundle endpoint.
func (e *gateEnv) controlRevision() uint64 {
	e.t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.control.URL+"/bundle/data", nil)
	if err != nil {
		e.t.Fatalf("NewRequest(/bundle/data): %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testGatewayToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("GET /bundle/data: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("GET /bundle/data: status = %d, want 200", resp.StatusCode)
	}
	var data struct {
		Revision uint64 `json:"revision"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		e.t.Fatalf("decode /bundle/data: %v", err)
	}
	return data.Revision
}

// syncBundle blocks until the refresher has published the control
// plane's current revision to the decision engine.
func (e *gateEnv) syncBundle() {
	e.t.Helper()

	want := e.controlRevision()
	deadline := time.Now().Add(5 * time.Second)
	for e.published.Load() < want {
		if time.Now().After(deadline) {
			e.t.Fatalf("bundle revision %d not published within 5s (engine at %d)", want, e.published.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// seedCalendar registers the mock-calendar service with an open
// list_events, a gated create_event under governance instance
// gov-calendar, and a claims rule granting acme sales the service.
func (e *gateEnv) seedCalendar() {
	e.t.Helper()

	e.admin(http.MethodPost, "/api/services", `{"service":"mock-calendar"}`, http.StatusCreated)
	e.admin(http.MethodPost, "/api/services/mock-calendar/tools", `{"tool":"list_events","tag":"open"}`, http.StatusCreated)
	e.admin(http.MethodPost, "/api/services/mock-calendar/tools", `{"tool":"create_event","tag":"gated"}`, http.StatusCreated)
	e.admin(http.MethodPost, "/api/services/mock-calendar/governance", `{"governanceId":"gov-calendar"}`, http.StatusCreated)
	e.admin(http.MethodPost, "/api/services/mock-calendar/enable", "", http.StatusOK)
	e.admin(http.MethodPost, "/api/rules", `{
		"matcher": {"type": "claims", "claims": {"organization": "acme", "department": "sales"}},
		"allow": {"services": ["mock-calendar"], "tools": ["*"]}
	}`, http.StatusCreated)
	e.syncBundle()
}

// postMCP sends one JSON-RPC message to an MCP endpoint and returns the
// response with its fully read body.
func postMCP(t *testing.T, baseURL, token, sessionID, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest(/mcp): %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(mcpSessionHeader, sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /mcp: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("POST /mcp: read body: %v", err)
	}
	return resp, data
}

// mcpPost sends one JSON-RPC message to the gateway.
func (e *gateEnv) mcpPost(token, sessionID, body string) (*http.Response, []byte) {
	e.t.Helper()
	return postMCP(e.t, e.gateway.URL, token, sessionID, body)
}

// initialize opens a gateway session for the caller and returns its id.
func (e *gateEnv) initialize(token string) string {
	e.t.Helper()

	resp, data := e.mcpPost(token, "", initializeBody)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("initialize: status = %d, want 200 (body %s)", resp.StatusCode, data)
	}
	sid := resp.Header.Get(mcpSessionHeader)
	if sid == "" {
		e.t.Fatal("initialize: response has no Mcp-Session-Id header")
	}
	return sid
}

// callTool sends a tools/call for the given namespaced tool.
func (e *gateEnv) callTool(token, sessionID, tool, arguments string) (*http.Response, []byte) {
	e.t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, tool, arguments)
	return e.mcpPost(token, sessionID, body)
}

// listTools sends a tools/list and returns the merged tool names.
func (e *gateEnv) listTools(token, sessionID string) []string {
	e.t.Helper()

	resp, data := e.mcpPost(token, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("tools/list: status = %d, want 200 (body %s)", resp.StatusCode, data)
	}
	var envelope struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		e.t.Fatalf("tools/list: unmarshal response: %v", err)
	}
	names := make([]string, 0, len(envelope.Result.Tools))
	for _, tool := range envelope.Result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

// signedToken builds a JWT the way the authenticating edge would hand it
// over: the gateway decodes the payload without verifying the signature
// segment.
func signedToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

// jarvisToken returns the standard test caller, an acme sales user.
func jarvisToken(t *testing.T) string {
	t.Helper()
	return signedToken(t, map[string]interface{}{
		"email":        "jarvis@acme.com",
		"organization": "acme",
		"department":   "sales",
	})
}
