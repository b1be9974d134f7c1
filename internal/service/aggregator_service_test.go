package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/toolgate/internal/domain/session"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
)

// fakeBackend is a scriptable MCPBackend.
type fakeBackend struct {
	service       string
	initResult    string // JSON result object for initialize
	initSessionID string
	initErr       error

	mu              sync.Mutex
	forwardResponse []byte
	forwardErr      error
	forwarded       [][]byte
	forwardSessions []string
	deletedSessions []string

	stream    *io.PipeReader
	streamErr error
}

func (f *fakeBackend) Service() string { return f.service }
func (f *fakeBackend) URL() string     { return "http://" + f.service + ":9000/mcp" }

func (f *fakeBackend) Initialize(_ context.Context, _ []byte) ([]byte, string, error) {
	if f.initErr != nil {
		return nil, "", f.initErr
	}
	resp := []byte(`{"jsonrpc":"2.0","id":1,"result":` + f.initResult + `}`)
	return resp, f.initSessionID, nil
}

func (f *fakeBackend) Forward(_ context.Context, sessionID string, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, append([]byte(nil), body...))
	f.forwardSessions = append(f.forwardSessions, sessionID)
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	return f.forwardResponse, nil
}

func (f *fakeBackend) OpenStream(_ context.Context, _ string) (io.ReadCloser, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeBackend) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSessions = append(f.deletedSessions, sessionID)
	return nil
}

func (f *fakeBackend) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

func (f *fakeBackend) lastForward() (string, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forwarded) == 0 {
		return "", nil
	}
	return f.forwardSessions[len(f.forwardSessions)-1], f.forwarded[len(f.forwarded)-1]
}

var _ outbound.MCPBackend = (*fakeBackend)(nil)

// testAggregator builds an AggregatorService over an in-memory session
// store.
func testAggregator(t *testing.T, backends []outbound.MCPBackend, opts ...AggregatorOption) (*AggregatorService, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(memory.NewSessionStore(), session.Config{})
	svc := NewAggregatorService(backends, mgr, testLogger(), opts...)
	return svc, mgr
}

// initBody is a minimal client initialize request.
func initBody() []byte {
	return []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{}}}`)
}

// initializedSession initializes against the backends and returns the
// allocated client session id.
func initializedSession(t *testing.T, svc *AggregatorService) string {
	t.Helper()
	res, err := svc.Initialize(context.Background(), "alice@corp.example", initBody())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return res.SessionID
}

// --- Initialize Tests ---

func TestAggregatorService_InitializeMergesCapabilities(t *testing.T) {
	github := &fakeBackend{
		service:       "github",
		initSessionID: "gh-sess",
		initResult:    `{"protocolVersion":"2025-03-26","capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"github-mcp","version":"1.0"}}`,
	}
	jira := &fakeBackend{
		service:       "jira",
		initSessionID: "jira-sess",
		initResult:    `{"protocolVersion":"2025-03-26","capabilities":{"prompts":{}},"serverInfo":{"name":"jira-mcp","version":"2.0"}}`,
	}

	svc, mgr := testAggregator(t, []outbound.MCPBackend{github, jira}, WithServerInfo("toolgate", "1.2.3"))

	res, err := svc.Initialize(context.Background(), "alice@corp.example", initBody())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(res.SessionID) != 64 {
		t.Errorf("session id length = %d, want 64 hex chars", len(res.SessionID))
	}

	var envelope struct {
		ID     json.RawMessage        `json:"id"`
		Result map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(res.Response, &envelope); err != nil {
		t.Fatalf("unmarshal merged response: %v", err)
	}
	if string(envelope.ID) != "1" {
		t.Errorf("id = %s, want 1 (echo of client id)", envelope.ID)
	}

	caps, ok := envelope.Result["capabilities"].(map[string]interface{})
	if !ok {
		t.Fatalf("capabilities missing from merged result: %v", envelope.Result)
	}
	if _, ok := caps["tools"]; !ok {
		t.Error("merged capabilities missing github's tools")
	}
	if _, ok := caps["prompts"]; !ok {
		t.Error("merged capabilities missing jira's prompts")
	}

	serverInfo, ok := envelope.Result["serverInfo"].(map[string]interface{})
	if !ok || serverInfo["name"] != "toolgate" || serverInfo["version"] != "1.2.3" {
		t.Errorf("serverInfo = %v, want the gateway's own identity", envelope.Result["serverInfo"])
	}

	sess, err := mgr.Get(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if sess.Subject != "alice@corp.example" {
		t.Errorf("subject = %q, want alice@corp.example", sess.Subject)
	}
	if bs, ok := sess.Backend("github"); !ok || bs.SessionID != "gh-sess" {
		t.Errorf("github backend session = %+v, want gh-sess", bs)
	}
	if bs, ok := sess.Backend("jira"); !ok || bs.SessionID != "jira-sess" {
		t.Errorf("jira backend session = %+v, want jira-sess", bs)
	}
}

func TestAggregatorService_InitializeDegradesOnPartialFailure(t *testing.T) {
	github := &fakeBackend{
		service:       "github",
		initSessionID: "gh-sess",
		initResult:    `{"capabilities":{"tools":{}}}`,
	}
	broken := &fakeBackend{service: "jira", initErr: errors.New("connection refused")}

	svc, mgr := testAggregator(t, []outbound.MCPBackend{github, broken})

	res, err := svc.Initialize(context.Background(), "alice@corp.example", initBody())
	if err != nil {
		t.Fatalf("Initialize should survive one backend failure: %v", err)
	}

	sess, err := mgr.Get(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if len(sess.Backends) != 1 {
		t.Errorf("backends in session = %d, want 1", len(sess.Backends))
	}
	if _, ok := sess.Backend("jira"); ok {
		t.Error("failed backend must not join the session")
	}
}

func TestAggregatorService_InitializeFailsWithZeroBackends(t *testing.T) {
	broken := &fakeBackend{service: "github", initErr: errors.New("boom")}
	svc, _ := testAggregator(t, []outbound.MCPBackend{broken})

	if _, err := svc.Initialize(context.Background(), "alice@corp.example", initBody()); !errors.Is(err, ErrNoBackends) {
		t.Errorf("err = %v, want ErrNoBackends", err)
	}

	empty, _ := testAggregator(t, nil)
	if _, err := empty.Initialize(context.Background(), "alice@corp.example", initBody()); !errors.Is(err, ErrNoBackends) {
		t.Errorf("err = %v, want ErrNoBackends for zero configured backends", err)
	}
}

// --- Tools List Tests ---

func listBody() []byte {
	return []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)
}

func toolsOf(t *testing.T, resp []byte) []map[string]interface{} {
	t.Helper()
	var envelope struct {
		Result struct {
			Tools []map[string]interface{} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		t.Fatalf("unmarshal tools/list response: %v", err)
	}
	return envelope.Result.Tools
}

func TestAggregatorService_ListToolsPrefixesAndMerges(t *testing.T) {
	github := &fakeBackend{
		service: "github", initSessionID: "gh-sess", initResult: `{}`,
		forwardResponse: []byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"create_issue","inputSchema":{"type":"object"}}]}}`),
	}
	jira := &fakeBackend{
		service: "jira", initSessionID: "jira-sess", initResult: `{}`,
		forwardResponse: []byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"create_ticket"}]}}`),
	}

	svc, _ := testAggregator(t, []outbound.MCPBackend{github, jira})
	id := initializedSession(t, svc)

	resp, err := svc.ListTools(context.Background(), id, nil, listBody())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	tools := toolsOf(t, resp)
	if len(tools) != 2 {
		t.Fatalf("merged tools = %d, want 2", len(tools))
	}
	if tools[0]["name"] != "github.create_issue" || tools[1]["name"] != "jira.create_ticket" {
		t.Errorf("tool names = %v, %v; want prefixed, service-sorted", tools[0]["name"], tools[1]["name"])
	}
	if _, ok := tools[0]["inputSchema"]; !ok {
		t.Error("inputSchema dropped during prefixing")
	}

	// The fan-out used each backend's own session id.
	if sid, _ := github.lastForward(); sid != "gh-sess" {
		t.Errorf("github forward session = %q, want gh-sess", sid)
	}
	if sid, _ := jira.lastForward(); sid != "jira-sess" {
		t.Errorf("jira forward session = %q, want jira-sess", sid)
	}
}

func TestAggregatorService_ListToolsRestrictsToGrantedSet(t *testing.T) {
	github := &fakeBackend{
		service: "github", initSessionID: "gh", initResult: `{}`,
		forwardResponse: []byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"create_issue"}]}}`),
	}
	jira := &fakeBackend{
		service: "jira", initSessionID: "ji", initResult: `{}`,
		forwardResponse: []byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"create_ticket"}]}}`),
	}

	svc, _ := testAggregator(t, []outbound.MCPBackend{github, jira})
	id := initializedSession(t, svc)

	resp, err := svc.ListTools(context.Background(), id, []string{"github"}, listBody())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	tools := toolsOf(t, resp)
	if len(tools) != 1 || tools[0]["name"] != "github.create_issue" {
		t.Errorf("restricted tools = %v, want only github.create_issue", tools)
	}
	if jira.forwardCount() != 0 {
		t.Errorf("jira fan-out calls = %d, want 0 when not granted", jira.forwardCount())
	}

	// A present-but-empty grant set lists nothing.
	resp, err = svc.ListTools(context.Background(), id, []string{}, listBody())
	if err != nil {
		t.Fatalf("ListTools with empty grant: %v", err)
	}
	if tools := toolsOf(t, resp); len(tools) != 0 {
		t.Errorf("tools with empty grant set = %v, want none", tools)
	}
}

func TestAggregatorService_ListToolsDegradesOnBackendFailure(t *testing.T) {
	github := &fakeBackend{
		service: "github", initSessionID: "gh", initResult: `{}`,
		forwardResponse: []byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"create_issue"}]}}`),
	}
	jira := &fakeBackend{
		service: "jira", initSessionID: "ji", initResult: `{}`,
		forwardErr: errors.New("backend down"),
	}

	svc, _ := testAggregator(t, []outbound.MCPBackend{github, jira})
	id := initializedSession(t, svc)

	resp, err := svc.ListTools(context.Background(), id, nil, listBody())
	if err != nil {
		t.Fatalf("ListTools must degrade, not fail: %v", err)
	}
	tools := toolsOf(t, resp)
	if len(tools) != 1 || tools[0]["name"] != "github.create_issue" {
		t.Errorf("tools = %v, want only the healthy backend's", tools)
	}
}

// --- Tool Call Tests ---

func TestAggregatorService_CallToolRoutesAndRewrites(t *testing.T) {
	github := &fakeBackend{
		service: "github", initSessionID: "gh-sess", initResult: `{}`,
		forwardResponse: []byte(`{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"done"}]}}`),
	}
	jira := &fakeBackend{service: "jira", initSessionID: "ji", initResult: `{}`}

	svc, _ := testAggregator(t, []outbound.MCPBackend{github, jira})
	id := initializedSession(t, svc)

	body := []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"github.create_issue","arguments":{"title":"bug"}}}`)
	resp, err := svc.CallTool(context.Background(), id, body)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(resp) != string(github.forwardResponse) {
		t.Errorf("response not returned verbatim: %s", resp)
	}
	if jira.forwardCount() != 0 {
		t.Errorf("jira received %d calls, want 0", jira.forwardCount())
	}

	sid, forwarded := github.lastForward()
	if sid != "gh-sess" {
		t.Errorf("forward session = %q, want gh-sess", sid)
	}
	var fwd struct {
		Params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(forwarded, &fwd); err != nil {
		t.Fatalf("unmarshal forwarded body: %v", err)
	}
	if fwd.Params.Name != "create_issue" {
		t.Errorf("forwarded name = %q, want un-prefixed create_issue", fwd.Params.Name)
	}
	if fwd.Params.Arguments["title"] != "bug" {
		t.Errorf("forwarded arguments = %v, want title=bug", fwd.Params.Arguments)
	}
}

func TestAggregatorService_CallToolUnknownService(t *testing.T) {
	github := &fakeBackend{service: "github", initSessionID: "gh", initResult: `{}`}
	svc, _ := testAggregator(t, []outbound.MCPBackend{github})
	id := initializedSession(t, svc)

	body := []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nowhere.fetch","arguments":{}}}`)
	if _, err := svc.CallTool(context.Background(), id, body); !errors.Is(err, ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}

	malformed := []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"no_dot"}}`)
	if _, err := svc.CallTool(context.Background(), id, malformed); !errors.Is(err, ErrInvalidToolCall) {
		t.Errorf("err = %v, want ErrInvalidToolCall", err)
	}
}

func TestAggregatorService_CallToolBackendFailure(t *testing.T) {
	github := &fakeBackend{
		service: "github", initSessionID: "gh", initResult: `{}`,
		forwardErr: errors.New("connection reset"),
	}
	svc, _ := testAggregator(t, []outbound.MCPBackend{github})
	id := initializedSession(t, svc)

	body := []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"github.create_issue","arguments":{}}}`)
	_, err := svc.CallTool(context.Background(), id, body)
	if err == nil {
		t.Fatal("expected error for backend failure")
	}
	if errors.Is(err, ErrUnknownService) || errors.Is(err, ErrInvalidToolCall) {
		t.Errorf("backend failure must not map to a client error: %v", err)
	}
}

// --- Notification Tests ---

func TestAggregatorService_NotifyFansOut(t *testing.T) {
	github := &fakeBackend{service: "github", initSessionID: "gh", initResult: `{}`}
	jira := &fakeBackend{service: "jira", initSessionID: "ji", initResult: `{}`, forwardErr: errors.New("down")}

	svc, _ := testAggregator(t, []outbound.MCPBackend{github, jira})
	id := initializedSession(t, svc)

	body := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if err := svc.Notify(context.Background(), id, body); err != nil {
		t.Fatalf("Notify must swallow backend errors: %v", err)
	}
	if github.forwardCount() != 1 {
		t.Errorf("github notifications = %d, want 1", github.forwardCount())
	}
	if jira.forwardCount() != 1 {
		t.Errorf("jira notifications = %d, want 1 (attempted despite failure)", jira.forwardCount())
	}
}

// --- Stream Tests ---

func TestAggregatorService_StreamMergesBackends(t *testing.T) {
	defer goleak.VerifyNone(t)

	ghReader, ghWriter := io.Pipe()
	github := &fakeBackend{service: "github", initSessionID: "gh", initResult: `{}`, stream: ghReader}

	svc, _ := testAggregator(t, []outbound.MCPBackend{github}, WithKeepaliveInterval(20*time.Millisecond))
	id := initializedSession(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := svc.Stream(ctx, id)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	go func() {
		_, _ = ghWriter.Write([]byte("data: {\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n\n"))
	}()

	var sawBackend, sawKeepalive bool
	deadline := time.After(2 * time.Second)
	for !(sawBackend && sawKeepalive) {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				t.Fatal("stream closed before seeing backend data and keepalive")
			}
			if chunk.Service == "github" && strings.Contains(string(chunk.Data), "ping") {
				sawBackend = true
			}
			if chunk.Service == "" && strings.Contains(string(chunk.Data), "keepalive") {
				sawKeepalive = true
			}
		case <-deadline:
			t.Fatalf("timed out: sawBackend=%v sawKeepalive=%v", sawBackend, sawKeepalive)
		}
	}

	cancel()
	_ = ghWriter.Close()
	for range chunks {
		// Drain until the merge loop closes the channel.
	}
}

func TestAggregatorService_StreamSurvivesOpenFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	github := &fakeBackend{service: "github", initSessionID: "gh", initResult: `{}`, streamErr: errors.New("no stream")}
	svc, _ := testAggregator(t, []outbound.MCPBackend{github}, WithKeepaliveInterval(10*time.Millisecond))
	id := initializedSession(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := svc.Stream(ctx, id)
	if err != nil {
		t.Fatalf("Stream must degrade on open failure: %v", err)
	}

	select {
	case chunk := <-chunks:
		if !strings.Contains(string(chunk.Data), "keepalive") {
			t.Errorf("chunk = %q, want keepalive", chunk.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive on a backend-less stream")
	}

	cancel()
	for range chunks {
	}
}

// --- Delete Tests ---

func TestAggregatorService_DeletePropagatesAndDropsSession(t *testing.T) {
	github := &fakeBackend{service: "github", initSessionID: "gh-sess", initResult: `{}`}
	jira := &fakeBackend{service: "jira", initSessionID: "jira-sess", initResult: `{}`}

	svc, mgr := testAggregator(t, []outbound.MCPBackend{github, jira})
	id := initializedSession(t, svc)

	if err := svc.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(github.deletedSessions) != 1 || github.deletedSessions[0] != "gh-sess" {
		t.Errorf("github deletes = %v, want [gh-sess]", github.deletedSessions)
	}
	if len(jira.deletedSessions) != 1 || jira.deletedSessions[0] != "jira-sess" {
		t.Errorf("jira deletes = %v, want [jira-sess]", jira.deletedSessions)
	}
	if _, err := mgr.Get(context.Background(), id); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("session still resolvable after delete: %v", err)
	}
}

// --- Backend Registry Tests ---

func TestAggregatorService_BackendRegistry(t *testing.T) {
	github := &fakeBackend{service: "github", initSessionID: "gh", initResult: `{}`}
	svc, _ := testAggregator(t, []outbound.MCPBackend{github})

	if err := svc.AddBackend(&fakeBackend{service: "jira"}); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	if err := svc.AddBackend(&fakeBackend{service: "jira"}); !errors.Is(err, ErrBackendExists) {
		t.Errorf("duplicate add err = %v, want ErrBackendExists", err)
	}

	infos := svc.Backends()
	if len(infos) != 2 || infos[0].Service != "github" || infos[1].Service != "jira" {
		t.Fatalf("Backends() = %+v, want github then jira", infos)
	}
	if infos[1].URL != "http://jira:9000/mcp" {
		t.Errorf("jira url = %q, want http://jira:9000/mcp", infos[1].URL)
	}

	if err := svc.RemoveBackend("jira"); err != nil {
		t.Fatalf("RemoveBackend: %v", err)
	}
	if err := svc.RemoveBackend("jira"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("second remove err = %v, want ErrUnknownService", err)
	}
	if got := svc.Services(); len(got) != 1 || got[0] != "github" {
		t.Errorf("Services() after remove = %v, want [github]", got)
	}
}

func TestAggregatorService_RemovedBackendDegradesLiveSession(t *testing.T) {
	github := &fakeBackend{
		service: "github", initSessionID: "gh", initResult: `{}`,
		forwardResponse: []byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"create_issue"}]}}`),
	}
	jira := &fakeBackend{service: "jira", initSessionID: "ji", initResult: `{}`}

	svc, _ := testAggregator(t, []outbound.MCPBackend{github, jira})
	id := initializedSession(t, svc)

	if err := svc.RemoveBackend("jira"); err != nil {
		t.Fatalf("RemoveBackend: %v", err)
	}

	// Calls to the removed service fail; the rest of the session works.
	body := []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"jira.create_ticket","arguments":{}}}`)
	if _, err := svc.CallTool(context.Background(), id, body); !errors.Is(err, ErrUnknownService) {
		t.Errorf("CallTool on removed backend err = %v, want ErrUnknownService", err)
	}

	resp, err := svc.ListTools(context.Background(), id, nil, listBody())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	tools := toolsOf(t, resp)
	if len(tools) != 1 || tools[0]["name"] != "github.create_issue" {
		t.Errorf("tools after removal = %v, want only github.create_issue", tools)
	}
	if jira.forwardCount() != 0 {
		t.Errorf("removed backend received %d calls, want 0", jira.forwardCount())
	}
}

func TestAggregatorService_UnknownSessionEverywhere(t *testing.T) {
	svc, _ := testAggregator(t, nil)
	ctx := context.Background()

	if err := svc.Notify(ctx, "missing", nil); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Notify err = %v, want ErrSessionNotFound", err)
	}
	if _, err := svc.ListTools(ctx, "missing", nil, listBody()); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("ListTools err = %v, want ErrSessionNotFound", err)
	}
	if _, err := svc.CallTool(ctx, "missing", nil); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("CallTool err = %v, want ErrSessionNotFound", err)
	}
	if _, err := svc.Stream(ctx, "missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Stream err = %v, want ErrSessionNotFound", err)
	}
	if err := svc.Delete(ctx, "missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Delete err = %v, want ErrSessionNotFound", err)
	}
}
