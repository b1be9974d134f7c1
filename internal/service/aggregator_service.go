package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/domain/session"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/toolgate/pkg/mcp"
)

// Default timeouts for backend calls, per operation class.
const (
	DefaultInitializeTimeout = 10 * time.Second
	DefaultCallTimeout       = 30 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second

	streamBuffer = 16
)

// ErrNoBackends is returned when initialize succeeds against zero backends.
var ErrNoBackends = errors.New("no backend completed initialize")

// ErrUnknownService is returned when a tools/call targets a service absent
// from the caller's session.
var ErrUnknownService = errors.New("unknown service")

// ErrInvalidToolCall is returned when a tools/call body cannot be parsed
// into a namespaced call.
var ErrInvalidToolCall = errors.New("invalid tool call")

// ErrBackendExists is returned when a backend registration collides with a
// configured service name.
var ErrBackendExists = errors.New("backend already registered")

// InitializeResult is the outcome of an initialize fan-out.
type InitializeResult struct {
	// Response is the merged JSON-RPC response returned to the client.
	Response []byte
	// SessionID is the freshly allocated client session id.
	SessionID string
}

// StreamChunk is one piece of the merged server-to-client stream. Service
// names the originating backend, empty for gateway keepalives.
type StreamChunk struct {
	Service string
	Data    []byte
}

// AggregatorService presents many backend MCP services as one server.
// It owns the client session lifecycle: initialize fans out to every
// configured backend and records each backend's session id; later calls
// route on the service prefix of the namespaced tool name. A failing
// backend degrades its own tools only; the client session survives as
// long as any backend remains.
type AggregatorService struct {
	backendsMu sync.RWMutex
	backends   map[string]outbound.MCPBackend

	sessions *session.Manager
	logger   *slog.Logger

	initializeTimeout time.Duration
	callTimeout       time.Duration
	keepalive         time.Duration

	serverName    string
	serverVersion string
}

// AggregatorOption configures AggregatorService.
type AggregatorOption func(*AggregatorService)

// WithInitializeTimeout bounds each backend's initialize handshake.
func WithInitializeTimeout(d time.Duration) AggregatorOption {
	return func(s *AggregatorService) {
		s.initializeTimeout = d
	}
}

// WithCallTimeout bounds each forwarded backend call.
func WithCallTimeout(d time.Duration) AggregatorOption {
	return func(s *AggregatorService) {
		s.callTimeout = d
	}
}

// WithKeepaliveInterval sets the comment keepalive cadence on merged
// client streams.
func WithKeepaliveInterval(d time.Duration) AggregatorOption {
	return func(s *AggregatorService) {
		s.keepalive = d
	}
}

// WithServerInfo sets the identity the gateway reports in merged
// initialize responses.
func WithServerInfo(name, version string) AggregatorOption {
	return func(s *AggregatorService) {
		s.serverName = name
		s.serverVersion = version
	}
}

// NewAggregatorService creates an AggregatorService over the configured
// backends.
func NewAggregatorService(backends []outbound.MCPBackend, sessions *session.Manager, logger *slog.Logger, opts ...AggregatorOption) *AggregatorService {
	byService := make(map[string]outbound.MCPBackend, len(backends))
	for _, b := range backends {
		byService[b.Service()] = b
	}

	s := &AggregatorService{
		backends:          byService,
		sessions:          sessions,
		logger:            logger,
		initializeTimeout: DefaultInitializeTimeout,
		callTimeout:       DefaultCallTimeout,
		keepalive:         DefaultKeepaliveInterval,
		serverName:        "toolgate",
		serverVersion:     "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// backendSnapshot copies the backend map so fan-out loops run without
// holding the registry lock.
func (s *AggregatorService) backendSnapshot() map[string]outbound.MCPBackend {
	s.backendsMu.RLock()
	defer s.backendsMu.RUnlock()
	snapshot := make(map[string]outbound.MCPBackend, len(s.backends))
	for name, b := range s.backends {
		snapshot[name] = b
	}
	return snapshot
}

// backend looks one service up in the registry.
func (s *AggregatorService) backend(name string) (outbound.MCPBackend, bool) {
	s.backendsMu.RLock()
	defer s.backendsMu.RUnlock()
	b, ok := s.backends[name]
	return b, ok
}

// Services returns the configured backend names, sorted.
func (s *AggregatorService) Services() []string {
	s.backendsMu.RLock()
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	s.backendsMu.RUnlock()
	sort.Strings(names)
	return names
}

// BackendInfo describes one registered backend.
type BackendInfo struct {
	Service string `json:"name"`
	URL     string `json:"url"`
}

// Backends lists the registered backends, sorted by service name.
func (s *AggregatorService) Backends() []BackendInfo {
	s.backendsMu.RLock()
	infos := make([]BackendInfo, 0, len(s.backends))
	for name, b := range s.backends {
		infos = append(infos, BackendInfo{Service: name, URL: b.URL()})
	}
	s.backendsMu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Service < infos[j].Service })
	return infos
}

// AddBackend registers a backend at runtime. The service name must not
// collide with a registered one. Existing sessions pick the new backend
// up only on their next initialize.
func (s *AggregatorService) AddBackend(b outbound.MCPBackend) error {
	name := b.Service()

	s.backendsMu.Lock()
	if _, exists := s.backends[name]; exists {
		s.backendsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrBackendExists, name)
	}
	s.backends[name] = b
	s.backendsMu.Unlock()

	s.logger.Info("backend registered", "service", name, "url", b.URL())
	return nil
}

// RemoveBackend drops a backend from the registry. Sessions holding a
// backend session against it degrade: calls routed to the removed
// service fail, every other service keeps working.
func (s *AggregatorService) RemoveBackend(name string) error {
	s.backendsMu.Lock()
	if _, exists := s.backends[name]; !exists {
		s.backendsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	delete(s.backends, name)
	s.backendsMu.Unlock()

	s.logger.Info("backend removed", "service", name)
	return nil
}

// ActiveSessions returns the number of live client sessions.
func (s *AggregatorService) ActiveSessions(ctx context.Context) int {
	return s.sessions.ActiveCount(ctx)
}

// initOutcome is one backend's initialize result.
type initOutcome struct {
	service   string
	sessionID string
	result    map[string]json.RawMessage
}

// Initialize fans the handshake out to every configured backend in
// parallel, allocates a client session over the successful ones, and
// merges their result objects into one response. Zero successful
// backends is an error.
func (s *AggregatorService) Initialize(ctx context.Context, subject string, body []byte) (InitializeResult, error) {
	var (
		mu       sync.Mutex
		outcomes []initOutcome
		wg       sync.WaitGroup
	)

	backends := s.backendSnapshot()
	for name, backend := range backends {
		wg.Add(1)
		go func(name string, backend outbound.MCPBackend) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, s.initializeTimeout)
			defer cancel()

			resp, sessionID, err := backend.Initialize(callCtx, body)
			if err != nil {
				s.logger.Warn("backend initialize failed", "service", name, "error", err)
				return
			}
			result, err := parseResult(resp)
			if err != nil {
				s.logger.Warn("backend initialize returned no result", "service", name, "error", err)
				return
			}

			mu.Lock()
			outcomes = append(outcomes, initOutcome{service: name, sessionID: sessionID, result: result})
			mu.Unlock()
		}(name, backend)
	}
	wg.Wait()

	if len(outcomes) == 0 {
		return InitializeResult{}, ErrNoBackends
	}

	// Deterministic merge order regardless of goroutine completion.
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].service < outcomes[j].service })

	backendSessions := make(map[string]*session.BackendSession, len(outcomes))
	for _, o := range outcomes {
		backendSessions[o.service] = &session.BackendSession{
			Service:   o.service,
			URL:       backends[o.service].URL(),
			SessionID: o.sessionID,
		}
	}

	sess, err := s.sessions.Create(ctx, subject, backendSessions)
	if err != nil {
		return InitializeResult{}, err
	}

	merged := mergeInitResults(outcomes)
	merged["serverInfo"] = mustMarshal(map[string]string{
		"name":    s.serverName,
		"version": s.serverVersion,
	})

	response, err := composeResponse(body, merged)
	if err != nil {
		return InitializeResult{}, err
	}

	s.logger.Info("session initialized",
		"session_id", sess.ID,
		"subject", subject,
		"backends", len(outcomes),
	)
	return InitializeResult{Response: response, SessionID: sess.ID}, nil
}

// Notify forwards a notification to every backend in the session,
// ignoring individual failures. Notifications expect no response.
func (s *AggregatorService) Notify(ctx context.Context, sessionID string, body []byte) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for name, bs := range sess.Backends {
		backend, ok := s.backend(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, backend outbound.MCPBackend, backendSessionID string) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
			defer cancel()

			if _, err := backend.Forward(callCtx, backendSessionID, body); err != nil {
				s.logger.Debug("notification fan-out failed", "service", name, "error", err)
			}
		}(name, backend, bs.SessionID)
	}
	wg.Wait()
	return nil
}

// listOutcome is one backend's share of a tools/list fan-out.
type listOutcome struct {
	service string
	tools   []json.RawMessage
}

// ListTools fans tools/list out to the session's backends and merges the
// results, prefixing every tool name with its service namespace. A nil
// granted set means unrestricted; a non-nil set restricts the fan-out to
// exactly those services, so an empty set lists nothing. Backends that
// fail degrade silently to an empty contribution.
func (s *AggregatorService) ListTools(ctx context.Context, sessionID string, granted []string, body []byte) ([]byte, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, sess.ID)

	allowed := make(map[string]bool, len(granted))
	for _, name := range granted {
		if name != "" {
			allowed[name] = true
		}
	}
	restricted := granted != nil

	var (
		mu       sync.Mutex
		outcomes []listOutcome
		wg       sync.WaitGroup
	)

	for name, bs := range sess.Backends {
		if restricted && !allowed[name] {
			continue
		}
		backend, ok := s.backend(name)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(name string, backend outbound.MCPBackend, backendSessionID string) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
			defer cancel()

			resp, err := backend.Forward(callCtx, backendSessionID, body)
			if err != nil {
				s.logger.Warn("tools/list fan-out failed", "service", name, "error", err)
				return
			}
			tools, err := parseTools(resp)
			if err != nil {
				s.logger.Warn("tools/list response unparseable", "service", name, "error", err)
				return
			}

			prefixed := make([]json.RawMessage, 0, len(tools))
			for _, tool := range tools {
				p, err := prefixToolName(tool, name)
				if err != nil {
					s.logger.Warn("skipping unnameable tool", "service", name, "error", err)
					continue
				}
				prefixed = append(prefixed, p)
			}

			mu.Lock()
			outcomes = append(outcomes, listOutcome{service: name, tools: prefixed})
			mu.Unlock()
		}(name, backend, bs.SessionID)
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].service < outcomes[j].service })

	merged := make([]json.RawMessage, 0)
	for _, o := range outcomes {
		merged = append(merged, o.tools...)
	}

	return composeResponse(body, map[string]json.RawMessage{
		"tools": mustMarshal(merged),
	})
}

// CallTool routes a namespaced tools/call to its backend and returns the
// backend's response verbatim. The service prefix picks the backend; the
// forwarded call carries the un-prefixed tool name and the backend's own
// session id.
func (s *AggregatorService) CallTool(ctx context.Context, sessionID string, body []byte) ([]byte, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, sess.ID)

	msg, err := mcp.WrapMessage(body, mcp.ClientToServer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolCall, err)
	}
	call, err := msg.ToolCall()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolCall, err)
	}

	bs, ok := sess.Backend(call.Service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, call.Service)
	}
	backend, ok := s.backend(call.Service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, call.Service)
	}

	forwarded, err := mcp.RewriteToolCallName(body, call.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolCall, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	resp, err := backend.Forward(callCtx, bs.SessionID, forwarded)
	if err != nil {
		return nil, fmt.Errorf("forward %s to %s: %w", call.Tool, call.Service, err)
	}
	return resp, nil
}

// Stream opens the merged server-to-client stream: one upstream SSE
// reader per backend copied into a single channel, plus a periodic
// comment keepalive. The channel closes when ctx is cancelled; a backend
// stream ending early removes only that backend's contribution.
func (s *AggregatorService) Stream(ctx context.Context, sessionID string) (<-chan StreamChunk, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan StreamChunk, streamBuffer)
	var wg sync.WaitGroup

	for name, bs := range sess.Backends {
		backend, ok := s.backend(name)
		if !ok {
			continue
		}

		rc, err := backend.OpenStream(streamCtx, bs.SessionID)
		if err != nil {
			s.logger.Warn("backend stream open failed", "service", name, "error", err)
			continue
		}

		wg.Add(1)
		go func(name string, rc io.ReadCloser) {
			defer wg.Done()
			defer rc.Close()

			buf := make([]byte, 4096)
			for {
				n, err := rc.Read(buf)
				if n > 0 {
					data := make([]byte, n)
					copy(data, buf[:n])
					select {
					case chunks <- StreamChunk{Service: name, Data: data}:
					case <-streamCtx.Done():
						return
					}
				}
				if err != nil {
					if err != io.EOF && streamCtx.Err() == nil {
						s.logger.Debug("backend stream ended", "service", name, "error", err)
					}
					return
				}
			}
		}(name, rc)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				select {
				case chunks <- StreamChunk{Data: []byte(": keepalive\n\n")}:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		cancel()
		close(chunks)
	}()

	return chunks, nil
}

// Delete tears the session down: every backend session is deleted
// best-effort, then the client session is dropped.
func (s *AggregatorService) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for name, bs := range sess.Backends {
		backend, ok := s.backend(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, backend outbound.MCPBackend, backendSessionID string) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
			defer cancel()

			if err := backend.DeleteSession(callCtx, backendSessionID); err != nil {
				s.logger.Debug("backend session delete failed", "service", name, "error", err)
			}
		}(name, backend, bs.SessionID)
	}
	wg.Wait()

	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", sess.ID)
	return nil
}

// refresh extends the session deadline, best-effort.
func (s *AggregatorService) refresh(ctx context.Context, sessionID string) {
	if err := s.sessions.Refresh(ctx, sessionID); err != nil {
		s.logger.Debug("session refresh failed", "session_id", sessionID, "error", err)
	}
}

// parseResult extracts the result object from a JSON-RPC response. A
// response carrying an error, or no result object, is a failure.
func parseResult(resp []byte) (map[string]json.RawMessage, error) {
	var envelope struct {
		Result map[string]json.RawMessage `json:"result"`
		Error  json.RawMessage            `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(envelope.Error) > 0 && string(envelope.Error) != "null" {
		return nil, fmt.Errorf("backend returned error: %s", envelope.Error)
	}
	if envelope.Result == nil {
		return nil, errors.New("response has no result")
	}
	return envelope.Result, nil
}

// parseTools extracts the tools array from a tools/list response.
func parseTools(resp []byte) ([]json.RawMessage, error) {
	result, err := parseResult(resp)
	if err != nil {
		return nil, err
	}
	var tools []json.RawMessage
	if raw, ok := result["tools"]; ok {
		if err := json.Unmarshal(raw, &tools); err != nil {
			return nil, fmt.Errorf("parse tools array: %w", err)
		}
	}
	return tools, nil
}

// prefixToolName rewrites one tool object's name to service.name, keeping
// every other field intact.
func prefixToolName(tool json.RawMessage, service string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(tool, &fields); err != nil {
		return nil, fmt.Errorf("parse tool: %w", err)
	}
	var name string
	if err := json.Unmarshal(fields["name"], &name); err != nil {
		return nil, fmt.Errorf("parse tool name: %w", err)
	}
	quoted, err := json.Marshal(mcp.JoinToolName(service, name))
	if err != nil {
		return nil, err
	}
	fields["name"] = quoted
	return json.Marshal(fields)
}

// mergeInitResults shallow-merges the result objects of the successful
// backends, in service order. Top-level objects union key-by-key with the
// first backend winning inner conflicts; non-object values take the first
// backend's value.
func mergeInitResults(outcomes []initOutcome) map[string]json.RawMessage {
	merged := make(map[string]json.RawMessage)
	for _, o := range outcomes {
		for k, v := range o.result {
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			if combined, mergeable := shallowMergeObjects(existing, v); mergeable {
				merged[k] = combined
			}
		}
	}
	return merged
}

// shallowMergeObjects unions two JSON objects one level deep, a's keys
// winning. The second result is false when either value is not an object.
func shallowMergeObjects(a, b json.RawMessage) (json.RawMessage, bool) {
	var am, bm map[string]json.RawMessage
	if json.Unmarshal(a, &am) != nil || json.Unmarshal(b, &bm) != nil {
		return nil, false
	}
	if am == nil || bm == nil {
		return nil, false
	}
	for k, v := range bm {
		if _, ok := am[k]; !ok {
			am[k] = v
		}
	}
	out, err := json.Marshal(am)
	if err != nil {
		return nil, false
	}
	return out, true
}

// composeResponse builds a JSON-RPC response around the given result,
// echoing the request's id.
func composeResponse(request []byte, result interface{}) ([]byte, error) {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"result":  result,
	}
	if id := (&mcp.Message{Raw: request}).RawID(); len(id) > 0 {
		resp["id"] = id
	}
	return json.Marshal(resp)
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
