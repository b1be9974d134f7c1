package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/Sentinel-Gate/toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/toolgate/internal/domain/session"
	"github.com/Sentinel-Gate/toolgate/internal/service"
	"github.com/Sentinel-Gate/toolgate/pkg/mcp"
)

// MCPProtocolVersion is the MCP protocol version this gateway reports.
const MCPProtocolVersion = "2025-06-18"

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// MCPSessionIDHeader is the header for session identification.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader is the header for protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// handleMCPPost processes one JSON-RPC message from the client. The
// authorization check has already passed; this routes the message to the
// aggregator by method.
func (t *HTTPTransport) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "content type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "empty request body")
		return
	}

	msg, err := mcp.WrapMessage(body, mcp.ClientToServer)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "invalid JSON-RPC message")
		return
	}
	if !msg.IsRequest() {
		writeRPCError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest, "expected a JSON-RPC request")
		return
	}

	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)

	ctx := r.Context()
	logger := loggerFrom(ctx, t.logger)

	// Notifications expect no response; Streamable HTTP answers 202.
	if msg.IsNotification() {
		if sid := r.Header.Get(MCPSessionIDHeader); sid != "" {
			if err := t.aggregator.Notify(ctx, sid, body); err != nil {
				logger.Debug("notification dropped", "method", msg.Method(), "error", err)
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch msg.Method() {
	case "initialize":
		t.handleInitialize(w, r, body)
	case "tools/list":
		t.handleToolsList(w, r, msg.RawID(), body)
	case "tools/call":
		t.handleToolsCall(w, r, msg.RawID(), body)
	case "ping":
		writeJSONBody(w, http.StatusOK, pingResponse(msg.RawID()))
	default:
		writeRPCError(w, http.StatusOK, msg.RawID(), mcp.CodeMethodNotFound,
			fmt.Sprintf("method %q is not supported by the gateway", msg.Method()))
	}
}

// handleInitialize fans the handshake out and returns the merged response
// with the freshly allocated session id.
func (t *HTTPTransport) handleInitialize(w http.ResponseWriter, r *http.Request, body []byte) {
	subject := r.Header.Get(decision.HeaderUserID)

	res, err := t.aggregator.Initialize(r.Context(), subject, body)
	if err != nil {
		if errors.Is(err, service.ErrNoBackends) {
			writeRPCError(w, http.StatusBadGateway, rawID(body), mcp.CodeInternalError, "no backend available")
			return
		}
		loggerFrom(r.Context(), t.logger).Error("initialize failed", "error", err)
		writeRPCError(w, http.StatusInternalServerError, rawID(body), mcp.CodeInternalError, "internal error")
		return
	}

	t.metrics.ActiveSessions.Set(float64(t.aggregator.ActiveSessions(r.Context())))

	w.Header().Set(MCPSessionIDHeader, res.SessionID)
	writeJSONBody(w, http.StatusOK, res.Response)
}

// handleToolsList merges the backend tool lists, restricted to the
// granted-services set composed by the authorization check.
func (t *HTTPTransport) handleToolsList(w http.ResponseWriter, r *http.Request, id json.RawMessage, body []byte) {
	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		writeRPCError(w, http.StatusBadRequest, id, mcp.CodeInvalidRequest, "Mcp-Session-Id header required")
		return
	}

	resp, err := t.aggregator.ListTools(r.Context(), sid, grantedServices(r.Header), body)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeRPCError(w, http.StatusNotFound, id, mcp.CodeInvalidRequest, "session not found")
			return
		}
		loggerFrom(r.Context(), t.logger).Error("tools/list failed", "error", err)
		writeRPCError(w, http.StatusInternalServerError, id, mcp.CodeInternalError, "internal error")
		return
	}

	w.Header().Set(MCPSessionIDHeader, sid)
	writeJSONBody(w, http.StatusOK, resp)
}

// handleToolsCall routes a namespaced call to its backend.
func (t *HTTPTransport) handleToolsCall(w http.ResponseWriter, r *http.Request, id json.RawMessage, body []byte) {
	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		writeRPCError(w, http.StatusBadRequest, id, mcp.CodeInvalidRequest, "Mcp-Session-Id header required")
		return
	}

	resp, err := t.aggregator.CallTool(r.Context(), sid, body)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeRPCError(w, http.StatusNotFound, id, mcp.CodeInvalidRequest, "session not found")
		case errors.Is(err, service.ErrInvalidToolCall), errors.Is(err, service.ErrUnknownService):
			writeRPCError(w, http.StatusBadRequest, id, mcp.CodeInvalidParams, err.Error())
		default:
			loggerFrom(r.Context(), t.logger).Warn("tools/call forward failed", "error", err)
			writeRPCError(w, http.StatusBadGateway, id, mcp.CodeInternalError, "backend request failed")
		}
		return
	}

	w.Header().Set(MCPSessionIDHeader, sid)
	writeJSONBody(w, http.StatusOK, resp)
}

// handleMCPGet opens the merged server-to-client SSE stream. Chunks
// arrive pre-framed: backend bytes are relayed verbatim and gateway
// keepalives are comment lines.
func (t *HTTPTransport) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		writeJSONError(w, http.StatusBadRequest, "Mcp-Session-Id header required")
		return
	}

	chunks, err := t.aggregator.Stream(r.Context(), sid)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		loggerFrom(r.Context(), t.logger).Error("stream open failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sid)
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// The channel closes when the client context ends.
	for chunk := range chunks {
		_, _ = w.Write(chunk.Data)
		flusher.Flush()
	}
}

// handleMCPDelete tears the session down across every backend.
func (t *HTTPTransport) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		writeJSONError(w, http.StatusBadRequest, "Mcp-Session-Id header required")
		return
	}

	if err := t.aggregator.Delete(r.Context(), sid); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		loggerFrom(r.Context(), t.logger).Error("session delete failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	t.metrics.ActiveSessions.Set(float64(t.aggregator.ActiveSessions(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// handleOptions answers CORS preflight requests from browser clients.
func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// grantedServices parses the x-granted-services request header. An absent
// header leaves the fan-out unrestricted; a present-but-empty value
// restricts it to nothing. The authorization check sets the header on
// every tools/list it allows.
func grantedServices(h http.Header) []string {
	values, present := h[textproto.CanonicalMIMEHeaderKey(decision.HeaderGrantedServices)]
	if !present {
		return nil
	}
	raw := strings.Join(values, ",")
	granted := make([]string, 0)
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			granted = append(granted, name)
		}
	}
	return granted
}

// rawID extracts the JSON-RPC id from raw message bytes, nil when absent.
func rawID(body []byte) json.RawMessage {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	return envelope.ID
}

// pingResponse builds the empty-result response MCP requires for ping.
func pingResponse(id json.RawMessage) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"result":  map[string]interface{}{},
	}
	if len(id) > 0 {
		resp["id"] = id
	}
	data, _ := json.Marshal(resp)
	return data
}

// writeJSONBody writes pre-encoded JSON bytes with the given status.
func writeJSONBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeRPCError writes a JSON-RPC error response. The HTTP status is
// independent of the JSON-RPC code: client-side faults map to 4xx,
// backend faults to 502, well-formed but unsupported calls stay 200.
func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeJSONBody(w, status, mcp.NewErrorResponse(id, code, message))
}

// writeJSON encodes a value as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the request body into the given value.
func readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSONError writes a plain JSON error body for non-RPC endpoints.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
