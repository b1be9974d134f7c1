// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the toolgate gateway.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// ClientToServer indicates a message flowing from an agent to a backend.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from a backend to an agent.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with gateway metadata.
// It stores both the raw bytes (for efficient passthrough) and the decoded
// message (for authorization inspection).
type Message struct {
	// Raw contains the original bytes of the message.
	// Used for passthrough when no modification is needed.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// agent to backend or backend to agent.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// May be nil if parsing failed but passthrough is still desired.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the gateway.
	Timestamp time.Time

	// Subject is the authenticated caller identity, set by the decision
	// middleware after the bearer token has been decoded.
	Subject string

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse across handlers.
	// Nil if not a request or parsing failed.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
// This is the primary method for identifying tool invocations that need
// an authorization decision.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// IsNotification returns true if this is a request without an id field.
// Per JSON-RPC 2.0 notifications expect no response; Streamable HTTP
// answers them with 202 Accepted.
func (m *Message) IsNotification() bool {
	return m.IsRequest() && m.RawID() == nil
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
// Returns nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and stores in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	// Already parsed
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// This is needed because the SDK's jsonrpc.ID type doesn't marshal correctly
// through interface{}, so we extract the ID directly from the raw JSON.
// Returns nil if no ID is found or if the message is not a request.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	// Parse raw bytes to extract "id" field
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	// Return the raw ID value (preserves original format: number, string, or null)
	return raw["id"]
}

// ToolCall is the parsed shape of a tools/call request's params, with the
// namespaced name already split into its service and tool parts.
type ToolCall struct {
	// Name is the full namespaced name as sent by the client ("service.tool").
	Name string
	// Service is the catalog service the call targets.
	Service string
	// Tool is the backend-local tool name (may itself contain dots).
	Tool string
	// Arguments holds the call arguments as decoded JSON.
	Arguments map[string]interface{}
	// RawArguments preserves the original arguments bytes for digesting.
	RawArguments json.RawMessage
}

// ToolCall parses the params of a tools/call request. The tool name must be
// namespaced as "service.tool"; an un-namespaced name is an error.
func (m *Message) ToolCall() (*ToolCall, error) {
	req := m.Request()
	if req == nil || req.Method != "tools/call" {
		return nil, fmt.Errorf("not a tools/call request")
	}

	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("parse tools/call params: %w", err)
	}

	service, tool, ok := SplitToolName(params.Name)
	if !ok {
		return nil, fmt.Errorf("tool name %q must be namespaced as service.tool", params.Name)
	}

	tc := &ToolCall{
		Name:         params.Name,
		Service:      service,
		Tool:         tool,
		RawArguments: params.Arguments,
	}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &tc.Arguments); err != nil {
			return nil, fmt.Errorf("parse tool arguments: %w", err)
		}
	}
	return tc, nil
}

// SplitToolName splits a namespaced tool name at the first dot.
// "mock-calendar.create_event" yields ("mock-calendar", "create_event", true);
// the tool part may contain further dots. Returns ok=false when the name has
// no dot or an empty service or tool part.
func SplitToolName(name string) (service, tool string, ok bool) {
	i := strings.Index(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// JoinToolName prefixes a backend-local tool name with its service namespace.
func JoinToolName(service, tool string) string {
	return service + "." + tool
}

// RewriteToolCallName returns a copy of a tools/call request with
// params.name replaced, leaving every other field byte-for-byte intact.
// Used when forwarding a namespaced call to its backend, which only knows
// the un-prefixed name.
func RewriteToolCallName(raw []byte, name string) ([]byte, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(msg["params"], &params); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	quoted, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	params["name"] = quoted
	rewritten, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	msg["params"] = rewritten
	return json.Marshal(msg)
}
