package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC 2.0 error codes used by the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the message content.
// This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message struct
// with the specified direction and current timestamp.
//
// If decoding fails, returns an error. For passthrough scenarios where
// the raw bytes should be preserved even on decode failure, callers can
// construct a Message manually.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// NewErrorResponse builds the wire bytes of a JSON-RPC error response.
// The id is echoed verbatim when present; a nil id is omitted so the
// response stays valid for requests whose id could not be recovered.
func NewErrorResponse(id json.RawMessage, code int, message string) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	if len(id) > 0 {
		resp["id"] = id
	}
	data, _ := json.Marshal(resp)
	return data
}
