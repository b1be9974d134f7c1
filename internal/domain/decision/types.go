// Package decision defines the request-check contract of the gateway's
// authorization engine: request classification, allow/deny results, and
// the headers that carry them between edge, engine, and aggregator.
package decision

import (
	"net/http"

	"github.com/Sentinel-Gate/toolgate/pkg/mcp"
)

// Class is the coarse shape of an incoming request, which picks the
// authorization path it takes.
type Class string

const (
	// ClassStreamSetup is a GET stream open (or an unparseable body,
	// which falls back here and is allowed once authenticated).
	ClassStreamSetup Class = "stream-setup"
	// ClassMetaCall is any JSON-RPC method other than tools/call.
	ClassMetaCall Class = "meta-call"
	// ClassToolCall is a namespaced tools/call invocation.
	ClassToolCall Class = "tool-call"
)

// Input is one HTTP request presented for an authorization check.
type Input struct {
	// Method is the HTTP method.
	Method string
	// Path is the request path.
	Path string
	// Headers carries the request headers, including Authorization
	// and Mcp-Session-Id.
	Headers http.Header
	// Body is the raw request body.
	Body []byte
}

// Result is the outcome of one authorization check.
type Result struct {
	// Allowed is true when the request may proceed to the aggregator.
	Allowed bool
	// Status is the HTTP status to return when Allowed is false.
	Status int
	// Reason is surfaced to the client in the x-authz-reason header.
	Reason string
	// Class records how the request was classified.
	Class Class
	// Subject is the resolved caller identity, when one was extracted.
	Subject string
	// Service and Tool identify a tool-call's target, empty otherwise.
	Service string
	Tool    string
	// RequestID is the governance request id on a pending decision.
	RequestID string
	// UpstreamHeaders are added to the request before it reaches the
	// aggregator.
	UpstreamHeaders map[string]string
	// ResponseHeaders are returned to the client on both allow and deny.
	ResponseHeaders map[string]string
}

// Allow builds a passing result.
func Allow(class Class) Result {
	return Result{
		Allowed:         true,
		Status:          http.StatusOK,
		Reason:          ReasonAllowed,
		Class:           class,
		UpstreamHeaders: make(map[string]string),
		ResponseHeaders: make(map[string]string),
	}
}

// Deny builds a failing result with the given HTTP status and reason.
func Deny(class Class, status int, reason string) Result {
	return Result{
		Allowed:         false,
		Status:          status,
		Reason:          reason,
		Class:           class,
		UpstreamHeaders: make(map[string]string),
		ResponseHeaders: make(map[string]string),
	}
}

// Classified is the outcome of request classification.
type Classified struct {
	// Class is the request class.
	Class Class
	// Method is the JSON-RPC method when the body parsed, "" otherwise.
	Method string
	// Call is the parsed tool call for ClassToolCall, nil otherwise.
	Call *mcp.ToolCall
}

// Classify buckets one request into stream-setup, meta-call, or tool-call.
//
// GET requests with an empty body open a stream. Bodies that fail to parse
// as JSON-RPC also classify as stream-setup; authentication still applies,
// so nothing unauthenticated slips through. A tools/call whose params.name
// is not namespaced as service.tool returns an error.
func Classify(httpMethod string, body []byte) (Classified, error) {
	if httpMethod == http.MethodGet && len(body) == 0 {
		return Classified{Class: ClassStreamSetup}, nil
	}

	msg, err := mcp.WrapMessage(body, mcp.ClientToServer)
	if err != nil {
		return Classified{Class: ClassStreamSetup}, nil
	}

	method := msg.Method()
	if method != "tools/call" {
		return Classified{Class: ClassMetaCall, Method: method}, nil
	}

	call, err := msg.ToolCall()
	if err != nil {
		return Classified{Class: ClassToolCall, Method: method}, err
	}
	return Classified{Class: ClassToolCall, Method: method, Call: call}, nil
}
