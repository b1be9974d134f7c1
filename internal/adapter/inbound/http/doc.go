// Package http is the gateway's inbound transport, following the MCP
// Streamable HTTP specification (2025-06-18). Agents connect here; every
// request passes the authorization check before it can reach the
// aggregated backends.
//
// # Usage
//
// Create and start the transport over an aggregator and a checker:
//
//	transport := http.NewHTTPTransport(aggregator, checker,
//	    http.WithAddr(":8000"),
//	    http.WithAdminToken(hash),
//	    http.WithIssuerURL("http://localhost:8080/realms/dev"),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /mcp     - JSON-RPC request/response (initialize, tools/list,
//	                tools/call, ping); notifications answer 202
//	GET /mcp      - merged SSE stream of all backend streams
//	DELETE /mcp   - terminate the session on every backend
//	OPTIONS /mcp  - CORS preflight
//
//	GET /health   - liveness with backend roster and session count
//	GET /metrics  - Prometheus scrape endpoint
//
//	GET /.well-known/oauth-protected-resource   - RFC 9728 metadata
//	GET /.well-known/oauth-authorization-server - issuer relay
//
//	GET /backends, POST /backends, DELETE /backends/{name}
//	              - runtime backend registry, admin token required
//
// # Headers
//
//	Authorization: Bearer <jwt>    - caller identity (checked per request)
//	Mcp-Session-Id: <id>           - session identifier after initialize
//	x-authz-reason                 - decision reason on every response
//	x-request-id, retry-after      - returned with pending decisions
//
// # Authorization
//
// The decision middleware classifies each request, resolves the caller
// from the bearer token, and walks the policy layers. Denials carry the
// decision's HTTP status with a JSON error body; allowed requests are
// forwarded with identity and grant headers for the aggregator.
package http
