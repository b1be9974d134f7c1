package decision

import "fmt"

// Headers added to the request on its way to the aggregator.
const (
	HeaderUserID          = "x-user-id"
	HeaderService         = "x-mcp-service"
	HeaderBundleRevision  = "x-bundle-revision"
	HeaderGrantedServices = "x-granted-services"
)

// Headers returned to the client alongside the decision.
const (
	HeaderAuthzReason = "x-authz-reason"
	HeaderRequestID   = "x-request-id"
	HeaderRetryAfter  = "retry-after"
)

// RetryAfterSeconds is the advisory retry interval sent with pending
// decisions.
const RetryAfterSeconds = "30"

// Fixed reason strings surfaced in x-authz-reason.
const (
	ReasonAllowed           = "allowed"
	ReasonMissingToken      = "missing/invalid token"
	ReasonNotInCatalog      = "Service/tool not in catalog"
	ReasonNoRule            = "User not authorized by any rule"
	ReasonPolicyUnreachable = "policy unreachable"
	ReasonNoBundle          = "policy bundle not loaded"
)

// ReasonRevoked names the revoked subject.
func ReasonRevoked(subject string) string {
	return fmt.Sprintf("User '%s' is revoked", subject)
}

// ReasonPending carries the governance request id awaiting approval.
func ReasonPending(requestID string) string {
	return "Gated tool pending: " + requestID
}

// ReasonDenied carries the governance denial message.
func ReasonDenied(message string) string {
	return "Gated tool denied: " + message
}

// ReasonNoGovernance marks a gated tool whose service has no governance
// instance bound.
func ReasonNoGovernance(service string) string {
	return fmt.Sprintf("No governance instance for service '%s'", service)
}
