// Package outbound defines the outbound port interfaces for the policy
// plane: governance evaluation, bundle distribution, and backend MCP
// services.
package outbound

import (
	"context"

	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
)

// GovernanceEvaluator is the outbound port the decision engine uses to
// consult Service Governance for gated tool calls. Implementations: HTTP
// client against the control plane (prod), in-process registry adapter
// (embedded mode), fakes (tests).
type GovernanceEvaluator interface {
	// Evaluate runs the approval workflow of the governance instance
	// identified by governanceID. The returned decision is authoritative
	// and must not be cached: resolved requests are consumed exactly once.
	Evaluate(ctx context.Context, governanceID string, in governance.EvaluateInput) (governance.Decision, error)
}
