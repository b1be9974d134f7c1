package inprocess

import (
	"context"

	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

// GovernanceEvaluator routes gated-tool evaluations to an in-process
// governance registry.
type GovernanceEvaluator struct {
	registry *service.GovernanceService
}

// NewGovernanceEvaluator wraps a governance registry.
func NewGovernanceEvaluator(registry *service.GovernanceService) *GovernanceEvaluator {
	return &GovernanceEvaluator{registry: registry}
}

// Evaluate runs the instance's approval workflow. Decisions are
// authoritative and never cached.
func (e *GovernanceEvaluator) Evaluate(ctx context.Context, governanceID string, in governance.EvaluateInput) (governance.Decision, error) {
	return e.registry.Evaluate(ctx, governanceID, in)
}

var _ outbound.GovernanceEvaluator = (*GovernanceEvaluator)(nil)
