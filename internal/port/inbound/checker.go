// Package inbound defines the inbound port interfaces of the gateway.
// Inbound adapters (HTTP transport) call these interfaces.
package inbound

import (
	"context"

	"github.com/Sentinel-Gate/toolgate/internal/domain/decision"
)

// Checker is the inbound port of the authorization engine. The gateway
// transport presents every request here before letting it reach the
// aggregator. Implementations must fail closed: any internal error maps
// to a deny, never an allow.
type Checker interface {
	// Check evaluates one request and returns the decision with its
	// upstream and response headers composed.
	Check(ctx context.Context, in decision.Input) decision.Result
}
