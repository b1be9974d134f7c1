package outbound

import (
	"context"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

// BundleSource is the outbound port the bundle builder pulls policy state
// through. Implementations: HTTP client against the control plane (prod),
// in-process store adapter (embedded mode), fakes (tests).
type BundleSource interface {
	// FetchBundleData retrieves the current full policy snapshot.
	FetchBundleData(ctx context.Context) (*policy.BundleData, error)

	// Subscribe opens the change stream and delivers events to the channel
	// until ctx is cancelled or the stream breaks. lastEventID resumes an
	// earlier stream position when non-empty. Subscribe returns the error
	// that ended the stream; reconnect policy belongs to the caller, which
	// must treat any reconnect as a missed-events signal and resync via
	// FetchBundleData.
	Subscribe(ctx context.Context, lastEventID string, events chan<- policy.ChangeEvent) error
}
