// Package inprocess adapts control-plane services to the gateway's
// outbound ports for single-process deployments: the bundle builder and
// decision engine talk to the policy store and governance registry by
// function call instead of HTTP.
package inprocess

import (
	"context"
	"errors"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

// subscribeBuffer sizes the per-subscriber change channel. Overflow is
// safe: the store collapses missed events into a resync.
const subscribeBuffer = 16

// BundleSource serves bundle data straight from an in-process policy
// store.
type BundleSource struct {
	store *service.PolicyStore
}

// NewBundleSource wraps a policy store.
func NewBundleSource(store *service.PolicyStore) *BundleSource {
	return &BundleSource{store: store}
}

// FetchBundleData returns the store's current snapshot.
func (s *BundleSource) FetchBundleData(ctx context.Context) (*policy.BundleData, error) {
	return s.store.BundleData(ctx), nil
}

// Subscribe relays store change events until ctx is cancelled or the
// store closes the subscription. lastEventID is ignored: an in-process
// stream has no connection gap to resume across, and the caller resyncs
// on every (re)subscribe anyway.
func (s *BundleSource) Subscribe(ctx context.Context, lastEventID string, events chan<- policy.ChangeEvent) error {
	id, ch := s.store.Subscribe(subscribeBuffer)
	defer s.store.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return errors.New("policy store subscription closed")
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

var _ outbound.BundleSource = (*BundleSource)(nil)
