package service

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
)

const (
	// DefaultDebounce coalesces rapid successive change events into one
	// rebuild.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultReconcileInterval is how often the builder refetches even
	// while the change stream looks healthy.
	DefaultReconcileInterval = 30 * time.Second
	// DefaultBackoffMin is the first redial delay after a stream drop.
	DefaultBackoffMin = time.Second
	// DefaultBackoffMax caps the redial delay.
	DefaultBackoffMax = 30 * time.Second

	// changeBuffer sizes the event channel between the stream and the
	// rebuild loop.
	changeBuffer = 16
)

// Rebuild trigger labels.
const (
	triggerInitial   = "initial"
	triggerChange    = "change"
	triggerReconcile = "reconcile"
)

// SnapshotCache persists the last published bundle so a restart can serve
// immediately while the control plane is down. Implemented by the snapshot
// file cache.
type SnapshotCache interface {
	Load() (*policy.Bundle, error)
	Save(bundle *policy.Bundle) error
}

// BundleService owns the bundle lifecycle: bootstrap, change-stream
// subscription with reconnect, debounced rebuilds, periodic
// reconciliation, and atomic publication. Readers take the current
// snapshot through one atomic pointer load and never see a partial
// bundle.
type BundleService struct {
	source  outbound.BundleSource
	cache   SnapshotCache
	logger  *slog.Logger
	metrics *observability.Metrics

	governanceURL string
	bundleToken   string

	current  atomic.Value // *policy.Bundle
	lastSync atomic.Int64 // unix nanos of the last successful fetch

	debounce   time.Duration
	reconcile  time.Duration
	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.Mutex
	onPublish []func(*policy.Bundle)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// BundleOption configures BundleService.
type BundleOption func(*BundleService)

// WithSnapshotCache persists published bundles and reloads them at boot.
func WithSnapshotCache(cache SnapshotCache) BundleOption {
	return func(s *BundleService) {
		s.cache = cache
	}
}

// WithGovernanceConnection sets the evaluator URL and bundle token
// attached to every published bundle.
func WithGovernanceConnection(url, token string) BundleOption {
	return func(s *BundleService) {
		s.governanceURL = url
		s.bundleToken = token
	}
}

// WithDebounce overrides the rebuild coalesce window.
func WithDebounce(d time.Duration) BundleOption {
	return func(s *BundleService) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithReconcileInterval overrides the periodic reconciliation fetch.
func WithReconcileInterval(d time.Duration) BundleOption {
	return func(s *BundleService) {
		if d > 0 {
			s.reconcile = d
		}
	}
}

// WithBackoff overrides the stream redial delay bounds.
func WithBackoff(min, max time.Duration) BundleOption {
	return func(s *BundleService) {
		if min > 0 {
			s.backoffMin = min
		}
		if max >= min && max > 0 {
			s.backoffMax = max
		}
	}
}

// WithOnPublish registers a hook called after each publication with the
// new snapshot. Used by the decision engine to recompile its rule index.
func WithOnPublish(fn func(*policy.Bundle)) BundleOption {
	return func(s *BundleService) {
		s.onPublish = append(s.onPublish, fn)
	}
}

// WithMetrics records rebuild counts and the published revision. The
// trigger label is only visible inside the rebuild loop, so the service
// records these two itself.
func WithMetrics(m *observability.Metrics) BundleOption {
	return func(s *BundleService) {
		s.metrics = m
	}
}

// NewBundleService creates the service without starting the loop.
func NewBundleService(source outbound.BundleSource, logger *slog.Logger, opts ...BundleOption) *BundleService {
	s := &BundleService{
		source:     source,
		logger:     logger,
		debounce:   DefaultDebounce,
		reconcile:  DefaultReconcileInterval,
		backoffMin: DefaultBackoffMin,
		backoffMax: DefaultBackoffMax,
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start bootstraps the bundle and launches the subscription loop. A
// failed bootstrap is not fatal: the service serves the cached snapshot
// when one exists, otherwise Current stays nil and the decision engine
// fails closed until the first successful rebuild.
func (s *BundleService) Start(ctx context.Context) {
	if s.cache != nil {
		if cached, err := s.cache.Load(); err != nil {
			s.logger.Warn("failed to load bundle snapshot", "error", err)
		} else if cached != nil {
			s.publish(cached, false)
			s.logger.Info("bundle restored from snapshot", "revision", cached.Revision)
		}
	}

	if !s.rebuild(ctx, triggerInitial) && s.Current() == nil {
		s.logger.Warn("starting without a bundle, denying all tool calls until the control plane is reachable")
	}

	s.wg.Add(1)
	go s.run(ctx)
}

// Current returns the published snapshot, or nil before bootstrap.
func (s *BundleService) Current() *policy.Bundle {
	if bundle, ok := s.current.Load().(*policy.Bundle); ok {
		return bundle
	}
	return nil
}

// LastSync returns when the control plane last answered a fetch. Zero
// until the first success; the bundler health endpoint derives staleness
// from it.
func (s *BundleService) LastSync() time.Time {
	nanos := s.lastSync.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Stop terminates the loop and waits for it to exit.
func (s *BundleService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// run owns the subscription lifecycle. One select loop consumes stream
// events, the debounce timer, and the reconcile ticker, so rebuilds never
// race each other.
func (s *BundleService) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.backoffMin
	reconcile := time.NewTicker(s.reconcile)
	defer reconcile.Stop()

	for {
		events := make(chan policy.ChangeEvent, changeBuffer)
		streamCtx, cancelStream := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- s.source.Subscribe(streamCtx, s.resumeID(), events)
		}()

		var debounceC <-chan time.Time
	stream:
		for {
			select {
			case <-ctx.Done():
				cancelStream()
				<-done
				return
			case <-s.stopChan:
				cancelStream()
				<-done
				return
			case ev := <-events:
				// A live stream resets the redial backoff.
				backoff = s.backoffMin
				if ev.Kind == policy.ChangeResync {
					s.logger.Info("change stream requested resync", "revision", ev.Revision)
				}
				debounceC = time.After(s.debounce)
			case <-debounceC:
				debounceC = nil
				s.rebuild(ctx, triggerChange)
			case <-reconcile.C:
				s.rebuild(ctx, triggerReconcile)
			case err := <-done:
				s.logger.Warn("change stream ended, reconnecting",
					"error", err,
					"backoff", backoff.String(),
				)
				break stream
			}
		}
		cancelStream()

		// The gap may have swallowed events; resync unconditionally.
		s.rebuild(ctx, triggerReconcile)

		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

// resumeID is the Last-Event-ID presented on (re)subscription: the last
// revision folded into the published bundle.
func (s *BundleService) resumeID() string {
	bundle := s.Current()
	if bundle == nil {
		return ""
	}
	return strconv.FormatUint(bundle.Revision, 10)
}

// rebuild fetches the latest policy data and publishes a fresh snapshot.
// An unchanged revision refreshes the sync timestamp without churning the
// pointer. Returns true when the fetch succeeded.
func (s *BundleService) rebuild(ctx context.Context, trigger string) bool {
	data, err := s.source.FetchBundleData(ctx)
	if err != nil {
		s.logger.Error("failed to fetch bundle data", "error", err)
		return false
	}
	s.lastSync.Store(time.Now().UnixNano())
	if s.metrics != nil {
		s.metrics.BundleRebuildsTotal.WithLabelValues(trigger).Inc()
	}

	if current := s.Current(); current != nil && current.Revision == data.Revision {
		return true
	}

	bundle := &policy.Bundle{
		BundleData:    *data,
		GovernanceURL: s.governanceURL,
		BundleToken:   s.bundleToken,
		BuiltAt:       time.Now().UTC(),
	}
	s.publish(bundle, true)
	s.logger.Info("bundle published",
		"revision", bundle.Revision,
		"services", len(bundle.Catalog),
		"rules", len(bundle.AccessRules),
		"revocations", len(bundle.RevokedSubjects),
	)
	return true
}

// publish swaps the current pointer, notifies hooks, and optionally
// persists the snapshot.
func (s *BundleService) publish(bundle *policy.Bundle, persist bool) {
	s.current.Store(bundle)
	if s.metrics != nil {
		s.metrics.BundleRevision.Set(float64(bundle.Revision))
	}

	s.mu.Lock()
	hooks := make([]func(*policy.Bundle), len(s.onPublish))
	copy(hooks, s.onPublish)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(bundle)
	}

	if persist && s.cache != nil {
		if err := s.cache.Save(bundle); err != nil {
			s.logger.Warn("failed to persist bundle snapshot", "error", err)
		}
	}
}
