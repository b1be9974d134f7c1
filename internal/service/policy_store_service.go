// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

// GovernanceRegistry is the narrow view of the governance service the
// policy store needs: keeping instance tool mirrors current as bindings
// and the catalog change.
type GovernanceRegistry interface {
	SyncTools(governanceID, service string, tools map[string]policy.Tag)
}

// ExpressionValidator checks CEL matcher expressions before they are
// persisted. Implemented by the cel adapter.
type ExpressionValidator interface {
	ValidateExpression(expression string) error
}

// changeSubscriber is one change-stream consumer. When its buffer
// overflows, the dropped events collapse into a single resync once the
// consumer catches up.
type changeSubscriber struct {
	ch     chan policy.ChangeEvent
	lagged bool
}

// PolicyStore is the authoritative owner of the policy-plane state. All
// mutations serialize on one mutex and persist before they apply, so the
// in-memory state never runs ahead of storage and a failed write leaves
// the operation retryable. BundleData observes pre- or post-mutation
// state, never a partial view.
type PolicyStore struct {
	mu      sync.Mutex
	state   *policy.State
	persist policy.Persistence

	subMu       sync.Mutex
	subscribers map[uint64]*changeSubscriber
	nextSubID   uint64

	registry  GovernanceRegistry
	validator ExpressionValidator
	logger    *slog.Logger
}

// PolicyStoreOption configures PolicyStore.
type PolicyStoreOption func(*PolicyStore)

// WithGovernanceRegistry wires the governance service so attach and
// catalog mutations keep instance tool mirrors in sync.
func WithGovernanceRegistry(registry GovernanceRegistry) PolicyStoreOption {
	return func(s *PolicyStore) {
		s.registry = registry
	}
}

// WithExpressionValidator enables CEL validation of expression matchers
// before rules are persisted.
func WithExpressionValidator(validator ExpressionValidator) PolicyStoreOption {
	return func(s *PolicyStore) {
		s.validator = validator
	}
}

// NewPolicyStore creates the store, loading persisted state when present.
func NewPolicyStore(ctx context.Context, persist policy.Persistence, logger *slog.Logger, opts ...PolicyStoreOption) (*PolicyStore, error) {
	s := &PolicyStore{
		persist:     persist,
		subscribers: make(map[uint64]*changeSubscriber),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	state, err := persist.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy state: %w", err)
	}
	if state == nil {
		state = policy.NewState()
		logger.Info("policy store starting empty")
	} else {
		logger.Info("policy store loaded",
			"revision", state.Revision,
			"services", len(state.Catalog),
			"rules", len(state.AccessRules),
			"revocations", len(state.RevokedSubjects),
		)
	}
	s.state = state

	return s, nil
}

// RegisterService adds a disabled catalog entry if absent. Registering an
// existing service is a no-op.
func (s *PolicyStore) RegisterService(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("service name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Catalog[name]; ok {
		return nil
	}
	return s.commitService(ctx, name, policy.ServiceEntry{Tools: map[string]policy.ToolEntry{}})
}

// EnableService marks a service callable.
func (s *PolicyStore) EnableService(ctx context.Context, name string) error {
	return s.setServiceEnabled(ctx, name, true)
}

// DisableService masks all of a service's tools from decisions.
func (s *PolicyStore) DisableService(ctx context.Context, name string) error {
	return s.setServiceEnabled(ctx, name, false)
}

func (s *PolicyStore) setServiceEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.state.Catalog[name]
	if !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownService, name)
	}
	updated := policy.ServiceEntry{Enabled: enabled, Tools: cloneTools(entry.Tools)}
	return s.commitService(ctx, name, updated)
}

// RemoveService deletes a catalog entry and its governance binding.
func (s *PolicyStore) RemoveService(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Catalog[name]; !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownService, name)
	}

	next := s.state.Revision + 1
	if err := s.persist.DeleteService(ctx, name); err != nil {
		s.logger.Error("failed to persist service removal", "service", name, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.DeleteGovernanceBinding(ctx, name); err != nil {
		s.logger.Error("failed to persist binding removal", "service", name, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	delete(s.state.Catalog, name)
	delete(s.state.GovernanceInstances, name)
	s.state.Revision = next
	s.publishLocked(policy.ChangeCatalog)
	return nil
}

// RegisterTool adds a tool to a service. An empty tag defaults to open.
func (s *PolicyStore) RegisterTool(ctx context.Context, service, tool string, tag policy.Tag) error {
	if tag == "" {
		tag = policy.TagOpen
	}
	if !tag.Valid() {
		return fmt.Errorf("%w: %q", policy.ErrInvalidTag, tag)
	}
	if tool == "" {
		return fmt.Errorf("tool name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.state.Catalog[service]
	if !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownService, service)
	}
	tools := cloneTools(entry.Tools)
	tools[tool] = policy.ToolEntry{Tag: tag}
	return s.commitService(ctx, service, policy.ServiceEntry{Enabled: entry.Enabled, Tools: tools})
}

// SetToolTag changes an existing tool's tag.
func (s *PolicyStore) SetToolTag(ctx context.Context, service, tool string, tag policy.Tag) error {
	if !tag.Valid() {
		return fmt.Errorf("%w: %q", policy.ErrInvalidTag, tag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.state.Catalog[service]
	if !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownService, service)
	}
	if _, ok := entry.Tools[tool]; !ok {
		return fmt.Errorf("%w: %s.%s", policy.ErrUnknownTool, service, tool)
	}
	tools := cloneTools(entry.Tools)
	tools[tool] = policy.ToolEntry{Tag: tag}
	return s.commitService(ctx, service, policy.ServiceEntry{Enabled: entry.Enabled, Tools: tools})
}

// RemoveTool deletes a tool from a service. Removing an absent tool is a
// no-op.
func (s *PolicyStore) RemoveTool(ctx context.Context, service, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.state.Catalog[service]
	if !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownService, service)
	}
	if _, ok := entry.Tools[tool]; !ok {
		return nil
	}
	tools := cloneTools(entry.Tools)
	delete(tools, tool)
	return s.commitService(ctx, service, policy.ServiceEntry{Enabled: entry.Enabled, Tools: tools})
}

// commitService persists a catalog entry plus the bumped revision, applies
// it in memory, re-mirrors governance tools, and publishes the change.
// Callers hold s.mu and pass an entry that shares no maps with the current
// state.
func (s *PolicyStore) commitService(ctx context.Context, name string, entry policy.ServiceEntry) error {
	next := s.state.Revision + 1
	if err := s.persist.SaveService(ctx, name, entry); err != nil {
		s.logger.Error("failed to persist service", "service", name, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	s.state.Catalog[name] = entry
	s.state.Revision = next
	s.syncGovernanceLocked(name)
	s.publishLocked(policy.ChangeCatalog)
	return nil
}

func cloneTools(tools map[string]policy.ToolEntry) map[string]policy.ToolEntry {
	clone := make(map[string]policy.ToolEntry, len(tools))
	for name, te := range tools {
		clone[name] = te
	}
	return clone
}

// syncGovernanceLocked re-mirrors a service's tool tags into its attached
// governance instance so tools added or retagged after attach stay gated.
func (s *PolicyStore) syncGovernanceLocked(service string) {
	if s.registry == nil {
		return
	}
	governanceID, ok := s.state.GovernanceInstances[service]
	if !ok {
		return
	}
	entry := s.state.Catalog[service]
	tools := make(map[string]policy.Tag, len(entry.Tools))
	for name, te := range entry.Tools {
		tools[name] = te.Tag
	}
	s.registry.SyncTools(governanceID, service, tools)
}

// Services returns a deep copy of the catalog.
func (s *PolicyStore) Services(ctx context.Context) policy.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()

	catalog := make(policy.Catalog, len(s.state.Catalog))
	for name, entry := range s.state.Catalog {
		catalog[name] = policy.ServiceEntry{Enabled: entry.Enabled, Tools: cloneTools(entry.Tools)}
	}
	return catalog
}

// AddAccessRule validates and inserts a rule, replacing any rule with the
// same id. A missing id is generated.
func (s *PolicyStore) AddAccessRule(ctx context.Context, rule policy.AccessRule) (policy.AccessRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := rule.Validate(); err != nil {
		return policy.AccessRule{}, err
	}
	// Validate CEL before persisting so an invalid expression cannot poison
	// every later bundle compile.
	if rule.Matcher.Type == policy.MatcherExpression && s.validator != nil {
		if err := s.validator.ValidateExpression(rule.Matcher.Expression); err != nil {
			return policy.AccessRule{}, fmt.Errorf("invalid rule %q: %w", rule.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Revision + 1
	if err := s.persist.SaveRule(ctx, rule); err != nil {
		s.logger.Error("failed to persist rule", "rule_id", rule.ID, "error", err)
		return policy.AccessRule{}, fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return policy.AccessRule{}, fmt.Errorf("persist state: %w", err)
	}
	s.state.AccessRules[rule.ID] = rule
	s.state.Revision = next
	s.publishLocked(policy.ChangeRule)
	return rule, nil
}

// RemoveAccessRule removes a rule. Removing an absent rule is a no-op.
func (s *PolicyStore) RemoveAccessRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.AccessRules[id]; !ok {
		return nil
	}
	next := s.state.Revision + 1
	if err := s.persist.DeleteRule(ctx, id); err != nil {
		s.logger.Error("failed to persist rule removal", "rule_id", id, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	delete(s.state.AccessRules, id)
	s.state.Revision = next
	s.publishLocked(policy.ChangeRule)
	return nil
}

// AccessRules returns all rules sorted by id.
func (s *PolicyStore) AccessRules(ctx context.Context) []policy.AccessRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.BundleData().AccessRules
}

// RevokeSubject adds a subject to the revocation set. Idempotent.
func (s *PolicyStore) RevokeSubject(ctx context.Context, subject string) error {
	if subject == "" {
		return fmt.Errorf("subject is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.RevokedSubjects[subject]; ok {
		return nil
	}
	next := s.state.Revision + 1
	if err := s.persist.SaveRevocation(ctx, subject); err != nil {
		s.logger.Error("failed to persist revocation", "subject", subject, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	s.state.RevokedSubjects[subject] = struct{}{}
	s.state.Revision = next
	s.publishLocked(policy.ChangeRevocation)
	return nil
}

// ReinstateSubject removes a subject from the revocation set. Idempotent.
func (s *PolicyStore) ReinstateSubject(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.RevokedSubjects[subject]; !ok {
		return nil
	}
	next := s.state.Revision + 1
	if err := s.persist.DeleteRevocation(ctx, subject); err != nil {
		s.logger.Error("failed to persist reinstatement", "subject", subject, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	delete(s.state.RevokedSubjects, subject)
	s.state.Revision = next
	s.publishLocked(policy.ChangeRevocation)
	return nil
}

// RevokedSubjects returns the revocation set sorted.
func (s *PolicyStore) RevokedSubjects(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.BundleData().RevokedSubjects
}

// AttachGovernance binds a governance instance to a service and mirrors
// the service's tool tags into it.
func (s *PolicyStore) AttachGovernance(ctx context.Context, service, governanceID string) error {
	if governanceID == "" {
		return fmt.Errorf("governance id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Catalog[service]; !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownService, service)
	}
	next := s.state.Revision + 1
	if err := s.persist.SaveGovernanceBinding(ctx, service, governanceID); err != nil {
		s.logger.Error("failed to persist governance binding", "service", service, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	s.state.GovernanceInstances[service] = governanceID
	s.state.Revision = next
	s.syncGovernanceLocked(service)
	s.publishLocked(policy.ChangeGovernance)
	return nil
}

// DetachGovernance removes a service's governance binding. Detaching a
// service with no binding is a no-op.
func (s *PolicyStore) DetachGovernance(ctx context.Context, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.GovernanceInstances[service]; !ok {
		return nil
	}
	next := s.state.Revision + 1
	if err := s.persist.DeleteGovernanceBinding(ctx, service); err != nil {
		s.logger.Error("failed to persist binding removal", "service", service, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.persist.SaveRevision(ctx, next); err != nil {
		s.logger.Error("failed to persist revision", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	delete(s.state.GovernanceInstances, service)
	s.state.Revision = next
	s.publishLocked(policy.ChangeGovernance)
	return nil
}

// GovernanceBindings returns a copy of the service to instance-id map.
func (s *PolicyStore) GovernanceBindings(ctx context.Context) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	bindings := make(map[string]string, len(s.state.GovernanceInstances))
	for svc, id := range s.state.GovernanceInstances {
		bindings[svc] = id
	}
	return bindings
}

// BundleData returns the consistent snapshot served to bundle builders.
func (s *PolicyStore) BundleData(ctx context.Context) *policy.BundleData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.BundleData()
}

// Revision returns the current change-stream revision.
func (s *PolicyStore) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Revision
}

// Subscribe registers a change-stream consumer with the given buffer.
// Events dropped on overflow collapse into one resync event once the
// consumer drains; consumers recover missed detail by re-reading
// BundleData.
func (s *PolicyStore) Subscribe(buffer int) (uint64, <-chan policy.ChangeEvent) {
	if buffer < 1 {
		buffer = 1
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	sub := &changeSubscriber{ch: make(chan policy.ChangeEvent, buffer)}
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a consumer and closes its channel.
func (s *PolicyStore) Unsubscribe(id uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if sub, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(sub.ch)
	}
}

// publishLocked fans the event out to all subscribers. Callers hold s.mu,
// which keeps per-subscriber revision order monotonic. Sends never block;
// a full buffer marks the subscriber lagged.
func (s *PolicyStore) publishLocked(kind policy.ChangeKind) {
	event := policy.ChangeEvent{Revision: s.state.Revision, Kind: kind}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subscribers {
		if sub.lagged {
			resync := policy.ChangeEvent{Revision: event.Revision, Kind: policy.ChangeResync}
			select {
			case sub.ch <- resync:
				sub.lagged = false
			default:
			}
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.lagged = true
		}
	}
}
