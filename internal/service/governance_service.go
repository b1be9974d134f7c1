package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

const (
	// DefaultSweepInterval is how often the sweeper expires over-deadline
	// pendings and garbage-collects consumed requests.
	DefaultSweepInterval = 10 * time.Minute
	// DefaultRetention is how long consumed requests stay inspectable.
	DefaultRetention = 24 * time.Hour
	// DefaultMaxTerminal caps retained consumed requests per instance.
	DefaultMaxTerminal = 1000
)

// InstanceSummary is the admin-facing view of one governance instance.
type InstanceSummary struct {
	ID          string `json:"id"`
	Service     string `json:"service"`
	Description string `json:"description,omitempty"`
	Tools       int    `json:"tools"`
	Pending     int    `json:"pending"`
}

// GovernanceService owns all governance instances, one per governed
// backend service. Instances hold approval state in memory; bindings are
// persisted by the policy store and instances are recreated (empty) from
// them at boot. A background sweeper expires over-deadline pendings and
// evicts old consumed requests.
type GovernanceService struct {
	mu        sync.RWMutex
	instances map[string]*governance.Instance
	logger    *slog.Logger

	sweepInterval   time.Duration
	retention       time.Duration
	maxTerminal     int
	defaultDeadline time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// GovernanceOption configures GovernanceService.
type GovernanceOption func(*GovernanceService)

// WithSweepInterval overrides how often the sweeper runs.
func WithSweepInterval(d time.Duration) GovernanceOption {
	return func(s *GovernanceService) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithRetention overrides how long consumed requests are retained.
func WithRetention(d time.Duration) GovernanceOption {
	return func(s *GovernanceService) {
		s.retention = d
	}
}

// WithMaxTerminal overrides the retained consumed-request cap per instance.
func WithMaxTerminal(n int) GovernanceOption {
	return func(s *GovernanceService) {
		s.maxTerminal = n
	}
}

// WithApprovalDeadline overrides the pending-approval deadline applied to
// newly created instances. Existing instances keep their own deadline.
func WithApprovalDeadline(d time.Duration) GovernanceOption {
	return func(s *GovernanceService) {
		if d > 0 {
			s.defaultDeadline = d
		}
	}
}

// NewGovernanceService creates an empty registry.
func NewGovernanceService(logger *slog.Logger, opts ...GovernanceOption) *GovernanceService {
	s := &GovernanceService{
		instances:       make(map[string]*governance.Instance),
		logger:          logger,
		sweepInterval:   DefaultSweepInterval,
		retention:       DefaultRetention,
		maxTerminal:     DefaultMaxTerminal,
		defaultDeadline: governance.DefaultDeadline,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore recreates instances from persisted bindings at boot. Approval
// state is not persisted, so restored instances start with no requests;
// their tool mirrors come from the catalog.
func (s *GovernanceService) Restore(bindings map[string]string, catalog policy.Catalog) {
	for svc, id := range bindings {
		tools := make(map[string]policy.Tag)
		if entry, ok := catalog[svc]; ok {
			for name, te := range entry.Tools {
				tools[name] = te.Tag
			}
		}
		s.SyncTools(id, svc, tools)
	}
	if len(bindings) > 0 {
		s.logger.Info("governance instances restored", "count", len(bindings))
	}
}

// SyncTools creates the instance on first use and replaces its catalog
// mirror. Called by the policy store on attach and on every catalog
// mutation of a bound service, so tools added or retagged after attach
// stay gated.
func (s *GovernanceService) SyncTools(governanceID, service string, tools map[string]policy.Tag) {
	s.mu.Lock()
	inst, ok := s.instances[governanceID]
	if !ok {
		inst = governance.NewInstance(governanceID, service)
		inst.SetDeadline(s.defaultDeadline)
		s.instances[governanceID] = inst
		s.logger.Info("governance instance created", "governance_id", governanceID, "service", service)
	}
	s.mu.Unlock()

	if inst.Service() != service {
		s.logger.Warn("governance instance bound to another service, sync skipped",
			"governance_id", governanceID,
			"bound_service", inst.Service(),
			"requested_service", service,
		)
		return
	}
	inst.SetTools(tools)
}

// Instance returns the instance for an id.
func (s *GovernanceService) Instance(id string) (*governance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", governance.ErrUnknownInstance, id)
	}
	return inst, nil
}

// List returns summaries of all instances sorted by service name.
func (s *GovernanceService) List() []InstanceSummary {
	s.mu.RLock()
	instances := make([]*governance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.RUnlock()

	out := make([]InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, InstanceSummary{
			ID:          inst.ID(),
			Service:     inst.Service(),
			Description: inst.Description(),
			Tools:       len(inst.ToolConfigs()),
			Pending:     len(inst.PendingRequests()),
		})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Service != out[b].Service {
			return out[a].Service < out[b].Service
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Evaluate routes one gated tool call to its instance.
func (s *GovernanceService) Evaluate(ctx context.Context, id string, in governance.EvaluateInput) (governance.Decision, error) {
	inst, err := s.Instance(id)
	if err != nil {
		return governance.Decision{}, err
	}
	decision := inst.Evaluate(in)
	s.logger.Info("governance evaluated",
		"governance_id", id,
		"tool", in.Tool,
		"caller", in.Caller,
		"decision", decision.Decision,
		"request_id", decision.RequestID,
	)
	return decision, nil
}

// Approve transitions a pending request to approved.
func (s *GovernanceService) Approve(ctx context.Context, id, requestID, approver string) error {
	inst, err := s.Instance(id)
	if err != nil {
		return err
	}
	if err := inst.Approve(requestID, approver); err != nil {
		return err
	}
	s.logger.Info("request approved", "governance_id", id, "request_id", requestID, "approver", approver)
	return nil
}

// Deny transitions a pending request to denied.
func (s *GovernanceService) Deny(ctx context.Context, id, requestID, approver, reason string) error {
	inst, err := s.Instance(id)
	if err != nil {
		return err
	}
	if err := inst.Deny(requestID, approver, reason); err != nil {
		return err
	}
	s.logger.Info("request denied", "governance_id", id, "request_id", requestID, "approver", approver)
	return nil
}

// Requests returns an instance's requests filtered by status; empty status
// returns everything.
func (s *GovernanceService) Requests(id string, status governance.Status) ([]governance.PendingRequest, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	inst, err := s.Instance(id)
	if err != nil {
		return nil, err
	}
	return inst.Requests(status), nil
}

// ToolConfigs returns an instance's per-tool governance settings.
func (s *GovernanceService) ToolConfigs(id string) ([]governance.ToolConfig, error) {
	inst, err := s.Instance(id)
	if err != nil {
		return nil, err
	}
	return inst.ToolConfigs(), nil
}

// AddConstraint appends a parameter constraint to an instance's tool.
func (s *GovernanceService) AddConstraint(id string, c governance.Constraint) error {
	inst, err := s.Instance(id)
	if err != nil {
		return err
	}
	return inst.AddConstraint(c)
}

// ClearConstraints removes all constraints for a tool.
func (s *GovernanceService) ClearConstraints(id, tool string) error {
	inst, err := s.Instance(id)
	if err != nil {
		return err
	}
	inst.ClearConstraints(tool)
	return nil
}

// SetApprovalRequired toggles whether a tool needs an admin decision once
// its constraints pass.
func (s *GovernanceService) SetApprovalRequired(id, tool string, required bool) error {
	inst, err := s.Instance(id)
	if err != nil {
		return err
	}
	inst.SetApprovalRequired(tool, required)
	return nil
}

// SetDeadline changes an instance's pending-approval deadline.
func (s *GovernanceService) SetDeadline(id string, d time.Duration) error {
	inst, err := s.Instance(id)
	if err != nil {
		return err
	}
	inst.SetDeadline(d)
	return nil
}

// SetDescription updates an instance's operator-facing description.
func (s *GovernanceService) SetDescription(id, description string) error {
	inst, err := s.Instance(id)
	if err != nil {
		return err
	}
	inst.SetDescription(description)
	return nil
}

// StartSweeper launches the background sweep loop. Stop with Stop or by
// cancelling ctx.
func (s *GovernanceService) StartSweeper(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}()
}

func (s *GovernanceService) sweep() {
	s.mu.RLock()
	instances := make([]*governance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.RUnlock()

	var expired, removed int
	for _, inst := range instances {
		e, r := inst.Sweep(s.retention, s.maxTerminal)
		expired += e
		removed += r
	}
	if expired > 0 || removed > 0 {
		s.logger.Info("governance sweep", "expired", expired, "removed", removed)
	}
}

// Stop terminates the sweeper and waits for it to exit.
func (s *GovernanceService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
