package memory

import (
	"context"
	"sync"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

// PolicyPersistence implements policy.Persistence with in-memory maps.
// State written through it survives for the process lifetime only; the
// sqlite adapter covers restarts. Useful for tests and ephemeral deployments.
type PolicyPersistence struct {
	mu      sync.Mutex
	touched bool
	state   *policy.State
}

// NewPolicyPersistence creates an empty in-memory persistence.
func NewPolicyPersistence() *PolicyPersistence {
	return &PolicyPersistence{state: policy.NewState()}
}

// Load returns a deep copy of the persisted state, or nil when no write
// has happened yet.
func (p *PolicyPersistence) Load(ctx context.Context) (*policy.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.touched {
		return nil, nil
	}
	return copyState(p.state), nil
}

// SaveService upserts one catalog entry.
func (p *PolicyPersistence) SaveService(ctx context.Context, name string, entry policy.ServiceEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tools := make(map[string]policy.ToolEntry, len(entry.Tools))
	for t, te := range entry.Tools {
		tools[t] = te
	}
	p.state.Catalog[name] = policy.ServiceEntry{Enabled: entry.Enabled, Tools: tools}
	p.touched = true
	return nil
}

// DeleteService removes a catalog entry.
func (p *PolicyPersistence) DeleteService(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.state.Catalog, name)
	p.touched = true
	return nil
}

// SaveRule upserts one access rule.
func (p *PolicyPersistence) SaveRule(ctx context.Context, rule policy.AccessRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.AccessRules[rule.ID] = rule
	p.touched = true
	return nil
}

// DeleteRule removes an access rule by id.
func (p *PolicyPersistence) DeleteRule(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.state.AccessRules, id)
	p.touched = true
	return nil
}

// SaveRevocation adds a subject to the revocation set.
func (p *PolicyPersistence) SaveRevocation(ctx context.Context, subject string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.RevokedSubjects[subject] = struct{}{}
	p.touched = true
	return nil
}

// DeleteRevocation removes a subject from the revocation set.
func (p *PolicyPersistence) DeleteRevocation(ctx context.Context, subject string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.state.RevokedSubjects, subject)
	p.touched = true
	return nil
}

// SaveGovernanceBinding upserts a service's governance instance id.
func (p *PolicyPersistence) SaveGovernanceBinding(ctx context.Context, service, governanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.GovernanceInstances[service] = governanceID
	p.touched = true
	return nil
}

// DeleteGovernanceBinding removes a service's governance binding.
func (p *PolicyPersistence) DeleteGovernanceBinding(ctx context.Context, service string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.state.GovernanceInstances, service)
	p.touched = true
	return nil
}

// SaveRevision records the current change-stream revision.
func (p *PolicyPersistence) SaveRevision(ctx context.Context, revision uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Revision = revision
	p.touched = true
	return nil
}

// Close releases nothing; it exists to satisfy policy.Persistence.
func (p *PolicyPersistence) Close() error {
	return nil
}

func copyState(s *policy.State) *policy.State {
	out := policy.NewState()
	out.Revision = s.Revision
	for name, entry := range s.Catalog {
		tools := make(map[string]policy.ToolEntry, len(entry.Tools))
		for t, te := range entry.Tools {
			tools[t] = te
		}
		out.Catalog[name] = policy.ServiceEntry{Enabled: entry.Enabled, Tools: tools}
	}
	for id, rule := range s.AccessRules {
		out.AccessRules[id] = rule
	}
	for subject := range s.RevokedSubjects {
		out.RevokedSubjects[subject] = struct{}{}
	}
	for svc, id := range s.GovernanceInstances {
		out.GovernanceInstances[svc] = id
	}
	return out
}

// Compile-time interface verification.
var _ policy.Persistence = (*PolicyPersistence)(nil)
