package policy

import (
	"context"
	"sort"
)

// State is the authoritative mutable policy-plane state owned by the Policy
// Store singleton. All mutations serialize on the store; State itself is not
// safe for concurrent use.
type State struct {
	Catalog             Catalog
	AccessRules         map[string]AccessRule
	RevokedSubjects     map[string]struct{}
	GovernanceInstances map[string]string
	Revision            uint64
}

// NewState returns an empty state at revision zero.
func NewState() *State {
	return &State{
		Catalog:             make(Catalog),
		AccessRules:         make(map[string]AccessRule),
		RevokedSubjects:     make(map[string]struct{}),
		GovernanceInstances: make(map[string]string),
	}
}

// BundleData derives the consistent snapshot served to the bundle builder.
// Rules and revocations come out sorted so equal states serialize equally.
func (s *State) BundleData() *BundleData {
	catalog := make(Catalog, len(s.Catalog))
	for name, entry := range s.Catalog {
		tools := make(map[string]ToolEntry, len(entry.Tools))
		for t, te := range entry.Tools {
			tools[t] = te
		}
		catalog[name] = ServiceEntry{Enabled: entry.Enabled, Tools: tools}
	}

	rules := make([]AccessRule, 0, len(s.AccessRules))
	for _, r := range s.AccessRules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	revoked := make([]string, 0, len(s.RevokedSubjects))
	for subject := range s.RevokedSubjects {
		revoked = append(revoked, subject)
	}
	sort.Strings(revoked)

	instances := make(map[string]string, len(s.GovernanceInstances))
	for svc, id := range s.GovernanceInstances {
		instances[svc] = id
	}

	return &BundleData{
		Revision:            s.Revision,
		Catalog:             catalog,
		AccessRules:         rules,
		RevokedSubjects:     revoked,
		GovernanceInstances: instances,
	}
}

// Persistence stores the policy-plane state across restarts. The store
// writes through on each mutation; because mutations serialize on the
// singleton, implementations never see interleaved writes.
type Persistence interface {
	// Load returns the persisted state, or nil when nothing was persisted yet.
	Load(ctx context.Context) (*State, error)
	// SaveService upserts one catalog entry.
	SaveService(ctx context.Context, name string, entry ServiceEntry) error
	// DeleteService removes a catalog entry.
	DeleteService(ctx context.Context, name string) error
	// SaveRule upserts one access rule.
	SaveRule(ctx context.Context, rule AccessRule) error
	// DeleteRule removes an access rule by id.
	DeleteRule(ctx context.Context, id string) error
	// SaveRevocation adds a subject to the revocation set.
	SaveRevocation(ctx context.Context, subject string) error
	// DeleteRevocation removes a subject from the revocation set.
	DeleteRevocation(ctx context.Context, subject string) error
	// SaveGovernanceBinding upserts a service's governance instance id.
	SaveGovernanceBinding(ctx context.Context, service, governanceID string) error
	// DeleteGovernanceBinding removes a service's governance binding.
	DeleteGovernanceBinding(ctx context.Context, service string) error
	// SaveRevision records the current change-stream revision.
	SaveRevision(ctx context.Context, revision uint64) error
	// Close releases the underlying storage.
	Close() error
}
