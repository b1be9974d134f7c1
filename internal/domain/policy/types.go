// Package policy contains the domain types for the tool-access policy plane:
// the service catalog, access rules, revocations, and the immutable bundle
// snapshot consumed by decision engines.
package policy

import "time"

// Tag classifies a catalog tool. Open tools need only catalog and
// access-rule approval; gated tools additionally require a Service
// Governance decision.
type Tag string

const (
	// TagOpen marks a tool callable once an access rule grants it.
	TagOpen Tag = "open"
	// TagGated marks a tool that suspends into the approval workflow.
	TagGated Tag = "gated"
)

// Valid reports whether the tag is one of the two known values.
func (t Tag) Valid() bool {
	return t == TagOpen || t == TagGated
}

// ToolEntry is a single tool within a catalog service.
type ToolEntry struct {
	Tag Tag `json:"tag"`
}

// ServiceEntry is one service in the catalog. A disabled service masks all
// of its tools from the decision engine.
type ServiceEntry struct {
	Enabled bool                 `json:"enabled"`
	Tools   map[string]ToolEntry `json:"tools"`
}

// Catalog maps service names to their entries.
type Catalog map[string]ServiceEntry

// Lookup returns the tag for service.tool. The second result is false when
// the service is missing, disabled, or does not carry the tool.
func (c Catalog) Lookup(service, tool string) (Tag, bool) {
	entry, ok := c[service]
	if !ok || !entry.Enabled {
		return "", false
	}
	te, ok := entry.Tools[tool]
	if !ok {
		return "", false
	}
	return te.Tag, true
}

// MatcherType discriminates the access-rule matcher variants.
type MatcherType string

const (
	// MatcherClaims fires when every required claim is present in the JWT.
	MatcherClaims MatcherType = "claims"
	// MatcherIdentity fires on a literal subject match.
	MatcherIdentity MatcherType = "identity"
	// MatcherExpression fires when a CEL program over the caller evaluates
	// to true. Programs are compiled once per bundle publication.
	MatcherExpression MatcherType = "expression"
)

// Matcher selects which callers an access rule applies to. Exactly the
// fields for its Type are set.
type Matcher struct {
	Type       MatcherType       `json:"type"`
	Claims     map[string]string `json:"claims,omitempty"`
	Identity   string            `json:"identity,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

// Allow is the grant attached to an access rule. Lists match by exact name
// or the wildcard "*".
type Allow struct {
	Services []string `json:"services"`
	Tools    []string `json:"tools"`
}

// AccessRule couples a matcher with an allow-list. Rules compose by OR
// across the rule set; there is no deny-override class.
type AccessRule struct {
	ID      string  `json:"id"`
	Matcher Matcher `json:"matcher"`
	Allow   Allow   `json:"allow"`
}

// BundleData is the policy-plane state returned by the control plane's
// bundle-data endpoint: everything a decision engine needs except the
// governance connection details attached by the bundle builder.
type BundleData struct {
	Revision            uint64            `json:"revision"`
	Catalog             Catalog           `json:"catalog"`
	AccessRules         []AccessRule      `json:"access_rules"`
	RevokedSubjects     []string          `json:"revoked_subjects"`
	GovernanceInstances map[string]string `json:"governance_instances"`
}

// Bundle is the immutable snapshot published to decision engines. Once
// published it is never mutated; readers observe a consistent copy behind
// an atomic pointer.
type Bundle struct {
	BundleData
	GovernanceURL string    `json:"governance_evaluator_url"`
	BundleToken   string    `json:"bundle_token"`
	BuiltAt       time.Time `json:"built_at"`
}

// ChangeKind names what a change-stream event touched.
type ChangeKind string

const (
	ChangeCatalog    ChangeKind = "catalog"
	ChangeRule       ChangeKind = "rule"
	ChangeRevocation ChangeKind = "revocation"
	ChangeGovernance ChangeKind = "governance"
	// ChangeResync asks subscribers to re-read the full bundle data, used
	// when a subscriber may have missed events.
	ChangeResync ChangeKind = "resync"
)

// ChangeEvent is one entry on the policy change stream. Events carry the
// revision they produced, not the data itself; subscribers re-fetch.
type ChangeEvent struct {
	Revision uint64     `json:"revision"`
	Kind     ChangeKind `json:"kind"`
}
