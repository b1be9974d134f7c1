package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/domain/identity"
	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/port/inbound"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/toolgate/pkg/mcp"
)

// compiledBundle is the immutable evaluation snapshot stored in atomic.Value.
// Expression matchers are compiled once per publication; the revoked list is
// flattened into a set for O(1) lookup on the hot path.
type compiledBundle struct {
	bundle   *policy.Bundle
	programs map[string]cel.Program // rule ID -> compiled expression matcher
	revoked  map[string]struct{}
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key     uint64
	granted bool
	prev    *lruEntry
	next    *lruEntry
}

// ResultCache provides bounded LRU caching for access-rule replay outcomes.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached outcome. Returns (granted, true) on hit, (false,
// false) on miss. On hit, the entry is promoted to the head.
func (c *ResultCache) Get(key uint64) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.granted, true
	}
	return false, false
}

// Put stores an outcome. If at capacity, the least recently used entry is
// evicted.
func (c *ResultCache) Put(key uint64, granted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.granted = granted
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, granted: granted}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on every bundle publication.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey hashes one rule-replay context. The bundle revision
// participates as a second guard besides Clear-on-publish, so a stale
// entry can never answer for a newer bundle.
func computeCacheKey(subject, service, tool string, revision uint64) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(subject)
	_, _ = h.Write([]byte{0}) // separator
	_, _ = h.WriteString(service)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatUint(revision, 10))
	return h.Sum64()
}

// DecisionService is the stateless request evaluator of the gateway. It
// classifies each incoming request, resolves the caller from the bearer
// token, and walks the authorization layers against the current bundle:
// catalog, revocations, access rules, and the governance workflow for
// gated tools. The bundle pointer is read lock-free; rule-replay outcomes
// for open tools are cached in a bounded LRU keyed on the bundle revision.
//
// Without a published bundle every tool call is denied.
type DecisionService struct {
	evaluator  *celeval.Evaluator
	governance outbound.GovernanceEvaluator
	snapshot   atomic.Value // stores *compiledBundle
	mu         sync.Mutex   // serializes SetBundle
	cache      *ResultCache
	logger     *slog.Logger

	// resourceMetadata is the OAuth protected-resource metadata URL
	// advertised in WWW-Authenticate challenges, empty to omit.
	resourceMetadata string
}

var _ inbound.Checker = (*DecisionService)(nil)

// DecisionOption configures DecisionService.
type DecisionOption func(*DecisionService)

// WithCacheSize sets the maximum number of cached rule-replay outcomes.
func WithCacheSize(size int) DecisionOption {
	return func(s *DecisionService) {
		s.cache = NewResultCache(size)
	}
}

// WithResourceMetadataURL sets the resource metadata URL included in 401
// challenges so MCP clients can discover the authorization server.
func WithResourceMetadataURL(url string) DecisionOption {
	return func(s *DecisionService) {
		s.resourceMetadata = url
	}
}

// NewDecisionService creates a DecisionService with no bundle loaded. Until
// SetBundle is called every tool call is denied; wire SetBundle as a bundle
// publication hook so fresh snapshots swap in as they arrive.
func NewDecisionService(governanceClient outbound.GovernanceEvaluator, logger *slog.Logger, opts ...DecisionOption) (*DecisionService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &DecisionService{
		evaluator:  evaluator,
		governance: governanceClient,
		cache:      NewResultCache(1000), // Default 1000 entries
		logger:     logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// SetBundle compiles a freshly published bundle and swaps it in as the
// current snapshot. Expression matchers that fail to compile are dropped
// with an error log; the store validates expressions before accepting
// them, so a drop here only ever narrows what the bundle grants.
func (s *DecisionService) SetBundle(bundle *policy.Bundle) {
	if bundle == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	programs := make(map[string]cel.Program)
	dropped := 0
	for _, rule := range bundle.AccessRules {
		if rule.Matcher.Type != policy.MatcherExpression {
			continue
		}
		prg, err := s.evaluator.Compile(rule.Matcher.Expression)
		if err != nil {
			s.logger.Error("failed to compile rule expression, dropping rule",
				"rule_id", rule.ID,
				"error", err,
			)
			dropped++
			continue
		}
		programs[rule.ID] = prg
	}

	revoked := make(map[string]struct{}, len(bundle.RevokedSubjects))
	for _, subject := range bundle.RevokedSubjects {
		revoked[subject] = struct{}{}
	}

	s.snapshot.Store(&compiledBundle{
		bundle:   bundle,
		programs: programs,
		revoked:  revoked,
	})
	s.cache.Clear()

	s.logger.Info("decision snapshot updated",
		"revision", bundle.Revision,
		"rules", len(bundle.AccessRules),
		"expressions_compiled", len(programs),
		"expressions_dropped", dropped,
	)
}

// loadSnapshot returns the current snapshot, nil when no bundle has been
// published yet.
func (s *DecisionService) loadSnapshot() *compiledBundle {
	v := s.snapshot.Load()
	if v == nil {
		return nil
	}
	return v.(*compiledBundle)
}

// Revision returns the revision of the current snapshot, 0 when none is
// loaded.
func (s *DecisionService) Revision() uint64 {
	snap := s.loadSnapshot()
	if snap == nil {
		return 0
	}
	return snap.bundle.Revision
}

// CacheSize returns the number of cached rule-replay outcomes.
func (s *DecisionService) CacheSize() int {
	return s.cache.Size()
}

// Check evaluates one request. The layers apply in order, first match
// wins: missing identity rejects with 401, stream setups and meta calls
// pass on authentication alone, and tool calls walk catalog, revocation,
// access rules, and (for gated tools) the governance workflow. Headers
// are composed on every result, allow and deny alike.
func (s *DecisionService) Check(ctx context.Context, in decision.Input) decision.Result {
	classified, classifyErr := decision.Classify(in.Method, in.Body)

	caller, err := identity.FromAuthorization(in.Headers.Get("Authorization"))
	if err != nil {
		res := decision.Deny(classified.Class, http.StatusUnauthorized, decision.ReasonMissingToken)
		res.ResponseHeaders["WWW-Authenticate"] = s.challenge()
		res.ResponseHeaders[decision.HeaderAuthzReason] = res.Reason
		s.logger.Debug("authorization check",
			"class", string(res.Class),
			"allowed", false,
			"status", res.Status,
			"reason", res.Reason,
		)
		return res
	}

	snap := s.loadSnapshot()

	var res decision.Result
	switch {
	case classifyErr != nil:
		// tools/call whose params could not be parsed or whose name is
		// not namespaced as service.tool.
		res = decision.Deny(decision.ClassToolCall, http.StatusForbidden, classifyErr.Error())
	case classified.Class == decision.ClassStreamSetup:
		res = decision.Allow(decision.ClassStreamSetup)
	case classified.Class == decision.ClassMetaCall:
		res = decision.Allow(decision.ClassMetaCall)
		if classified.Method == "tools/list" {
			// Always set, even when empty: the aggregator restricts
			// its fan-out to exactly this set, so an empty value lists
			// nothing rather than everything.
			res.UpstreamHeaders[decision.HeaderGrantedServices] = strings.Join(s.grantedServices(snap, caller), ",")
		}
	default:
		res = s.checkToolCall(ctx, snap, caller, classified.Call, in)
	}

	res.Subject = caller.Subject
	res.UpstreamHeaders[decision.HeaderUserID] = caller.Subject
	if snap != nil {
		res.UpstreamHeaders[decision.HeaderBundleRevision] = strconv.FormatUint(snap.bundle.Revision, 10)
	}
	res.ResponseHeaders[decision.HeaderAuthzReason] = res.Reason

	s.logger.Debug("authorization check",
		"class", string(res.Class),
		"subject", res.Subject,
		"service", res.Service,
		"tool", res.Tool,
		"allowed", res.Allowed,
		"status", res.Status,
		"reason", res.Reason,
	)
	return res
}

// checkToolCall walks the tool-call layers for an authenticated caller.
func (s *DecisionService) checkToolCall(ctx context.Context, snap *compiledBundle, caller *identity.Caller, call *mcp.ToolCall, in decision.Input) decision.Result {
	res := s.decideToolCall(ctx, snap, caller, call, in)
	res.Service = call.Service
	res.Tool = call.Tool
	res.UpstreamHeaders[decision.HeaderService] = call.Service
	return res
}

func (s *DecisionService) decideToolCall(ctx context.Context, snap *compiledBundle, caller *identity.Caller, call *mcp.ToolCall, in decision.Input) decision.Result {
	if snap == nil {
		return decision.Deny(decision.ClassToolCall, http.StatusForbidden, decision.ReasonNoBundle)
	}

	tag, ok := snap.bundle.Catalog.Lookup(call.Service, call.Tool)
	if !ok {
		return decision.Deny(decision.ClassToolCall, http.StatusForbidden, decision.ReasonNotInCatalog)
	}

	if _, isRevoked := snap.revoked[caller.Subject]; isRevoked {
		return decision.Deny(decision.ClassToolCall, http.StatusForbidden, decision.ReasonRevoked(caller.Subject))
	}

	if !s.ruleGranted(snap, caller, call.Service, call.Tool, tag) {
		return decision.Deny(decision.ClassToolCall, http.StatusForbidden, decision.ReasonNoRule)
	}

	if tag == policy.TagOpen {
		return decision.Allow(decision.ClassToolCall)
	}

	governanceID, bound := snap.bundle.GovernanceInstances[call.Service]
	if !bound {
		return decision.Deny(decision.ClassToolCall, http.StatusForbidden, decision.ReasonNoGovernance(call.Service))
	}

	dec, err := s.governance.Evaluate(ctx, governanceID, governance.EvaluateInput{
		Tool:      call.Tool,
		Caller:    caller.Subject,
		Claims:    caller.Claims,
		Arguments: call.RawArguments,
		SessionID: in.Headers.Get("Mcp-Session-Id"),
		Payload:   in.Body,
	})
	if err != nil {
		s.logger.Warn("governance evaluate failed",
			"governance_id", governanceID,
			"service", call.Service,
			"tool", call.Tool,
			"error", err,
		)
		return decision.Deny(decision.ClassToolCall, http.StatusServiceUnavailable, decision.ReasonPolicyUnreachable)
	}

	switch dec.Decision {
	case governance.DecisionAllow:
		res := decision.Allow(decision.ClassToolCall)
		res.RequestID = dec.RequestID
		return res
	case governance.DecisionPending:
		res := decision.Deny(decision.ClassToolCall, http.StatusForbidden, decision.ReasonPending(dec.RequestID))
		res.RequestID = dec.RequestID
		res.ResponseHeaders[decision.HeaderRequestID] = dec.RequestID
		res.ResponseHeaders[decision.HeaderRetryAfter] = decision.RetryAfterSeconds
		return res
	default:
		res := decision.Deny(decision.ClassToolCall, http.StatusForbidden, decision.ReasonDenied(dec.Message))
		res.RequestID = dec.RequestID
		return res
	}
}

// ruleGranted reports whether any access rule grants (service, tool) to the
// caller. Outcomes for open tools are served from the LRU cache; gated
// outcomes are never cached because every gated call must reach the
// governance workflow with a fresh replay behind it.
func (s *DecisionService) ruleGranted(snap *compiledBundle, caller *identity.Caller, service, tool string, tag policy.Tag) bool {
	cacheable := tag == policy.TagOpen
	var key uint64
	if cacheable {
		key = computeCacheKey(caller.Subject, service, tool, snap.bundle.Revision)
		if granted, hit := s.cache.Get(key); hit {
			return granted
		}
	}

	granted := s.replayRules(snap, caller, service, tool)
	if cacheable {
		s.cache.Put(key, granted)
	}
	return granted
}

// replayRules evaluates the access rules in order. Rules compose by OR;
// the first rule whose allow-list covers the target and whose matcher
// fires grants access.
func (s *DecisionService) replayRules(snap *compiledBundle, caller *identity.Caller, service, tool string) bool {
	for _, rule := range snap.bundle.AccessRules {
		if !rule.Allow.PermitsService(service) || !rule.Allow.PermitsTool(tool) {
			continue
		}
		if s.matcherFires(snap, rule, caller) {
			return true
		}
	}
	return false
}

// matcherFires evaluates one rule's matcher against the caller. Expression
// matchers run their compiled program; evaluation errors count as no match.
func (s *DecisionService) matcherFires(snap *compiledBundle, rule policy.AccessRule, caller *identity.Caller) bool {
	if rule.Matcher.Type != policy.MatcherExpression {
		return rule.Matcher.Matches(caller.Subject, caller.Claims)
	}

	prg, ok := snap.programs[rule.ID]
	if !ok {
		// Dropped at compile time.
		return false
	}
	fired, err := s.evaluator.Evaluate(prg, caller.Subject, caller.Claims)
	if err != nil {
		s.logger.Warn("expression matcher evaluation failed",
			"rule_id", rule.ID,
			"subject", caller.Subject,
			"error", err,
		)
		return false
	}
	return fired
}

// grantedServices replays the access rules against the catalog and returns
// the sorted set of enabled services the caller may reach. Revoked callers
// get an empty set.
func (s *DecisionService) grantedServices(snap *compiledBundle, caller *identity.Caller) []string {
	if snap == nil {
		return nil
	}
	if _, isRevoked := snap.revoked[caller.Subject]; isRevoked {
		return nil
	}

	var granted []string
	for name, entry := range snap.bundle.Catalog {
		if !entry.Enabled {
			continue
		}
		for _, rule := range snap.bundle.AccessRules {
			if rule.Allow.PermitsService(name) && s.matcherFires(snap, rule, caller) {
				granted = append(granted, name)
				break
			}
		}
	}
	sort.Strings(granted)
	return granted
}

// challenge builds the WWW-Authenticate header value for 401 responses.
func (s *DecisionService) challenge() string {
	if s.resourceMetadata == "" {
		return "Bearer"
	}
	return fmt.Sprintf("Bearer resource_metadata=%q", s.resourceMetadata)
}
