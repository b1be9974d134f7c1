package governance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/pkg/canonicaljson"
)

// DefaultDeadline is how long a pending request may await a decision
// before the sweeper expires it.
const DefaultDeadline = 168 * time.Hour

// DefaultDenyReason is used when an admin denies without giving one.
const DefaultDenyReason = "Denied by admin"

// deadlineReason marks pendings that the sweeper expired.
const deadlineReason = "approval deadline exceeded"

// Instance is the governance protocol for one backend service.
//
// All mutating operations serialize on one mutex; separate instances are
// fully independent. Two concurrent evaluates for the same key therefore
// either share a pending request or one observes the other's decision.
type Instance struct {
	mu          sync.Mutex
	id          string
	service     string
	description string
	tools       map[string]policy.Tag
	configs     map[string]*ToolConfig
	requests    map[string]*PendingRequest
	byKey       map[string]string
	counter     uint64
	deadline    time.Duration
}

// NewInstance creates an empty instance bound to a service.
func NewInstance(id, service string) *Instance {
	return &Instance{
		id:       id,
		service:  service,
		tools:    make(map[string]policy.Tag),
		configs:  make(map[string]*ToolConfig),
		requests: make(map[string]*PendingRequest),
		byKey:    make(map[string]string),
		deadline: DefaultDeadline,
	}
}

// ID returns the governance instance id.
func (i *Instance) ID() string { return i.id }

// Service returns the backend service this instance governs.
func (i *Instance) Service() string { return i.service }

// SetDescription updates the operator-facing description.
func (i *Instance) SetDescription(s string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.description = s
}

// Description returns the operator-facing description.
func (i *Instance) Description() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.description
}

// SetTools replaces the catalog mirror used for the gated-tag check.
func (i *Instance) SetTools(tools map[string]policy.Tag) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tools = make(map[string]policy.Tag, len(tools))
	for name, tag := range tools {
		i.tools[name] = tag
	}
}

// SetDeadline changes how long pendings may wait before expiry.
// Non-positive values are ignored.
func (i *Instance) SetDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deadline = d
}

// Deadline returns the current pending-approval deadline.
func (i *Instance) Deadline() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deadline
}

// requestKey builds the retry-deduplication key for one evaluate call.
func requestKey(caller, tool, digest string) string {
	return caller + "\x00" + tool + "\x00" + digest
}

// Evaluate runs the approval workflow for one gated tool call.
//
// Constraints are checked first; a violation denies without creating a
// pending request. Tools configured with RequiresApproval=false allow
// immediately once constraints pass. Otherwise the (caller, tool,
// arguments-digest) key either resolves an existing request or creates a
// fresh pending one. An approved or denied request is consumed by exactly
// one matching evaluate; the next identical call starts over.
func (i *Instance) Evaluate(in EvaluateInput) Decision {
	i.mu.Lock()
	defer i.mu.Unlock()

	// Only gated tools go through the workflow. The decision engine already
	// filters, so a non-gated tool landing here allows.
	if i.tools[in.Tool] != policy.TagGated {
		return Decision{Decision: DecisionAllow}
	}

	args := parseArguments(in.Arguments)

	if cfg, ok := i.configs[in.Tool]; ok {
		if msg := CheckConstraints(cfg.Constraints, args); msg != "" {
			return Decision{Decision: DecisionDeny, Message: msg}
		}
		if !cfg.RequiresApproval {
			return Decision{Decision: DecisionAllow, Message: "Constraints satisfied"}
		}
	}

	digest, err := canonicaljson.Digest(in.Arguments)
	if err != nil {
		digest, _ = canonicaljson.Digest(nil)
	}
	key := requestKey(in.Caller, in.Tool, digest)

	if id, ok := i.byKey[key]; ok {
		req := i.requests[id]
		switch {
		case req == nil:
			// Swept while indexed; fall through to a fresh pending.
			delete(i.byKey, key)
		case req.Status == StatusPending:
			return Decision{Decision: DecisionPending, RequestID: req.ID}
		case !req.DecisionConsumed:
			req.DecisionConsumed = true
			delete(i.byKey, key)
			if req.Status == StatusApproved {
				return Decision{Decision: DecisionAllow, RequestID: req.ID}
			}
			return Decision{Decision: DecisionDeny, RequestID: req.ID, Message: req.Reason}
		default:
			// Consumed entries are treated as absent.
			delete(i.byKey, key)
		}
	}

	i.counter++
	req := &PendingRequest{
		ID:              "REQ-" + strconv.FormatUint(i.counter, 10),
		Tool:            in.Tool,
		Caller:          in.Caller,
		Claims:          in.Claims,
		Arguments:       append(json.RawMessage(nil), in.Arguments...),
		ArgumentsDigest: digest,
		SessionID:       in.SessionID,
		Payload:         append(json.RawMessage(nil), in.Payload...),
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	i.requests[req.ID] = req
	i.byKey[key] = req.ID
	return Decision{Decision: DecisionPending, RequestID: req.ID}
}

// Approve transitions a pending request to approved. The transition is
// terminal and irreversible.
func (i *Instance) Approve(id, approver string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	req, ok := i.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, req.Status)
	}
	now := time.Now().UTC()
	req.Status = StatusApproved
	req.DecidedAt = &now
	req.Approver = approver
	return nil
}

// Deny transitions a pending request to denied. An empty reason becomes
// DefaultDenyReason.
func (i *Instance) Deny(id, approver, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	req, ok := i.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, req.Status)
	}
	if reason == "" {
		reason = DefaultDenyReason
	}
	now := time.Now().UTC()
	req.Status = StatusDenied
	req.DecidedAt = &now
	req.Approver = approver
	req.Reason = reason
	return nil
}

// Request returns a copy of one request by id.
func (i *Instance) Request(id string) (PendingRequest, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	req, ok := i.requests[id]
	if !ok {
		return PendingRequest{}, false
	}
	return *req, true
}

// PendingRequests returns copies of all requests still awaiting a decision,
// oldest first.
func (i *Instance) PendingRequests() []PendingRequest {
	return i.Requests(StatusPending)
}

// Requests returns copies of requests filtered by status, oldest first.
// An empty status returns everything.
func (i *Instance) Requests(status Status) []PendingRequest {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]PendingRequest, 0, len(i.requests))
	for _, req := range i.requests {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// AddConstraint validates and appends a constraint to its tool's config.
func (i *Instance) AddConstraint(c Constraint) error {
	if err := c.Validate(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	cfg, ok := i.configs[c.ToolName]
	if !ok {
		cfg = NewToolConfig(c.ToolName)
		i.configs[c.ToolName] = cfg
	}
	cfg.Constraints = append(cfg.Constraints, c)
	return nil
}

// ClearConstraints removes all constraints for a tool.
func (i *Instance) ClearConstraints(tool string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	cfg, ok := i.configs[tool]
	if !ok {
		return
	}
	cfg.Constraints = nil
	if cfg.RequiresApproval {
		// Back to the implicit default; drop the config entirely.
		delete(i.configs, tool)
	}
}

// SetApprovalRequired toggles whether a gated tool needs an admin decision
// once its constraints pass.
func (i *Instance) SetApprovalRequired(tool string, required bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	cfg, ok := i.configs[tool]
	if !ok {
		if required {
			return
		}
		cfg = NewToolConfig(tool)
		i.configs[tool] = cfg
	}
	cfg.RequiresApproval = required
	if required && len(cfg.Constraints) == 0 {
		delete(i.configs, tool)
	}
}

// ToolConfigs returns copies of all per-tool configs, sorted by tool name.
func (i *Instance) ToolConfigs() []ToolConfig {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]ToolConfig, 0, len(i.configs))
	for _, cfg := range i.configs {
		copied := *cfg
		copied.Constraints = append([]Constraint(nil), cfg.Constraints...)
		out = append(out, copied)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ToolName < out[b].ToolName })
	return out
}

// Sweep expires over-deadline pendings and garbage-collects consumed
// terminal requests. Expired pendings become denied with a deadline reason
// and stay consumable like any denial. Consumed requests older than
// retention are removed, and if more than maxTerminal consumed requests
// remain the oldest are evicted. Non-positive retention or maxTerminal
// disables the respective pass.
func (i *Instance) Sweep(retention time.Duration, maxTerminal int) (expired, removed int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now().UTC()

	for _, req := range i.requests {
		if req.Status == StatusPending && now.Sub(req.CreatedAt) > i.deadline {
			ts := now
			req.Status = StatusDenied
			req.DecidedAt = &ts
			req.Approver = "system"
			req.Reason = deadlineReason
			expired++
		}
	}

	var consumed []*PendingRequest
	for id, req := range i.requests {
		if !req.Status.Terminal() || !req.DecisionConsumed {
			continue
		}
		if retention > 0 && req.DecidedAt != nil && now.Sub(*req.DecidedAt) > retention {
			delete(i.requests, id)
			removed++
			continue
		}
		consumed = append(consumed, req)
	}

	if maxTerminal > 0 && len(consumed) > maxTerminal {
		sort.Slice(consumed, func(a, b int) bool {
			da, db := consumed[a].DecidedAt, consumed[b].DecidedAt
			switch {
			case da == nil:
				return true
			case db == nil:
				return false
			default:
				return da.Before(*db)
			}
		})
		for _, req := range consumed[:len(consumed)-maxTerminal] {
			delete(i.requests, req.ID)
			removed++
		}
	}

	return expired, removed
}

// parseArguments decodes a raw arguments object for constraint checks.
// Numbers keep their source text so comparisons are stable.
func parseArguments(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args map[string]interface{}
	if err := dec.Decode(&args); err != nil {
		return nil
	}
	return args
}
