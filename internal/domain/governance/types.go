// Package governance implements the per-service approval protocol for
// gated tools: evaluate creates or resolves pending requests, admins
// approve or deny them, and each decision is consumed exactly once.
package governance

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a PendingRequest.
type Status string

const (
	// StatusPending awaits an approve or deny.
	StatusPending Status = "pending"
	// StatusApproved was approved and allows the next matching evaluate.
	StatusApproved Status = "approved"
	// StatusDenied was denied and denies the next matching evaluate.
	StatusDenied Status = "denied"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Decision verdicts returned by evaluate.
const (
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
	DecisionPending = "pending"
)

// Decision is the outcome of one evaluate call.
type Decision struct {
	Decision  string `json:"decision"`
	RequestID string `json:"requestId"`
	Message   string `json:"message,omitempty"`
}

// EvaluateInput carries everything a gated tool call presents for evaluation.
type EvaluateInput struct {
	Tool      string
	Caller    string
	Claims    map[string]interface{}
	Arguments json.RawMessage
	SessionID string
	Payload   json.RawMessage
}

// PendingRequest is one approval record. Created by evaluate on a gated
// tool, resolved by approve/deny, consumed by the next matching evaluate.
type PendingRequest struct {
	ID              string
	Tool            string
	Caller          string
	Claims          map[string]interface{}
	Arguments       json.RawMessage
	ArgumentsDigest string
	SessionID       string
	Payload         json.RawMessage

	Status           Status
	DecisionConsumed bool
	CreatedAt        time.Time
	DecidedAt        *time.Time
	Approver         string
	Reason           string
}

// ToolConfig holds the per-tool governance settings of one instance.
type ToolConfig struct {
	ToolName         string
	RequiresApproval bool
	Constraints      []Constraint
}

// NewToolConfig returns the default config for a tool: approval required,
// no constraints.
func NewToolConfig(tool string) *ToolConfig {
	return &ToolConfig{ToolName: tool, RequiresApproval: true}
}
