package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
)

// evaluateRequest is the wire form of a governance evaluate call, shared
// with the gateway's governance client.
type evaluateRequest struct {
	ToolName       string                 `json:"toolName"`
	CallerIdentity string                 `json:"callerIdentity"`
	CallerClaims   map[string]interface{} `json:"callerClaims"`
	Arguments      json.RawMessage        `json:"arguments"`
	SessionID      string                 `json:"sessionId"`
	RequestPayload json.RawMessage        `json:"requestPayload"`
}

// approveRequest is the JSON body for approving a pending request.
type approveRequest struct {
	Approver string `json:"approver"`
}

// denyRequest is the JSON body for denying a pending request.
type denyRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// constraintRequest is the JSON body for adding a parameter constraint.
type constraintRequest struct {
	ToolName    string   `json:"toolName"`
	ParamName   string   `json:"paramName"`
	Operator    string   `json:"operator"`
	Values      []string `json:"values"`
	Description string   `json:"description"`
}

// approvalRequest is the JSON body for toggling a tool's approval flag.
type approvalRequest struct {
	Required bool `json:"required"`
}

// deadlineRequest is the JSON body for setting the approval deadline.
type deadlineRequest struct {
	Hours float64 `json:"hours"`
}

// descriptionRequest is the JSON body for setting an instance description.
type descriptionRequest struct {
	Description string `json:"description"`
}

// requestDTO is the wire form of a PendingRequest.
type requestDTO struct {
	ID              string          `json:"id"`
	Tool            string          `json:"tool"`
	Caller          string          `json:"caller"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	ArgumentsDigest string          `json:"argumentsDigest"`
	SessionID       string          `json:"sessionId,omitempty"`
	Status          string          `json:"status"`
	Consumed        bool            `json:"consumed"`
	CreatedAt       time.Time       `json:"createdAt"`
	DecidedAt       *time.Time      `json:"decidedAt,omitempty"`
	Approver        string          `json:"approver,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

func toRequestDTO(req governance.PendingRequest) requestDTO {
	return requestDTO{
		ID:              req.ID,
		Tool:            req.Tool,
		Caller:          req.Caller,
		Arguments:       req.Arguments,
		ArgumentsDigest: req.ArgumentsDigest,
		SessionID:       req.SessionID,
		Status:          string(req.Status),
		Consumed:        req.DecisionConsumed,
		CreatedAt:       req.CreatedAt,
		DecidedAt:       req.DecidedAt,
		Approver:        req.Approver,
		Reason:          req.Reason,
	}
}

// constraintDTO is the wire form of a Constraint.
type constraintDTO struct {
	ToolName    string   `json:"toolName"`
	ParamName   string   `json:"paramName"`
	Operator    string   `json:"operator"`
	Values      []string `json:"values"`
	Description string   `json:"description,omitempty"`
}

// toolConfigDTO is the wire form of a ToolConfig.
type toolConfigDTO struct {
	ToolName         string          `json:"toolName"`
	RequiresApproval bool            `json:"requiresApproval"`
	Constraints      []constraintDTO `json:"constraints"`
}

func toToolConfigDTO(cfg governance.ToolConfig) toolConfigDTO {
	constraints := make([]constraintDTO, 0, len(cfg.Constraints))
	for _, c := range cfg.Constraints {
		constraints = append(constraints, constraintDTO{
			ToolName:    c.ToolName,
			ParamName:   c.ParamName,
			Operator:    string(c.Operator),
			Values:      c.Values,
			Description: c.Description,
		})
	}
	return toolConfigDTO{
		ToolName:         cfg.ToolName,
		RequiresApproval: cfg.RequiresApproval,
		Constraints:      constraints,
	}
}

// recordTransition counts a governance state transition when metrics are
// wired.
func (h *Handler) recordTransition(state string) {
	if h.metrics != nil {
		h.metrics.GovernanceTransitions.WithLabelValues(state).Inc()
	}
}

// handleEvaluate evaluates one gated tool call against an instance.
// POST /api/governance/{id}/evaluate
func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ToolName == "" || req.CallerIdentity == "" {
		h.respondError(w, http.StatusBadRequest, "toolName and callerIdentity are required")
		return
	}

	decision, err := h.governance.Evaluate(r.Context(), r.PathValue("id"), governance.EvaluateInput{
		Tool:      req.ToolName,
		Caller:    req.CallerIdentity,
		Claims:    req.CallerClaims,
		Arguments: req.Arguments,
		SessionID: req.SessionID,
		Payload:   req.RequestPayload,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if decision.Decision == governance.DecisionPending {
		h.recordTransition("pending")
	}
	h.respondJSON(w, http.StatusOK, decision)
}

// handleListInstances returns a summary of every governance instance.
// GET /api/governance
func (h *Handler) handleListInstances(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.governance.List())
}

// handleListRequests returns an instance's requests, optionally filtered
// by ?status=.
// GET /api/governance/{id}/requests
func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := governance.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.respondError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	requests, err := h.governance.Requests(r.PathValue("id"), status)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	out := make([]requestDTO, 0, len(requests))
	for _, req := range requests {
		out = append(out, toRequestDTO(req))
	}
	h.respondJSON(w, http.StatusOK, out)
}

// handleApprove approves a pending request.
// POST /api/governance/{id}/requests/{req}/approve
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.governance.Approve(r.Context(), r.PathValue("id"), r.PathValue("req"), req.Approver); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.recordTransition("approved")
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// handleDeny denies a pending request. An empty reason becomes the
// default.
// POST /api/governance/{id}/requests/{req}/deny
func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.governance.Deny(r.Context(), r.PathValue("id"), r.PathValue("req"), req.Approver, req.Reason); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.recordTransition("denied")
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

// handleToolConfigs returns an instance's per-tool governance settings.
// GET /api/governance/{id}/tool-configs
func (h *Handler) handleToolConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.governance.ToolConfigs(r.PathValue("id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	out := make([]toolConfigDTO, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, toToolConfigDTO(cfg))
	}
	h.respondJSON(w, http.StatusOK, out)
}

// handleAddConstraint adds a parameter constraint to an instance's tool.
// POST /api/governance/{id}/constraints
func (h *Handler) handleAddConstraint(w http.ResponseWriter, r *http.Request) {
	var req constraintRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	err := h.governance.AddConstraint(r.PathValue("id"), governance.Constraint{
		ToolName:    req.ToolName,
		ParamName:   req.ParamName,
		Operator:    governance.Operator(req.Operator),
		Values:      req.Values,
		Description: req.Description,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// handleClearConstraints removes all constraints for a tool.
// DELETE /api/governance/{id}/constraints/{tool}
func (h *Handler) handleClearConstraints(w http.ResponseWriter, r *http.Request) {
	if err := h.governance.ClearConstraints(r.PathValue("id"), r.PathValue("tool")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSetApproval toggles a tool's requires-approval flag.
// PUT /api/governance/{id}/tools/{tool}/approval
func (h *Handler) handleSetApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.governance.SetApprovalRequired(r.PathValue("id"), r.PathValue("tool"), req.Required); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSetDeadline sets an instance's approval deadline in hours.
// PUT /api/governance/{id}/deadline
func (h *Handler) handleSetDeadline(w http.ResponseWriter, r *http.Request) {
	var req deadlineRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Hours <= 0 {
		h.respondError(w, http.StatusBadRequest, "hours must be positive")
		return
	}
	deadline := time.Duration(req.Hours * float64(time.Hour))
	if err := h.governance.SetDeadline(r.PathValue("id"), deadline); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSetDescription sets an instance's description.
// PUT /api/governance/{id}/description
func (h *Handler) handleSetDescription(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.governance.SetDescription(r.PathValue("id"), req.Description); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
