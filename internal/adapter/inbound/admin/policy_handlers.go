package admin

import (
	"net/http"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

// serviceRequest is the JSON body for registering a service.
type serviceRequest struct {
	Service string `json:"service"`
}

// toolRequest is the JSON body for registering a tool or changing its tag.
type toolRequest struct {
	Tool string `json:"tool"`
	Tag  string `json:"tag"`
}

// revocationRequest is the JSON body for revoking a subject.
type revocationRequest struct {
	Subject string `json:"subject"`
}

// governanceAttachRequest is the JSON body for binding a governance
// instance to a service.
type governanceAttachRequest struct {
	GovernanceID string `json:"governanceId"`
}

// handleListServices returns the full catalog.
// GET /api/services
func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.store.Services(r.Context()))
}

// handleRegisterService adds a service to the catalog, disabled.
// POST /api/services
func (h *Handler) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Service == "" {
		h.respondError(w, http.StatusBadRequest, "service is required")
		return
	}
	if err := h.store.RegisterService(r.Context(), req.Service); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"service": req.Service})
}

// handleEnableService marks a service callable.
// POST /api/services/{service}/enable
func (h *Handler) handleEnableService(w http.ResponseWriter, r *http.Request) {
	if err := h.store.EnableService(r.Context(), r.PathValue("service")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDisableService masks a service's tools from decisions.
// POST /api/services/{service}/disable
func (h *Handler) handleDisableService(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DisableService(r.Context(), r.PathValue("service")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRemoveService deletes a catalog entry and its governance binding.
// DELETE /api/services/{service}
func (h *Handler) handleRemoveService(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveService(r.Context(), r.PathValue("service")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRegisterTool adds a tool to a service. Tag defaults to open.
// POST /api/services/{service}/tools
func (h *Handler) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Tool == "" {
		h.respondError(w, http.StatusBadRequest, "tool is required")
		return
	}
	if err := h.store.RegisterTool(r.Context(), r.PathValue("service"), req.Tool, policy.Tag(req.Tag)); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"tool": req.Tool})
}

// handleSetToolTag changes a tool's tag.
// PUT /api/services/{service}/tools/{tool}
func (h *Handler) handleSetToolTag(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.store.SetToolTag(r.Context(), r.PathValue("service"), r.PathValue("tool"), policy.Tag(req.Tag)); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRemoveTool deletes a tool from a service.
// DELETE /api/services/{service}/tools/{tool}
func (h *Handler) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveTool(r.Context(), r.PathValue("service"), r.PathValue("tool")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAttachGovernance binds a governance instance to a service.
// POST /api/services/{service}/governance
func (h *Handler) handleAttachGovernance(w http.ResponseWriter, r *http.Request) {
	var req governanceAttachRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.GovernanceID == "" {
		h.respondError(w, http.StatusBadRequest, "governanceId is required")
		return
	}
	if err := h.store.AttachGovernance(r.Context(), r.PathValue("service"), req.GovernanceID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"governanceId": req.GovernanceID})
}

// handleDetachGovernance removes a service's governance binding.
// DELETE /api/services/{service}/governance
func (h *Handler) handleDetachGovernance(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DetachGovernance(r.Context(), r.PathValue("service")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRules returns all access rules sorted by id.
// GET /api/rules
func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.store.AccessRules(r.Context()))
}

// handleAddRule adds an access rule. An empty id is generated.
// POST /api/rules
func (h *Handler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.AccessRule
	if err := h.readJSON(r, &rule); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	added, err := h.store.AddAccessRule(r.Context(), rule)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, added)
}

// handleRemoveRule removes an access rule.
// DELETE /api/rules/{id}
func (h *Handler) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveAccessRule(r.Context(), r.PathValue("id")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRevocations returns the revoked subjects.
// GET /api/revocations
func (h *Handler) handleListRevocations(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.store.RevokedSubjects(r.Context()))
}

// handleRevokeSubject adds a subject to the revocation set.
// POST /api/revocations
func (h *Handler) handleRevokeSubject(w http.ResponseWriter, r *http.Request) {
	var req revocationRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Subject == "" {
		h.respondError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if err := h.store.RevokeSubject(r.Context(), req.Subject); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"subject": req.Subject})
}

// handleReinstateSubject removes a subject from the revocation set.
// DELETE /api/revocations/{subject}
func (h *Handler) handleReinstateSubject(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ReinstateSubject(r.Context(), r.PathValue("subject")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
