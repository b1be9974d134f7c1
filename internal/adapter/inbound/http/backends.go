package http

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/Sentinel-Gate/toolgate/internal/service"
)

// backendRequest is the body of POST /backends.
type backendRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// handleListBackends lists the registered backends, sorted by name.
func (t *HTTPTransport) handleListBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, t.aggregator.Backends())
}

// handleAddBackend registers a backend at runtime. Sessions initialized
// before the registration pick it up on their next initialize.
func (t *HTTPTransport) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		writeJSONError(w, http.StatusBadRequest, "url must be http or https")
		return
	}

	if err := t.aggregator.AddBackend(t.newBackend(req.Name, req.URL)); err != nil {
		if errors.Is(err, service.ErrBackendExists) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	loggerFrom(r.Context(), t.logger).Info("backend added", "name", req.Name, "url", req.URL)
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// handleRemoveBackend drops a backend from the registry. Live sessions
// degrade for that service only.
func (t *HTTPTransport) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := t.aggregator.RemoveBackend(name); err != nil {
		if errors.Is(err, service.ErrUnknownService) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	loggerFrom(r.Context(), t.logger).Info("backend removed", "name", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
