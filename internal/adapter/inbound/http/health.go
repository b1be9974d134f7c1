package http

import "net/http"

// healthResponse is the JSON body of GET /health.
type healthResponse struct {
	Status         string   `json:"status"`
	Service        string   `json:"service"`
	Backends       []string `json:"backends"`
	ActiveSessions int      `json:"activeSessions"`
}

// handleHealth reports liveness with the backend roster and session
// count. The gateway serves whatever backends remain, so it is healthy
// as long as it is up.
func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := t.aggregator.ActiveSessions(r.Context())
	t.metrics.ActiveSessions.Set(float64(active))

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		Service:        "toolgate-gateway",
		Backends:       t.aggregator.Services(),
		ActiveSessions: active,
	})
}
