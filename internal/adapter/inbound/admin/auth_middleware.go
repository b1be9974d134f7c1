package admin

import (
	"net/http"

	"github.com/Sentinel-Gate/toolgate/internal/domain/auth"
)

// requireAdmin guards an operator endpoint with the admin token.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.requireToken(h.adminToken, next)
}

// requireGateway guards a gateway-facing endpoint with the gateway token.
func (h *Handler) requireGateway(next http.HandlerFunc) http.HandlerFunc {
	return h.requireToken(h.gatewayToken, next)
}

// requireToken verifies the request's bearer token against the stored
// value. A missing or unverifiable token is 401; an unconfigured stored
// value rejects everything.
func (h *Handler) requireToken(stored string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		match, err := auth.VerifyToken(token, stored)
		if err != nil {
			h.logger.Error("token verification failed", "error", err)
			h.respondError(w, http.StatusInternalServerError, "token verification failed")
			return
		}
		if !match {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}
