package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/toolgate/internal/domain/auth"
)

// loggerContextKey is the context key for the request-scoped logger.
type loggerContextKey struct{}

// requestIDMiddleware extracts or generates a correlation id, echoes it
// in the response, and stores a logger enriched with it in the context.
// A pending governance decision later overwrites the response header
// with its request id, which is the value the client should quote.
func (t *HTTPTransport) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		logger := t.logger.With("request_id", requestID)
		ctx := context.WithValue(r.Context(), loggerContextKey{}, logger)

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggerFrom returns the request-scoped logger, or the fallback when the
// middleware did not run.
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok {
		return logger
	}
	return fallback
}

// requireAdmin guards a registry endpoint with the admin token.
func (t *HTTPTransport) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		match, err := auth.VerifyToken(token, t.adminToken)
		if err != nil {
			loggerFrom(r.Context(), t.logger).Error("token verification failed", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "token verification failed")
			return
		}
		if !match {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}
