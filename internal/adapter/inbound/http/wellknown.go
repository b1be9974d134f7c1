package http

import (
	"io"
	"net/http"
	"strings"
)

// handleProtectedResource serves the gateway's protected-resource
// metadata (RFC 9728) so MCP clients can discover which authorization
// server to obtain tokens from.
func (t *HTTPTransport) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if t.issuerURL == "" {
		writeJSONError(w, http.StatusNotFound, "issuer not configured")
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 scheme + "://" + r.Host,
		"authorization_servers":    []string{t.issuerURL},
		"bearer_methods_supported": []string{"header"},
	})
}

// handleAuthorizationServer relays the issuer's own authorization-server
// metadata, so clients that only know the gateway never need direct
// issuer reachability. Issuers that publish only the OIDC document are
// covered by the fallback path.
func (t *HTTPTransport) handleAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	if t.issuerURL == "" {
		writeJSONError(w, http.StatusNotFound, "issuer not configured")
		return
	}

	base := strings.TrimSuffix(t.issuerURL, "/")
	resp, err := t.fetchIssuerMetadata(r, base+"/.well-known/oauth-authorization-server")
	if err == nil && resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		resp, err = t.fetchIssuerMetadata(r, base+"/.well-known/openid-configuration")
	}
	if err != nil {
		loggerFrom(r.Context(), t.logger).Warn("issuer metadata fetch failed", "issuer", t.issuerURL, "error", err)
		writeJSONError(w, http.StatusBadGateway, "issuer unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// fetchIssuerMetadata issues one discovery request against the issuer.
func (t *HTTPTransport) fetchIssuerMetadata(r *http.Request, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return t.discovery.Do(req)
}
