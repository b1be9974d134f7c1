// Package session tracks client sessions across the aggregated MCP backends.
package session

import (
	"time"
)

// BackendSession is one backend's half of an aggregated client session.
type BackendSession struct {
	// Service is the backend's catalog name.
	Service string
	// URL is the backend's MCP endpoint.
	URL string
	// SessionID is the Mcp-Session-Id the backend issued during
	// initialize. Empty when the backend is sessionless.
	SessionID string
}

// Session maps one client session onto its per-backend sessions.
type Session struct {
	// ID is the client-facing Mcp-Session-Id, 32 random bytes hex-encoded.
	ID string
	// Subject is the caller identity the session was initialized for.
	Subject string
	// Backends maps service name to that backend's session half. The map
	// is populated once during initialize and only read afterwards; the
	// owning handlers never mutate it concurrently.
	Backends map[string]*BackendSession
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the session will expire (UTC).
	ExpiresAt time.Time
	// LastAccess is the last time the session was used (UTC).
	LastAccess time.Time
}

// Backend returns the backend session for a service.
func (s *Session) Backend(service string) (*BackendSession, bool) {
	b, ok := s.Backends[service]
	return b, ok
}

// Services returns the names of all backends participating in the session.
func (s *Session) Services() []string {
	names := make([]string, 0, len(s.Backends))
	for name := range s.Backends {
		names = append(names, name)
	}
	return names
}

// IsExpired checks if the session has exceeded its timeout.
func (s *Session) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// Refresh updates LastAccess and extends ExpiresAt by the given duration.
func (s *Session) Refresh(timeout time.Duration) {
	now := time.Now().UTC()
	s.LastAccess = now
	s.ExpiresAt = now.Add(timeout)
}
