package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTimeout is the default session timeout.
const DefaultTimeout = 30 * time.Minute

// Config holds session manager configuration.
type Config struct {
	// Timeout is the session expiration duration. Default: 30 minutes.
	Timeout time.Duration
}

// Manager owns session lifecycle for the aggregator.
type Manager struct {
	store   Store
	timeout time.Duration
}

// NewManager creates a Manager with the given store and config.
func NewManager(store Store, cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		store:   store,
		timeout: timeout,
	}
}

// Create allocates a new client session over the given backend sessions.
func (m *Manager) Create(ctx context.Context, subject string, backends map[string]*BackendSession) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:         id,
		Subject:    subject,
		Backends:   backends,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.timeout),
		LastAccess: now,
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Get retrieves a session by ID.
// Returns ErrSessionNotFound if the session doesn't exist or has expired.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Double-check expiration (store might not enforce it)
	if session.IsExpired() {
		_ = m.store.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}

	return session, nil
}

// Refresh extends session expiration and updates last access time.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if session.IsExpired() {
		_ = m.store.Delete(ctx, id)
		return ErrSessionNotFound
	}

	session.Refresh(m.timeout)

	if err := m.store.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	return nil
}

// Delete terminates a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount(ctx context.Context) int {
	n, err := m.store.Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

// GenerateSessionID creates a cryptographically random session ID.
// Returns 64 hex characters (32 bytes) so IDs cannot be guessed or forged.
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
