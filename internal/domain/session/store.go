package session

import (
	"context"
	"errors"
)

// Store provides session persistence.
// This interface is defined in the domain to avoid circular imports.
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// Update saves changes to an existing session.
	Update(ctx context.Context, session *Session) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)
}

// ErrSessionNotFound is returned when a session doesn't exist or is expired.
var ErrSessionNotFound = errors.New("session not found")
