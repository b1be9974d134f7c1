package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockStore is a simple in-memory mock for testing.
type mockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[string]*Session),
	}
}

func (m *mockStore) Create(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *mockStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	// Return a copy to avoid mutation
	copied := *session
	copied.Backends = make(map[string]*BackendSession, len(session.Backends))
	for name, b := range session.Backends {
		backend := *b
		copied.Backends[name] = &backend
	}
	return &copied, nil
}

func (m *mockStore) Update(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *mockStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// Compile-time check that mockStore implements Store.
var _ Store = (*mockStore)(nil)

func testBackends() map[string]*BackendSession {
	return map[string]*BackendSession{
		"mock-calendar": {Service: "mock-calendar", URL: "http://localhost:9100/mcp", SessionID: "b-1"},
		"duckduckgo":    {Service: "duckduckgo", URL: "http://localhost:9101/mcp"},
	}
}

func TestGenerateSessionID(t *testing.T) {
	tests := []struct {
		name string
	}{
		{name: "generates unique IDs"},
		{name: "ID is 64 hex characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			switch tt.name {
			case "generates unique IDs":
				ids := make(map[string]bool)
				for i := 0; i < 100; i++ {
					id, err := GenerateSessionID()
					if err != nil {
						t.Fatalf("GenerateSessionID() error = %v", err)
					}
					if ids[id] {
						t.Errorf("GenerateSessionID() generated duplicate ID: %s", id)
					}
					ids[id] = true
				}

			case "ID is 64 hex characters":
				id, err := GenerateSessionID()
				if err != nil {
					t.Fatalf("GenerateSessionID() error = %v", err)
				}
				if len(id) != 64 {
					t.Errorf("GenerateSessionID() len = %d, want 64", len(id))
				}
				// Verify it's valid hex
				for _, c := range id {
					if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
						t.Errorf("GenerateSessionID() contains non-hex character: %c", c)
					}
				}
			}
		})
	}
}

func TestManager_Create(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store, Config{Timeout: 30 * time.Minute})
	ctx := context.Background()

	session, err := mgr.Create(ctx, "jarvis@acme.com", testBackends())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Verify session fields
	if session.ID == "" {
		t.Error("Create() session.ID is empty")
	}
	if len(session.ID) != 64 {
		t.Errorf("Create() session.ID len = %d, want 64", len(session.ID))
	}
	if session.Subject != "jarvis@acme.com" {
		t.Errorf("Create() session.Subject = %q, want jarvis@acme.com", session.Subject)
	}
	if len(session.Backends) != 2 {
		t.Errorf("Create() backend count = %d, want 2", len(session.Backends))
	}
	if b, ok := session.Backend("mock-calendar"); !ok || b.SessionID != "b-1" {
		t.Errorf("Backend(mock-calendar) = (%+v, %v)", b, ok)
	}
	if session.CreatedAt.IsZero() {
		t.Error("Create() session.CreatedAt is zero")
	}
	if session.ExpiresAt.IsZero() {
		t.Error("Create() session.ExpiresAt is zero")
	}
	if session.LastAccess.IsZero() {
		t.Error("Create() session.LastAccess is zero")
	}

	// Verify expiration is ~30 minutes from now
	expectedExpiry := time.Now().Add(30 * time.Minute)
	if session.ExpiresAt.Before(expectedExpiry.Add(-time.Second)) ||
		session.ExpiresAt.After(expectedExpiry.Add(time.Second)) {
		t.Errorf("Create() session.ExpiresAt = %v, want ~%v", session.ExpiresAt, expectedExpiry)
	}
}

func TestManager_Get(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*mockStore, *Manager) string
		wantErr   error
		wantValid bool
	}{
		{
			name: "returns session if not expired",
			setup: func(store *mockStore, mgr *Manager) string {
				session, _ := mgr.Create(context.Background(), "u1", testBackends())
				return session.ID
			},
			wantErr:   nil,
			wantValid: true,
		},
		{
			name: "returns error if session does not exist",
			setup: func(store *mockStore, mgr *Manager) string {
				return "nonexistent-session-id"
			},
			wantErr:   ErrSessionNotFound,
			wantValid: false,
		},
		{
			name: "returns error if session expired",
			setup: func(store *mockStore, mgr *Manager) string {
				// Create an already-expired session directly in store
				session := &Session{
					ID:         "expired-session",
					Subject:    "u1",
					Backends:   testBackends(),
					CreatedAt:  time.Now().Add(-2 * time.Hour),
					ExpiresAt:  time.Now().Add(-1 * time.Hour), // Expired 1 hour ago
					LastAccess: time.Now().Add(-2 * time.Hour),
				}
				_ = store.Create(context.Background(), session)
				return session.ID
			},
			wantErr:   ErrSessionNotFound,
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			mgr := NewManager(store, Config{Timeout: 30 * time.Minute})
			ctx := context.Background()

			sessionID := tt.setup(store, mgr)
			session, err := mgr.Get(ctx, sessionID)

			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
				}
				return
			}

			if err != nil {
				t.Fatalf("Get() unexpected error = %v", err)
			}

			if tt.wantValid && session == nil {
				t.Error("Get() returned nil session, want valid session")
			}
		})
	}
}

func TestManager_Refresh(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store, Config{Timeout: 30 * time.Minute})
	ctx := context.Background()

	session, _ := mgr.Create(ctx, "u1", testBackends())

	originalExpiry := session.ExpiresAt

	// Wait a tiny bit to ensure timestamps differ
	time.Sleep(10 * time.Millisecond)

	err := mgr.Refresh(ctx, session.ID)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	refreshed, err := mgr.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() after Refresh() error = %v", err)
	}

	// Verify expiration was extended
	if !refreshed.ExpiresAt.After(originalExpiry) {
		t.Errorf("Refresh() ExpiresAt = %v, want after %v", refreshed.ExpiresAt, originalExpiry)
	}

	// Verify last access was updated
	if !refreshed.LastAccess.After(session.LastAccess) {
		t.Errorf("Refresh() LastAccess = %v, want after %v", refreshed.LastAccess, session.LastAccess)
	}
}

func TestManager_Delete(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store, Config{Timeout: 30 * time.Minute})
	ctx := context.Background()

	session, _ := mgr.Create(ctx, "u1", testBackends())

	err := mgr.Delete(ctx, session.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Verify session is gone
	_, err = mgr.Get(ctx, session.ID)
	if err != ErrSessionNotFound {
		t.Errorf("Get() after Delete() error = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestManager_ActiveCount(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store, Config{})
	ctx := context.Background()

	if got := mgr.ActiveCount(ctx); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}

	s1, _ := mgr.Create(ctx, "u1", testBackends())
	_, _ = mgr.Create(ctx, "u2", testBackends())
	if got := mgr.ActiveCount(ctx); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}

	_ = mgr.Delete(ctx, s1.ID)
	if got := mgr.ActiveCount(ctx); got != 1 {
		t.Errorf("ActiveCount() after delete = %d, want 1", got)
	}
}

func TestSession_IsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{
			name:      "not expired when ExpiresAt is in future",
			expiresAt: time.Now().Add(1 * time.Hour),
			want:      false,
		},
		{
			name:      "expired when ExpiresAt is in past",
			expiresAt: time.Now().Add(-1 * time.Hour),
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &Session{
				ExpiresAt: tt.expiresAt,
			}
			if got := session.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_Refresh(t *testing.T) {
	session := &Session{
		ExpiresAt:  time.Now().Add(10 * time.Minute),
		LastAccess: time.Now().Add(-5 * time.Minute),
	}

	timeout := 30 * time.Minute
	beforeRefresh := time.Now()
	session.Refresh(timeout)

	// LastAccess should be updated to now
	if session.LastAccess.Before(beforeRefresh) {
		t.Errorf("Refresh() LastAccess = %v, want >= %v", session.LastAccess, beforeRefresh)
	}

	// ExpiresAt should be ~30 minutes from now
	expectedExpiry := time.Now().Add(timeout)
	if session.ExpiresAt.Before(expectedExpiry.Add(-time.Second)) ||
		session.ExpiresAt.After(expectedExpiry.Add(time.Second)) {
		t.Errorf("Refresh() ExpiresAt = %v, want ~%v", session.ExpiresAt, expectedExpiry)
	}
}

func TestNewManager_DefaultTimeout(t *testing.T) {
	store := newMockStore()

	// Create manager with zero timeout (should use default)
	mgr := NewManager(store, Config{Timeout: 0})

	ctx := context.Background()
	session, _ := mgr.Create(ctx, "u1", testBackends())

	// Verify default 30 minute timeout was applied
	expectedExpiry := time.Now().Add(DefaultTimeout)
	if session.ExpiresAt.Before(expectedExpiry.Add(-time.Second)) ||
		session.ExpiresAt.After(expectedExpiry.Add(time.Second)) {
		t.Errorf("Default timeout: ExpiresAt = %v, want ~%v", session.ExpiresAt, expectedExpiry)
	}
}
