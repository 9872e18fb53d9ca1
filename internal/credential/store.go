// Package credential holds the authoritative per-session mailbox credential.
package credential

import (
	"context"
	"errors"
	"sync"

	"realty-mail-engine/internal/model"
)

// ErrNotFound is returned when a session has no credential
var ErrNotFound = errors.New("credential not found")

// Store is the single access pattern for session credentials.
// Set replaces the whole credential atomically. Clear is idempotent.
// Replace writes only while the stored credential still carries
// prevRefreshToken and returns ErrNotFound otherwise, so a renewal can never
// recreate a credential that was cleared or replaced while it was in flight.
type Store interface {
	Get(ctx context.Context, sessionID string) (*model.Credential, error)
	Set(ctx context.Context, sessionID string, cred model.Credential) error
	Replace(ctx context.Context, sessionID, prevRefreshToken string, cred model.Credential) error
	Clear(ctx context.Context, sessionID string) error
}

// MemoryStore keeps credentials in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]model.Credential
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]model.Credential)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &cred, nil
}

func (s *MemoryStore) Set(_ context.Context, sessionID string, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[sessionID] = cred
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, sessionID, prevRefreshToken string, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.creds[sessionID]
	if !ok || cur.RefreshToken != prevRefreshToken {
		return ErrNotFound
	}
	s.creds[sessionID] = cred
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, sessionID)
	return nil
}
