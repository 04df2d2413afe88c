package memory

import (
	"context"
	"sync"
	"time"

	"triage/internal/domain"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	events   map[string][]string

	// SaveErr, when set, fails the next SaveSession call.
	SaveErr error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*domain.Session),
		events:   make(map[string][]string),
	}
}

// LoadSession returns a deep copy of the stored session.
func (m *MemStore) LoadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// SaveSession stores a deep copy of the session.
func (m *MemStore) SaveSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		err := m.SaveErr
		m.SaveErr = nil
		return err
	}
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

// ArchiveIdle drops sessions idle since the cutoff.
func (m *MemStore) ArchiveIdle(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.LastActiveAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// AppendUserEvent appends one context note.
func (m *MemStore) AppendUserEvent(ctx context.Context, userID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[userID] = append(m.events[userID], note)
	return nil
}

// LoadUserContext returns the user's notes in append order.
func (m *MemStore) LoadUserContext(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.events[userID]...), nil
}
