package ticket

import (
	"context"
	"sync"
	"time"
)

// MemSystem is an in-memory System for tests and local runs without a
// database file.
type MemSystem struct {
	mu     sync.Mutex
	byKey  map[string]*Ticket
	byID   map[string]*Ticket
	now    func() time.Time
	FailN  int // fail the next N Create calls, for retry tests
	failed int
}

// NewMemSystem creates an empty in-memory ticket system.
func NewMemSystem() *MemSystem {
	return &MemSystem{
		byKey: make(map[string]*Ticket),
		byID:  make(map[string]*Ticket),
		now:   time.Now,
	}
}

// Create opens a ticket, honoring the idempotency key.
func (m *MemSystem) Create(ctx context.Context, req Request) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failed < m.FailN {
		m.failed++
		return nil, ErrUnavailable
	}

	if t, ok := m.byKey[req.key()]; ok {
		return t, nil
	}

	now := m.now().UTC()
	t := &Ticket{
		ID:          newTicketID(now),
		Protocol:    newProtocol(now),
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		TurnIndex:   req.TurnIndex,
		Priority:    req.Priority,
		Status:      StatusOpen,
		Description: req.Description,
		Evidence:    append([]string(nil), req.Evidence...),
		CreatedAt:   now,
	}
	if t.Priority == "" {
		t.Priority = DetectPriority(req.Kind, req.Description)
	}
	m.byKey[req.key()] = t
	m.byID[t.ID] = t
	return t, nil
}

// Get fetches a ticket by id.
func (m *MemSystem) Get(ctx context.Context, id string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Resolve marks the ticket resolved.
func (m *MemSystem) Resolve(ctx context.Context, id, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now().UTC()
	t.Status = StatusResolved
	t.ResolvedAt = &now
	t.Resolution = resolution
	return nil
}

// ListOpen returns unresolved tickets.
func (m *MemSystem) ListOpen(ctx context.Context) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ticket
	for _, t := range m.byID {
		if t.Status == StatusOpen || t.Status == StatusInProgress {
			out = append(out, t)
		}
	}
	return out, nil
}
