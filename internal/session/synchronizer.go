// Package session implements the state synchronizer: the sole owner of live
// Session aggregates. All reads hand out deep-copy snapshots and all writes
// go through Commit, which serializes per session, applies a delta
// atomically, and persists through the memory store. No other component ever
// holds a mutable Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triage/internal/domain"
	"triage/internal/logging"
	"triage/internal/memory"
)

var (
	// ErrStateConflict reports that a delta was computed against a stale
	// snapshot. Callers refresh and retry; it is never surfaced to the
	// customer.
	ErrStateConflict = errors.New("session: state conflict")

	// ErrIllegalTransition reports a delta proposing an escalation move the
	// transition table forbids. Nothing from the delta is applied.
	ErrIllegalTransition = errors.New("session: illegal escalation transition")
)

// Config bounds the synchronizer's session handling.
type Config struct {
	// MaxFrustration is the upper clamp for the frustration level.
	MaxFrustration int
	// IdleTimeout is how long a session may sit inactive before the sweep
	// archives it.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{MaxFrustration: 6, IdleTimeout: 30 * time.Minute}
}

// Synchronizer owns all live sessions. Safe for concurrent use; operations
// on different sessions run in parallel, operations on the same session
// serialize.
type Synchronizer struct {
	store memory.Store
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry pairs one live session with its per-session lock. gone marks an
// entry the sweep removed from the map after the pointer was handed out.
type entry struct {
	mu      sync.Mutex
	session *domain.Session
	gone    bool
}

// New creates a Synchronizer over the given store.
func New(store memory.Store, cfg Config) *Synchronizer {
	if cfg.MaxFrustration <= 0 {
		cfg = DefaultConfig()
	}
	return &Synchronizer{
		store:   store,
		cfg:     cfg,
		log:     logging.ForComponent("session"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns an immutable snapshot of the session, creating a fresh
// one when the id is unknown. An unknown id is never an error: clients lose
// session state, the conversation should not.
func (s *Synchronizer) GetOrCreate(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	e := s.lockEntry(sessionID)
	defer e.mu.Unlock()

	if err := s.ensureLoaded(ctx, e, sessionID, userID); err != nil {
		return nil, err
	}
	return e.session.Clone(), nil
}

// Get returns a snapshot of an existing session, or memory.ErrNotFound.
func (s *Synchronizer) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	e := s.lockEntry(sessionID)
	defer e.mu.Unlock()

	if e.session == nil {
		stored, err := s.store.LoadSession(ctx, sessionID)
		if err != nil {
			s.evict(sessionID, e)
			return nil, err
		}
		e.session = stored
	}
	return e.session.Clone(), nil
}

// Commit applies a delta atomically: every field of the delta lands or none
// does. A delta computed against a stale version fails with ErrStateConflict
// before anything is touched. The committed snapshot is returned.
func (s *Synchronizer) Commit(ctx context.Context, sessionID string, delta domain.Delta) (*domain.Session, error) {
	e := s.lockEntry(sessionID)
	defer e.mu.Unlock()

	if err := s.ensureLoaded(ctx, e, sessionID, delta.Message.Sender); err != nil {
		return nil, err
	}
	if delta.BaseVersion != e.session.Version {
		return nil, fmt.Errorf("%w: base %d, current %d", ErrStateConflict, delta.BaseVersion, e.session.Version)
	}

	// Apply to a copy so a validation or persistence failure leaves the
	// live session untouched.
	next := e.session.Clone()
	if err := s.apply(next, delta); err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	e.session = next
	s.log.Debug().
		Str("session_id", sessionID).
		Int64("version", next.Version).
		Int("turns", next.TurnCount).
		Msg("delta committed")
	return next.Clone(), nil
}

// apply mutates the working copy with every field of the delta.
func (s *Synchronizer) apply(c *domain.Session, delta domain.Delta) error {
	if delta.Escalation != nil && !c.Escalation.CanTransition(*delta.Escalation) {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, c.Escalation, *delta.Escalation)
	}

	c.FrustrationLevel += delta.FrustrationDelta
	if c.FrustrationLevel < 0 {
		c.FrustrationLevel = 0
	}
	if c.FrustrationLevel > s.cfg.MaxFrustration {
		c.FrustrationLevel = s.cfg.MaxFrustration
	}

	if delta.FrustrationDelta < 0 && len(delta.Signals) == 0 {
		c.CleanTurns++
	} else {
		c.CleanTurns = 0
	}

	var transition string
	if delta.Escalation != nil && *delta.Escalation != c.Escalation {
		transition = fmt.Sprintf("%s>%s", c.Escalation, *delta.Escalation)
		c.Escalation = *delta.Escalation
	}

	switch {
	case delta.Clarification != nil:
		c.Clarification = delta.Clarification
	case delta.ClearClarification:
		c.Clarification = nil
	}

	if delta.CommitDomain != nil {
		d := *delta.CommitDomain
		c.CurrentDomain = &d
		c.Affinity[d]++
	}

	if delta.TicketID != "" {
		c.TicketID = delta.TicketID
		c.TicketProtocol = delta.TicketProtocol
		c.EscalatedKind = delta.EscalatedKind
	}

	if delta.Message.ID != "" {
		c.History = append(c.History, domain.Turn{
			Message:    delta.Message,
			Decision:   delta.Decision,
			Signals:    delta.Signals,
			Transition: transition,
		})
		if !delta.Message.Timestamp.IsZero() {
			c.LastActiveAt = delta.Message.Timestamp
		} else {
			c.LastActiveAt = s.now()
		}
	}
	c.TurnCount = len(c.History)
	c.Version++
	return nil
}

// Sweep archives idle sessions in the store and evicts them from the live
// set. Returns how many stored sessions were archived.
func (s *Synchronizer) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	for id, e := range s.entries {
		// Only evict entries nobody is working on right now.
		if e.mu.TryLock() {
			if e.session != nil && e.session.LastActiveAt.Before(cutoff) {
				e.gone = true
				delete(s.entries, id)
			}
			e.mu.Unlock()
		}
	}
	s.mu.Unlock()

	n, err := s.store.ArchiveIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive idle sessions: %w", err)
	}
	if n > 0 {
		s.log.Info().Int("archived", n).Msg("idle sessions archived")
	}
	return n, nil
}

// lockEntry returns the locked keyed entry for a session id, creating it if
// needed. An entry the sweep tombstoned between lookup and lock is retried
// so two goroutines can never serialize on different entries for one id.
func (s *Synchronizer) lockEntry(sessionID string) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[sessionID]
		if !ok {
			e = &entry{}
			s.entries[sessionID] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.gone {
			return e
		}
		e.mu.Unlock()
	}
}

// ensureLoaded populates the entry from the store, or with a fresh session
// when the id is unknown. Caller holds the entry lock.
func (s *Synchronizer) ensureLoaded(ctx context.Context, e *entry, sessionID, userID string) error {
	if e.session != nil {
		return nil
	}
	stored, err := s.store.LoadSession(ctx, sessionID)
	switch {
	case err == nil:
		e.session = stored
	case errors.Is(err, memory.ErrNotFound):
		e.session = domain.NewSession(sessionID, userID, s.now())
		s.log.Debug().Str("session_id", sessionID).Msg("session created")
	default:
		s.evict(sessionID, e)
		return fmt.Errorf("load session: %w", err)
	}
	return nil
}

// evict tombstones an entry that never got a session and removes it from the
// map, so failed lookups do not pin map slots forever. Caller holds the
// entry lock; the tombstone makes concurrent lockEntry callers retry.
func (s *Synchronizer) evict(sessionID string, e *entry) {
	e.gone = true
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
}
