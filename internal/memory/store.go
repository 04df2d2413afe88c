// Package memory persists sessions and long-term user context. Session rows
// carry the full aggregate; user context is append-only from the core's
// perspective: past entries are never edited, only new ones appended.
package memory

import (
	"context"
	"errors"
	"time"

	"triage/internal/domain"
)

// ErrNotFound is returned when a session id has no stored state.
var ErrNotFound = errors.New("memory: session not found")

// Store is the persistence collaborator contract.
type Store interface {
	// LoadSession returns the stored session, or ErrNotFound.
	LoadSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// SaveSession writes the session state. The synchronizer calls this
	// once per committed delta.
	SaveSession(ctx context.Context, s *domain.Session) error
	// ArchiveIdle marks sessions inactive since the cutoff as archived and
	// returns how many were archived. Archived sessions no longer load.
	ArchiveIdle(ctx context.Context, cutoff time.Time) (int, error)

	// AppendUserEvent appends one note to the user's long-term context.
	AppendUserEvent(ctx context.Context, userID, note string) error
	// LoadUserContext returns the user's context notes, oldest first.
	LoadUserContext(ctx context.Context, userID string) ([]string, error)
}
