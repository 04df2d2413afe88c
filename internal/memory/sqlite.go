package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"triage/internal/domain"
)

// SQLiteStore implements Store on SQLite. Session state is stored as one
// JSON document per row; user context notes are plain rows.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a SQLite-backed store over an open handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// InitSchema creates the session and user-context tables if they don't exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL, -- JSON session aggregate
			version INTEGER NOT NULL,
			last_active_at DATETIME NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_active
			ON sessions(last_active_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_user
			ON sessions(user_id);

		CREATE TABLE IF NOT EXISTS user_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			note TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_user_events_user
			ON user_events(user_id, id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init memory schema: %w", err)
	}
	return nil
}

// LoadSession returns the stored session. Archived sessions are treated as
// gone: the caller starts a fresh one.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM sessions
		WHERE session_id = ? AND archived = 0
	`, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(state), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if session.Affinity == nil {
		session.Affinity = make(map[domain.Domain]int)
	}
	return &session, nil
}

// SaveSession upserts the full session state.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, state, version, last_active_at, archived)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			state = excluded.state,
			version = excluded.version,
			last_active_at = excluded.last_active_at,
			archived = 0
	`, session.SessionID, session.UserID, string(state), session.Version, session.LastActiveAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ArchiveIdle archives sessions whose last activity predates the cutoff.
func (s *SQLiteStore) ArchiveIdle(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archived = 1
		WHERE archived = 0 AND last_active_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}
	return int(n), nil
}

// AppendUserEvent appends one long-term context note.
func (s *SQLiteStore) AppendUserEvent(ctx context.Context, userID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_events (user_id, note, created_at)
		VALUES (?, ?, ?)
	`, userID, note, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append user event: %w", err)
	}
	return nil
}

// LoadUserContext returns the user's notes in append order.
func (s *SQLiteStore) LoadUserContext(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT note FROM user_events
		WHERE user_id = ?
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user events: %w", err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, fmt.Errorf("scan user event: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}
