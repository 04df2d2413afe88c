package ticket

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

var (
	// ErrNotFound is returned when no ticket matches the given id.
	ErrNotFound = errors.New("ticket: not found")

	// ErrUnavailable reports a ticketing collaborator failure; callers retry
	// with backoff and hold the session in its pending state.
	ErrUnavailable = errors.New("ticket: system unavailable")
)

// SQLiteSystem implements System on SQLite.
type SQLiteSystem struct {
	db *sql.DB
	mu sync.Mutex

	now func() time.Time
}

// NewSQLiteSystem creates a SQLite-backed ticket system over an open handle.
func NewSQLiteSystem(db *sql.DB) *SQLiteSystem {
	return &SQLiteSystem{db: db, now: time.Now}
}

// InitSchema creates the tickets table if it doesn't exist.
func (s *SQLiteSystem) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tickets (
			ticket_id TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL,
			evidence TEXT, -- JSON array
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			resolution TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_idempotency
			ON tickets(session_id, kind, turn_index);
		CREATE INDEX IF NOT EXISTS idx_tickets_status
			ON tickets(status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init ticket schema: %w", err)
	}
	return nil
}

// Create opens a ticket. A request whose (session_id, kind, turn_index) key
// already exists returns the stored ticket unchanged.
func (s *SQLiteSystem) Create(ctx context.Context, req Request) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.byKey(ctx, req)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
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
		Evidence:    req.Evidence,
		CreatedAt:   now,
	}
	if t.Priority == "" {
		t.Priority = DetectPriority(req.Kind, req.Description)
	}

	evidence, err := json.Marshal(t.Evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}

	query := `
		INSERT INTO tickets (
			ticket_id, protocol, session_id, user_id, kind, turn_index,
			priority, status, description, evidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.Protocol, t.SessionID, t.UserID, string(t.Kind), t.TurnIndex,
		string(t.Priority), string(t.Status), t.Description, string(evidence), t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	return t, nil
}

// Get fetches a ticket by id.
func (s *SQLiteSystem) Get(ctx context.Context, id string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE ticket_id = ?`, id)
	return scanTicket(row)
}

// Resolve marks the ticket resolved with the given note.
func (s *SQLiteSystem) Resolve(ctx context.Context, id, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, resolved_at = ?, resolution = ?
		WHERE ticket_id = ? AND status != ?
	`, string(StatusResolved), s.now().UTC(), resolution, id, string(StatusResolved))
	if err != nil {
		return fmt.Errorf("resolve ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve ticket: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpen returns unresolved tickets, newest first.
func (s *SQLiteSystem) ListOpen(ctx context.Context) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status IN (?, ?)
		ORDER BY created_at DESC
	`, string(StatusOpen), string(StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("query open tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteSystem) byKey(ctx context.Context, req Request) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE session_id = ? AND kind = ? AND turn_index = ?
	`, req.SessionID, string(req.Kind), req.TurnIndex)
	return scanTicket(row)
}

const selectColumns = `
	SELECT ticket_id, protocol, session_id, user_id, kind, turn_index,
	       priority, status, description, evidence, created_at,
	       resolved_at, resolution
	FROM tickets
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var (
		t          Ticket
		kind       string
		priority   string
		status     string
		evidence   sql.NullString
		resolvedAt sql.NullTime
		resolution sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Protocol, &t.SessionID, &t.UserID, &kind, &t.TurnIndex,
		&priority, &status, &t.Description, &evidence, &t.CreatedAt,
		&resolvedAt, &resolution,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}

	t.Kind = domain.EscalationKind(kind)
	t.Priority = Priority(priority)
	t.Status = Status(status)
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &t.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		t.ResolvedAt = &at
	}
	if resolution.Valid {
		t.Resolution = resolution.String
	}
	return &t, nil
}
