package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"triage/internal/domain"
)

// DailyStats is one day of aggregated turn outcomes.
type DailyStats struct {
	Date        string `json:"date"` // YYYY-MM-DD
	Turns       int64  `json:"turns"`
	Dispatches  int64  `json:"dispatches"`
	Clarifies   int64  `json:"clarifies"`
	Escalations int64  `json:"escalations"`
	Degraded    int64  `json:"degraded"`
}

// Store persists per-day turn rollups in SQLite. Writes are upserts keyed by
// date, so restarts continue the same rows.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the rollup table.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS metrics_daily (
			date        TEXT PRIMARY KEY,
			turns       INTEGER NOT NULL DEFAULT 0,
			dispatches  INTEGER NOT NULL DEFAULT 0,
			clarifies   INTEGER NOT NULL DEFAULT 0,
			escalations INTEGER NOT NULL DEFAULT 0,
			degraded    INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("create metrics schema: %w", err)
	}
	return nil
}

// RecordTurn bumps the rollup row for the day of at. Errors are swallowed;
// metrics persistence never blocks turn processing.
func (s *Store) RecordTurn(kind domain.ResultKind, degraded bool, at time.Time) {
	var dispatch, clarifyN, escalate, degradedN int64
	switch kind {
	case domain.ResultDispatch:
		dispatch = 1
	case domain.ResultClarify:
		clarifyN = 1
	case domain.ResultEscalate:
		escalate = 1
	}
	if degraded {
		degradedN = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec(`
		INSERT INTO metrics_daily (date, turns, dispatches, clarifies, escalations, degraded)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			turns = turns + 1,
			dispatches = dispatches + excluded.dispatches,
			clarifies = clarifies + excluded.clarifies,
			escalations = escalations + excluded.escalations,
			degraded = degraded + excluded.degraded`,
		at.UTC().Format("2006-01-02"), dispatch, clarifyN, escalate, degradedN)
}

// Daily returns up to days of rollups, newest first.
func (s *Store) Daily(ctx context.Context, days int) ([]DailyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, turns, dispatches, clarifies, escalations, degraded
		FROM metrics_daily ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("query daily metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Date, &d.Turns, &d.Dispatches, &d.Clarifies, &d.Escalations, &d.Degraded); err != nil {
			return nil, fmt.Errorf("scan daily metrics: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
