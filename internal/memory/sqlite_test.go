package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triage/internal/domain"
	"triage/internal/storage"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "triage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSQLiteStore(db)
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cards := domain.DomainCards
	session := domain.NewSession("s1", "u1", time.Now().UTC().Truncate(time.Second))
	session.CurrentDomain = &cards
	session.FrustrationLevel = 2
	session.TurnCount = 1
	session.Version = 1
	session.Affinity[cards] = 1
	session.History = []domain.Turn{{
		Message:  domain.Message{ID: "m1", SessionID: "s1", Sender: "user", RawText: "oi", Normalized: "oi", Timestamp: session.CreatedAt},
		Decision: domain.RoutingDecision{Domain: cards, Confidence: 0.9},
	}}

	require.NoError(t, s.SaveSession(ctx, session))

	got, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.SessionID, got.SessionID)
	require.Equal(t, 1, got.TurnCount)
	require.Len(t, got.History, 1)
	require.NotNil(t, got.CurrentDomain)
	require.Equal(t, cards, *got.CurrentDomain)
	require.Equal(t, 1, got.Affinity[cards])
}

func TestLoadUnknownSession(t *testing.T) {
	s := newStore(t)
	_, err := s.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSessionUpserts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	session := domain.NewSession("s1", "u1", time.Now())
	require.NoError(t, s.SaveSession(ctx, session))

	session.TurnCount = 3
	session.Version = 3
	require.NoError(t, s.SaveSession(ctx, session))

	got, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, got.TurnCount)
	require.EqualValues(t, 3, got.Version)
}

func TestArchiveIdle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := domain.NewSession("old", "u1", now.Add(-2*time.Hour))
	fresh := domain.NewSession("new", "u1", now)
	require.NoError(t, s.SaveSession(ctx, stale))
	require.NoError(t, s.SaveSession(ctx, fresh))

	n, err := s.ArchiveIdle(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.LoadSession(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadSession(ctx, "new")
	require.NoError(t, err)
}

func TestUserContextIsAppendOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendUserEvent(ctx, "u1", "fraude confirmada no cartão"))
	require.NoError(t, s.AppendUserEvent(ctx, "u1", "cartão reemitido"))
	require.NoError(t, s.AppendUserEvent(ctx, "u2", "novo cliente"))

	notes, err := s.LoadUserContext(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"fraude confirmada no cartão", "cartão reemitido"}, notes)
}
