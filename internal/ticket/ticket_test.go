package ticket

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triage/internal/domain"
	"triage/internal/storage"
)

func newSQLiteSystem(t *testing.T) *SQLiteSystem {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSQLiteSystem(db)
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestSQLiteCreateIsIdempotent(t *testing.T) {
	s := newSQLiteSystem(t)
	ctx := context.Background()
	req := Request{
		SessionID:   "s1",
		UserID:      "u1",
		Kind:        domain.EscalateHuman,
		TurnIndex:   4,
		Description: "quero falar com atendente",
	}

	first, err := s.Create(ctx, req)
	require.NoError(t, err)
	second, err := s.Create(ctx, req)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Protocol, second.Protocol)
}

func TestSQLiteDistinctKeysMintDistinctTickets(t *testing.T) {
	s := newSQLiteSystem(t)
	ctx := context.Background()

	a, err := s.Create(ctx, Request{SessionID: "s1", Kind: domain.EscalateHuman, TurnIndex: 1, Description: "x"})
	require.NoError(t, err)
	b, err := s.Create(ctx, Request{SessionID: "s1", Kind: domain.EscalateHuman, TurnIndex: 2, Description: "x"})
	require.NoError(t, err)
	c, err := s.Create(ctx, Request{SessionID: "s1", Kind: domain.EscalateTechnical, TurnIndex: 1, Description: "x"})
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.ID, c.ID)
}

func TestSQLiteGetAndResolve(t *testing.T) {
	s := newSQLiteSystem(t)
	ctx := context.Background()

	created, err := s.Create(ctx, Request{
		SessionID:   "s1",
		Kind:        domain.EscalateTechnical,
		TurnIndex:   0,
		Description: "transação estranha na conta",
		Evidence:    []string{"security:transação estranha"},
	})
	require.NoError(t, err)
	require.Equal(t, PriorityCritical, created.Priority)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Protocol, got.Protocol)
	require.Equal(t, created.Evidence, got.Evidence)

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.Resolve(ctx, created.ID, "bloqueio preventivo aplicado"))
	resolved, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	open, err = s.ListOpen(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestSQLiteGetUnknownID(t *testing.T) {
	s := newSQLiteSystem(t)
	_, err := s.Get(context.Background(), "TKT-nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemSystemIdempotency(t *testing.T) {
	m := NewMemSystem()
	ctx := context.Background()
	req := Request{SessionID: "s9", Kind: domain.EscalateHuman, TurnIndex: 7, Description: "ajuda"}

	first, err := m.Create(ctx, req)
	require.NoError(t, err)
	second, err := m.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestDetectPriority(t *testing.T) {
	cases := []struct {
		kind domain.EscalationKind
		desc string
		want Priority
	}{
		{domain.EscalateTechnical, "qualquer coisa", PriorityCritical},
		{domain.EscalateHuman, "suspeita de fraude no cartão", PriorityCritical},
		{domain.EscalateHuman, "estou sem acesso à conta", PriorityHigh},
		{domain.EscalateHuman, "erro ao pagar boleto", PriorityMedium},
		{domain.EscalateHuman, "dúvida sobre rendimento", PriorityLow},
	}
	for _, tc := range cases {
		if got := DetectPriority(tc.kind, tc.desc); got != tc.want {
			t.Errorf("DetectPriority(%s, %q) = %s, want %s", tc.kind, tc.desc, got, tc.want)
		}
	}
}

func TestPrioritySLA(t *testing.T) {
	if PriorityCritical.SLA() != 30*time.Minute {
		t.Errorf("critical SLA = %v", PriorityCritical.SLA())
	}
	tk := &Ticket{Priority: PriorityCritical, Status: StatusOpen, CreatedAt: time.Now().Add(-time.Hour)}
	if !tk.Overdue(time.Now()) {
		t.Error("hour-old critical ticket must be overdue")
	}
}
