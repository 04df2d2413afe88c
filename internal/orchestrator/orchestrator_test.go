package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triage/internal/bus"
	"triage/internal/clarify"
	"triage/internal/domain"
	"triage/internal/escalation"
	"triage/internal/frustration"
	"triage/internal/intent"
	"triage/internal/memory"
	"triage/internal/pattern"
	"triage/internal/router"
	"triage/internal/session"
	"triage/internal/ticket"
)

// scriptClassifier returns canned distributions per normalized text, with a
// fallback for anything unscripted.
type scriptClassifier struct {
	byText   map[string]intent.Result
	fallback intent.Result
	err      error
}

func (s *scriptClassifier) Classify(ctx context.Context, text string) (intent.Result, error) {
	if s.err != nil {
		return intent.Result{}, s.err
	}
	if res, ok := s.byText[text]; ok {
		return res, nil
	}
	return s.fallback, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *memory.MemStore
	tickets *ticket.MemSystem
	bus     *bus.Bus
}

func newFixture(t *testing.T, classifier intent.Classifier) *fixture {
	t.Helper()
	store := memory.NewMemStore()
	tickets := ticket.NewMemSystem()
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	orch := New(DefaultConfig(), Deps{
		Frustration: frustration.New(),
		Patterns:    pattern.New(),
		Router:      router.New(classifier, router.DefaultConfig()),
		Clarifier:   clarify.NewBuilder(clarify.DefaultMaxRounds),
		Escalation:  escalation.NewManager(escalation.DefaultConfig()),
		Tickets:     tickets,
		Store:       store,
		Sessions:    session.New(store, session.DefaultConfig()),
		Bus:         b,
	})
	return &fixture{orch: orch, store: store, tickets: tickets, bus: b}
}

func dist(pairs map[domain.Domain]float64) intent.Result {
	return intent.Result{Distribution: intent.Distribution(pairs)}
}

func TestScenarioConfidentCardMessageDispatches(t *testing.T) {
	f := newFixture(t, &scriptClassifier{byText: map[string]intent.Result{
		"quero ajuda com meu cartão": dist(map[domain.Domain]float64{
			domain.DomainCards:  0.9,
			domain.DomainCredit: 0.05,
		}),
	}})
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero ajuda com meu cartao", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultDispatch, res.Kind)
	require.Equal(t, domain.DomainCards, res.Domain)

	s, err := f.orch.Session(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 0, s.FrustrationLevel, "clean message must not raise frustration")
	require.Equal(t, 1, s.TurnCount)
	require.Len(t, s.History, 1)
	require.Equal(t, domain.EscalationNone, s.Escalation)
}

func TestScenarioRepeatedAmbiguityEscalatesToHuman(t *testing.T) {
	ambiguous := dist(map[domain.Domain]float64{
		domain.DomainCards:  0.45,
		domain.DomainCredit: 0.40,
	})
	f := newFixture(t, &scriptClassifier{fallback: ambiguous})
	ctx := context.Background()

	first, err := f.orch.HandleMessage(ctx, "s1", "u1", "tenho uma duvida", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultClarify, first.Kind)
	require.NotEmpty(t, first.Prompt)
	require.LessOrEqual(t, len(first.Candidates), clarify.MaxCandidates)

	second, err := f.orch.HandleMessage(ctx, "s1", "u1", "sobre varias coisas", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, second.Kind)
	require.Equal(t, domain.EscalateHuman, second.Escalation)
	require.NotEmpty(t, second.TicketID)
	require.NotEmpty(t, second.Protocol)

	s, err := f.orch.Session(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.EscalationEscalated, s.Escalation)
	require.Equal(t, second.TicketID, s.TicketID)
}

func TestScenarioFraudForcesTechnicalAtZeroFrustration(t *testing.T) {
	f := newFixture(t, &scriptClassifier{fallback: dist(map[domain.Domain]float64{
		domain.DomainDigitalAccount: 0.9,
	})})
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1",
		"preciso transferir agora, estou num novo celular", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, res.Kind)
	require.Equal(t, domain.EscalateTechnical, res.Escalation)
	require.NotEmpty(t, res.TicketID)

	s, err := f.orch.Session(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 0, s.FrustrationLevel)
	require.Equal(t, domain.EscalationEscalated, s.Escalation)

	tk, err := f.tickets.Get(ctx, res.TicketID)
	require.NoError(t, err)
	require.Equal(t, ticket.PriorityCritical, tk.Priority)
}

func TestStickyRoutingAcrossTurns(t *testing.T) {
	f := newFixture(t, &scriptClassifier{byText: map[string]intent.Result{
		"quero ajuda com meu cartão": dist(map[domain.Domain]float64{
			domain.DomainCards: 0.9,
		}),
		"e o limite?": dist(map[domain.Domain]float64{
			domain.DomainCredit: 0.6,
			domain.DomainCards:  0.55,
		}),
	}})
	ctx := context.Background()

	first, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero ajuda com meu cartao", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.DomainCards, first.Domain)

	second, err := f.orch.HandleMessage(ctx, "s1", "u1", "e o limite?", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultDispatch, second.Kind)
	require.Equal(t, domain.DomainCards, second.Domain, "session must stick to cards")
}

func TestClassifierDownDegradesToClarification(t *testing.T) {
	f := newFixture(t, &scriptClassifier{err: intent.ErrUnavailable})
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1", "paguei duas vezes", time.Now())
	require.NoError(t, err, "classifier outage must not fail the turn")
	require.Equal(t, domain.ResultClarify, res.Kind)
	require.NotEmpty(t, res.Prompt)

	s, _ := f.orch.Session(ctx, "s1")
	require.Equal(t, 1, s.TurnCount, "message must not be lost")
}

func TestExplicitHumanRequestEscalates(t *testing.T) {
	f := newFixture(t, &scriptClassifier{fallback: dist(map[domain.Domain]float64{
		domain.DomainCards: 0.9,
	})})
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero falar com humano agora", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, res.Kind)
	require.Equal(t, domain.EscalateHuman, res.Escalation)
}

func TestTicketOutageHoldsPendingAndRecovers(t *testing.T) {
	f := newFixture(t, &scriptClassifier{fallback: dist(map[domain.Domain]float64{
		domain.DomainCards: 0.9,
	})})
	// Fail more attempts than one turn retries.
	f.tickets.FailN = DefaultConfig().TicketRetries
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero atendente", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, res.Kind)
	require.True(t, res.Degraded)
	require.Empty(t, res.TicketID)
	require.NotEmpty(t, res.Prompt, "caller is told the request was received")

	s, _ := f.orch.Session(ctx, "s1")
	require.Equal(t, domain.EscalationHumanPending, s.Escalation, "pending is held, never dropped")

	// Collaborator back up: the next message finishes the escalation.
	res2, err := f.orch.HandleMessage(ctx, "s1", "u1", "alguma novidade?", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, res2.Kind)
	require.False(t, res2.Degraded)
	require.NotEmpty(t, res2.TicketID)

	s, _ = f.orch.Session(ctx, "s1")
	require.Equal(t, domain.EscalationEscalated, s.Escalation)
}

func TestEscalatedSessionStopsRoutingButKeepsRecording(t *testing.T) {
	f := newFixture(t, &scriptClassifier{fallback: dist(map[domain.Domain]float64{
		domain.DomainCards: 0.9,
	})})
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero falar com humano", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, res.Kind)

	after, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero ajuda com meu cartao", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, after.Kind, "no automated routing once escalated")
	require.Equal(t, res.Protocol, after.Protocol, "same artifact echoed back")

	s, _ := f.orch.Session(ctx, "s1")
	require.Equal(t, 2, s.TurnCount)
	require.Len(t, s.History, 2)
}

func TestResolveAndResetLifecycle(t *testing.T) {
	f := newFixture(t, &scriptClassifier{fallback: dist(map[domain.Domain]float64{
		domain.DomainCards: 0.9,
	})})
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero falar com humano", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultEscalate, res.Kind)

	require.NoError(t, f.orch.ResolveEscalation(ctx, "s1", "cliente atendido"))
	s, _ := f.orch.Session(ctx, "s1")
	require.Equal(t, domain.EscalationResolved, s.Escalation)

	tk, err := f.tickets.Get(ctx, res.TicketID)
	require.NoError(t, err)
	require.Equal(t, ticket.StatusResolved, tk.Status)

	require.NoError(t, f.orch.ResetSession(ctx, "s1"))
	s, _ = f.orch.Session(ctx, "s1")
	require.Equal(t, domain.EscalationNone, s.Escalation)

	// Automated handling resumes.
	res, err = f.orch.HandleMessage(ctx, "s1", "u1", "quero ajuda com meu cartao", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ResultDispatch, res.Kind)
}

func TestResolveRequiresEscalatedState(t *testing.T) {
	f := newFixture(t, &scriptClassifier{fallback: dist(map[domain.Domain]float64{
		domain.DomainCards: 0.9,
	})})
	ctx := context.Background()

	_, err := f.orch.HandleMessage(ctx, "s1", "u1", "oi tudo bem", time.Now())
	require.NoError(t, err)
	require.Error(t, f.orch.ResolveEscalation(ctx, "s1", "x"))
}

func TestUserContextGetsEscalationNote(t *testing.T) {
	f := newFixture(t, &scriptClassifier{fallback: dist(map[domain.Domain]float64{
		domain.DomainCards: 0.9,
	})})
	ctx := context.Background()

	res, err := f.orch.HandleMessage(ctx, "s1", "u1", "quero falar com humano", time.Now())
	require.NoError(t, err)

	notes, err := f.store.LoadUserContext(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], res.Protocol)
}

func TestTurnInvariantHoldsAcrossMixedTurns(t *testing.T) {
	ambiguous := dist(map[domain.Domain]float64{
		domain.DomainCards:  0.45,
		domain.DomainCredit: 0.44,
	})
	f := newFixture(t, &scriptClassifier{
		byText: map[string]intent.Result{
			"quero ajuda com meu cartão": dist(map[domain.Domain]float64{domain.DomainCards: 0.9}),
		},
		fallback: ambiguous,
	})
	ctx := context.Background()

	msgs := []string{"quero ajuda com meu cartao", "hmm", "sei la"}
	for _, m := range msgs {
		_, err := f.orch.HandleMessage(ctx, "s1", "u1", m, time.Now())
		require.NoError(t, err)
		s, err := f.orch.Session(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, s.TurnCount, len(s.History), "turn_count == len(history) after every commit")
	}
}
