package clarify

import (
	"strings"
	"testing"
	"time"

	"triage/internal/domain"
	"triage/internal/intent"
)

func TestBuild_RanksAndBoundsCandidates(t *testing.T) {
	dist := intent.Distribution{
		domain.DomainCards:          0.4,
		domain.DomainCredit:         0.35,
		domain.DomainDigitalAccount: 0.15,
		domain.DomainInvestments:    0.1,
	}
	b := NewBuilder(0)

	p, state, exhausted := b.Build(dist, nil, time.Now())
	if exhausted {
		t.Fatal("first round must not be exhausted")
	}
	if len(p.Candidates) != MaxCandidates {
		t.Fatalf("candidates = %v, want %d", p.Candidates, MaxCandidates)
	}
	if p.Candidates[0] != domain.DomainCards || p.Candidates[1] != domain.DomainCredit {
		t.Errorf("candidates not ranked by probability: %v", p.Candidates)
	}
	if state.Round != 1 || p.Round != 1 {
		t.Errorf("round = %d/%d, want 1", p.Round, state.Round)
	}
	if !strings.Contains(p.Question, "cartões") {
		t.Errorf("question %q should mention the top candidate", p.Question)
	}
}

func TestBuild_SecondConsecutiveRoundExhausts(t *testing.T) {
	b := NewBuilder(DefaultMaxRounds)
	s := domain.NewSession("s1", "u1", time.Now())
	s.Clarification = &domain.ClarificationState{
		Candidates: []domain.Domain{domain.DomainCards},
		Round:      1,
		AskedAt:    time.Now().Add(-time.Minute),
	}

	_, state, exhausted := b.Build(intent.Distribution{domain.DomainCards: 0.4}, s, time.Now())
	if !exhausted {
		t.Fatal("round 2 of 2 must be exhausted")
	}
	if state.Round != 2 {
		t.Errorf("round = %d, want 2", state.Round)
	}
}

func TestBuild_EmptyDistributionGetsGenericPrompt(t *testing.T) {
	b := NewBuilder(0)
	p, _, _ := b.Build(nil, nil, time.Now())
	if len(p.Candidates) == 0 {
		t.Fatal("generic prompt still offers candidates")
	}
	if !strings.Contains(p.Question, "ajudar") {
		t.Errorf("question %q, want generic opener", p.Question)
	}
}
