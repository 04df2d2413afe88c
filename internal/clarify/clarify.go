// Package clarify builds disambiguation prompts for turns the router could
// not commit, and bounds how many rounds a session may spend clarifying
// before escalation takes over.
package clarify

import (
	"fmt"
	"strings"
	"time"

	"triage/internal/domain"
	"triage/internal/intent"
)

const (
	// DefaultMaxRounds is the round count at which an unresolved
	// clarification exchange is handed to a human instead of asked again.
	DefaultMaxRounds = 2

	// MaxCandidates bounds the number of domains offered per prompt.
	MaxCandidates = 3
)

// Prompt is one clarification question together with the domains it offers.
type Prompt struct {
	Question   string          `json:"question"`
	Candidates []domain.Domain `json:"candidates"`
	Round      int             `json:"round"`
}

// Builder turns ambiguous routing outcomes into customer-facing questions.
type Builder struct {
	maxRounds int
}

// NewBuilder creates a Builder. maxRounds <= 0 selects DefaultMaxRounds.
func NewBuilder(maxRounds int) *Builder {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Builder{maxRounds: maxRounds}
}

// MaxRounds returns the configured round bound.
func (b *Builder) MaxRounds() int { return b.maxRounds }

// Build produces the prompt for an ambiguous turn plus the clarification
// state to commit with it. exhausted is true when this turn is the session's
// final allowed round: the caller must escalate instead of asking again.
//
// The round counter counts consecutive ambiguous turns; a confidently routed
// turn clears it via the committed delta.
func (b *Builder) Build(dist intent.Distribution, snapshot *domain.Session, now time.Time) (Prompt, domain.ClarificationState, bool) {
	round := 1
	if snapshot != nil && snapshot.Clarification != nil {
		round = snapshot.Clarification.Round + 1
	}

	candidates := dist.Ranked()
	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}
	if len(candidates) == 0 {
		// Classifier produced nothing usable; offer the broad menu rather
		// than an empty question.
		candidates = domain.PriorityOrder()[:MaxCandidates]
	}

	p := Prompt{
		Question:   question(dist, candidates),
		Candidates: candidates,
		Round:      round,
	}
	state := domain.ClarificationState{
		Candidates: candidates,
		Round:      round,
		AskedAt:    now,
	}
	return p, state, round >= b.maxRounds
}

// question picks the phrasing: a generic opener when the classifier saw
// nothing, otherwise a choice between the ranked candidates.
func question(dist intent.Distribution, candidates []domain.Domain) string {
	if len(dist) == 0 {
		return "Com o que posso ajudar você hoje? É sobre cartões, conta, investimentos ou outro assunto?"
	}

	descs := make([]string, len(candidates))
	for i, d := range candidates {
		descs[i] = d.Description()
	}
	switch len(descs) {
	case 1:
		return fmt.Sprintf("Você precisa de ajuda com %s? Pode me dar mais detalhes?", descs[0])
	default:
		last := descs[len(descs)-1]
		rest := strings.Join(descs[:len(descs)-1], ", ")
		return fmt.Sprintf("Para te atender melhor: sua dúvida é sobre %s ou %s?", rest, last)
	}
}
