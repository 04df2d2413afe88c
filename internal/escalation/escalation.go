// Package escalation decides when a session leaves automated handling. It is
// a state machine over domain.EscalationState driven by frustration
// watermarks, pattern signals, and clarification exhaustion, plus the
// artifact side: building ticket requests and customer-facing handoff
// messages.
package escalation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triage/internal/domain"
	"triage/internal/frustration"
	"triage/internal/logging"
	"triage/internal/ticket"
)

// Config holds the watermark thresholds.
type Config struct {
	// LowWatermark is the frustration level that moves NONE to MONITORING.
	LowWatermark int
	// HighWatermark is the frustration level that moves MONITORING (or NONE)
	// to HUMAN_PENDING.
	HighWatermark int
	// CalmTurns is how many consecutive clean turns under the low watermark
	// de-escalate MONITORING back to NONE.
	CalmTurns int
}

// DefaultConfig returns the default watermarks.
func DefaultConfig() Config {
	return Config{LowWatermark: 2, HighWatermark: 4, CalmTurns: 2}
}

// Trigger names why an escalation decision fired, for audit and stats.
type Trigger string

const (
	TriggerFraudSignal     Trigger = "fraud_signal"
	TriggerHighFrustration Trigger = "high_frustration"
	TriggerClarifyExhaust  Trigger = "clarification_exhausted"
	TriggerHumanRequest    Trigger = "explicit_human_request"
	TriggerGivingUp        Trigger = "giving_up"
	TriggerPatternSignal   Trigger = "pattern_signal"
	TriggerCalmedDown      Trigger = "calmed_down"
)

// Decision is one evaluation outcome. Changed is false when the session
// stays where it is.
type Decision struct {
	Next     domain.EscalationState
	Changed  bool
	Kind     domain.EscalationKind
	Trigger  Trigger
	Evidence []string
}

// Input carries everything one evaluation needs about the current turn.
type Input struct {
	// Level is the frustration level the turn will commit (already clamped).
	Level int
	// Frustration is this turn's scoring result.
	Frustration frustration.Result
	// Signals are this turn's pattern signals.
	Signals []domain.PatternSignal
	// ClarifyExhausted is set when clarification rounds ran out this turn.
	ClarifyExhausted bool
}

// Stats aggregates evaluation outcomes.
type Stats struct {
	Evaluations int64                           `json:"evaluations"`
	Escalations int64                           `json:"escalations"`
	ByTrigger   map[Trigger]int64               `json:"by_trigger"`
	ByKind      map[domain.EscalationKind]int64 `json:"by_kind"`
}

// Manager evaluates escalation transitions. Safe for concurrent use.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewManager creates a Manager with the given watermarks.
func NewManager(cfg Config) *Manager {
	if cfg.HighWatermark <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg: cfg,
		log: logging.ForComponent("escalation"),
		stats: Stats{
			ByTrigger: make(map[Trigger]int64),
			ByKind:    make(map[domain.EscalationKind]int64),
		},
	}
}

// Evaluate decides the next escalation state for the turn. Fraud-class
// signals bypass the watermarks entirely: they force TECHNICAL_PENDING no
// matter how calm the customer reads. ESCALATED is terminal for the turn it
// was entered; RESOLVED only moves on session reset.
func (m *Manager) Evaluate(snapshot *domain.Session, in Input) Decision {
	m.count(func(s *Stats) { s.Evaluations++ })

	state := snapshot.Escalation
	switch state {
	case domain.EscalationEscalated, domain.EscalationResolved:
		return Decision{Next: state}
	case domain.EscalationHumanPending:
		return Decision{Next: state, Kind: domain.EscalateHuman}
	case domain.EscalationTechnicalPending:
		return Decision{Next: state, Kind: domain.EscalateTechnical}
	}

	if sig, ok := fraudSignal(in.Signals); ok {
		return m.escalate(state, domain.EscalateTechnical, TriggerFraudSignal, sig.Evidence)
	}

	if trigger, ok := humanTrigger(m.cfg, in); ok {
		return m.escalate(state, domain.EscalateHuman, trigger, nil)
	}

	switch state {
	case domain.EscalationNone:
		if in.Level >= m.cfg.LowWatermark || len(in.Signals) > 0 {
			trigger := TriggerHighFrustration
			if in.Level < m.cfg.LowWatermark {
				trigger = TriggerPatternSignal
			}
			m.count(func(s *Stats) { s.ByTrigger[trigger]++ })
			return Decision{Next: domain.EscalationMonitoring, Changed: true, Trigger: trigger}
		}
	case domain.EscalationMonitoring:
		clean := snapshot.CleanTurns
		if in.Frustration.Delta < 0 && len(in.Signals) == 0 {
			clean++
		}
		if in.Level < m.cfg.LowWatermark && clean >= m.cfg.CalmTurns {
			m.count(func(s *Stats) { s.ByTrigger[TriggerCalmedDown]++ })
			return Decision{Next: domain.EscalationNone, Changed: true, Trigger: TriggerCalmedDown}
		}
	}
	return Decision{Next: state}
}

func (m *Manager) escalate(from domain.EscalationState, kind domain.EscalationKind, trigger Trigger, evidence []string) Decision {
	next := kind.PendingState()
	if !from.CanTransition(next) {
		// The table allows NONE/MONITORING into either pending state, so
		// this only trips on a programming error upstream.
		m.log.Error().Str("from", from.String()).Str("to", next.String()).Msg("illegal escalation transition")
		return Decision{Next: from}
	}
	m.count(func(s *Stats) {
		s.Escalations++
		s.ByTrigger[trigger]++
		s.ByKind[kind]++
	})
	m.log.Info().
		Str("from", from.String()).
		Str("to", next.String()).
		Str("trigger", string(trigger)).
		Msg("escalation pending")
	return Decision{Next: next, Changed: true, Kind: kind, Trigger: trigger, Evidence: evidence}
}

// Stats returns a copy of the aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{
		Evaluations: m.stats.Evaluations,
		Escalations: m.stats.Escalations,
		ByTrigger:   make(map[Trigger]int64, len(m.stats.ByTrigger)),
		ByKind:      make(map[domain.EscalationKind]int64, len(m.stats.ByKind)),
	}
	for k, v := range m.stats.ByTrigger {
		out.ByTrigger[k] = v
	}
	for k, v := range m.stats.ByKind {
		out.ByKind[k] = v
	}
	return out
}

func (m *Manager) count(fn func(*Stats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

func fraudSignal(signals []domain.PatternSignal) (domain.PatternSignal, bool) {
	for _, sig := range signals {
		if sig.ForcesTechnical() {
			return sig, true
		}
	}
	return domain.PatternSignal{}, false
}

func humanTrigger(cfg Config, in Input) (Trigger, bool) {
	switch {
	case in.Frustration.ExplicitHumanRequest:
		return TriggerHumanRequest, true
	case in.ClarifyExhausted:
		return TriggerClarifyExhaust, true
	case in.Level >= cfg.HighWatermark:
		return TriggerHighFrustration, true
	case in.Frustration.GivingUp && in.Level >= cfg.LowWatermark:
		return TriggerGivingUp, true
	}
	return "", false
}

// TicketRequest assembles the artifact request for a pending escalation.
// The turn index keys idempotency, so orchestrator retries for the same turn
// reuse the stored ticket.
func TicketRequest(snapshot *domain.Session, kind domain.EscalationKind, msg domain.Message, d Decision) ticket.Request {
	evidence := append([]string(nil), d.Evidence...)
	evidence = append(evidence, "trigger:"+string(d.Trigger))
	return ticket.Request{
		SessionID:   snapshot.SessionID,
		UserID:      snapshot.UserID,
		Kind:        kind,
		TurnIndex:   snapshot.TurnCount,
		Description: msg.RawText,
		Evidence:    evidence,
	}
}

// HandoffSummary condenses the session for the receiving agent: domain,
// frustration, last turns, and the firing trigger.
func HandoffSummary(snapshot *domain.Session, d Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "trigger=%s frustration=%d turns=%d", d.Trigger, snapshot.FrustrationLevel, snapshot.TurnCount)
	if snapshot.CurrentDomain != nil {
		fmt.Fprintf(&b, " domain=%s", *snapshot.CurrentDomain)
	}
	history := snapshot.History
	if len(history) > 3 {
		history = history[len(history)-3:]
	}
	for _, turn := range history {
		fmt.Fprintf(&b, "\n[%s] %s", turn.Message.Timestamp.Format(time.RFC3339), turn.Message.RawText)
	}
	return b.String()
}

// HandoffMessage is the customer-facing confirmation sent once the artifact
// exists. Technical escalations get the security variant.
func HandoffMessage(t *ticket.Ticket) string {
	if t.Kind == domain.EscalateTechnical {
		return fmt.Sprintf(
			"Identificamos uma possível questão de segurança em sua conta. "+
				"Protocolo: %s. Não compartilhe senhas ou códigos com ninguém; "+
				"nossa equipe de segurança entrará em contato em até 30 minutos.",
			t.Protocol)
	}
	return fmt.Sprintf(
		"Entendo sua situação e vou transferir você para um de nossos especialistas. "+
			"Protocolo de atendimento: %s. Um atendente entrará em contato em breve; "+
			"guarde o protocolo para acompanhamento.",
		t.Protocol)
}
