package domain

import (
	"time"
)

// Turn pairs a message with the routing decision committed for it. History is
// append-only: committed turns are never rewritten.
type Turn struct {
	Message  Message         `json:"message"`
	Decision RoutingDecision `json:"decision"`

	// Signals are the pattern signals observed on this turn, folded into the
	// history as an annotation.
	Signals []PatternSignal `json:"signals,omitempty"`

	// Transition records an escalation state change committed this turn, if
	// any, as "from>to".
	Transition string `json:"transition,omitempty"`
}

// ClarificationState tracks an open disambiguation exchange on a session.
type ClarificationState struct {
	// Candidates are the domains offered to the user, strongest first.
	Candidates []Domain `json:"candidates"`
	// Round counts how many clarification rounds have occurred (1-based).
	Round int `json:"round"`
	// AskedAt is when the current round was issued.
	AskedAt time.Time `json:"asked_at"`
}

// Session is the mutable aggregate owned exclusively by the state
// synchronizer. Every other component sees read snapshots (Clone) or submits
// deltas; nothing outside the synchronizer mutates a live Session.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	TurnCount    int       `json:"turn_count"`

	// CurrentDomain is the committed specialist domain, nil until the first
	// confident routing.
	CurrentDomain *Domain `json:"current_domain,omitempty"`

	// FrustrationLevel is the running frustration score, clamped to
	// [0, MaxFrustration] by the synchronizer on every commit.
	FrustrationLevel int `json:"frustration_level"`

	// CleanTurns counts consecutive turns without a negative signal, used by
	// monitoring de-escalation.
	CleanTurns int `json:"clean_turns"`

	Clarification *ClarificationState `json:"clarification,omitempty"`
	Escalation    EscalationState     `json:"escalation_state"`

	// TicketID and TicketProtocol reference the escalation artifact once one
	// exists for this session.
	TicketID       string `json:"ticket_id,omitempty"`
	TicketProtocol string `json:"ticket_protocol,omitempty"`

	// EscalatedKind records which escalation target the session went to.
	EscalatedKind EscalationKind `json:"escalated_kind,omitempty"`

	// History is the append-only audit trail. Invariant:
	// TurnCount == len(History) after every commit.
	History []Turn `json:"history"`

	// Affinity counts committed routings per domain for tie-breaking.
	Affinity map[Domain]int `json:"affinity,omitempty"`

	// Version increments on every commit; stale snapshots are detected by
	// comparing versions.
	Version int64 `json:"version"`
}

// NewSession creates a fresh session in its initial state.
func NewSession(sessionID, userID string, now time.Time) *Session {
	return &Session{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
		Escalation:   EscalationNone,
		Affinity:     make(map[Domain]int),
	}
}

// Clone returns a deep copy safe to hand out as an immutable snapshot.
func (s *Session) Clone() *Session {
	cp := *s
	if s.CurrentDomain != nil {
		d := *s.CurrentDomain
		cp.CurrentDomain = &d
	}
	if s.Clarification != nil {
		cl := *s.Clarification
		cl.Candidates = append([]Domain(nil), s.Clarification.Candidates...)
		cp.Clarification = &cl
	}
	cp.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		tc := t
		tc.Decision.MatchedSignals = append([]string(nil), t.Decision.MatchedSignals...)
		tc.Signals = append([]PatternSignal(nil), t.Signals...)
		cp.History[i] = tc
	}
	cp.Affinity = make(map[Domain]int, len(s.Affinity))
	for k, v := range s.Affinity {
		cp.Affinity[k] = v
	}
	return &cp
}

// LastTurn returns the most recent committed turn, or nil on a new session.
func (s *Session) LastTurn() *Turn {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// Delta is a proposed atomic update for one turn. The synchronizer applies
// all of it or none of it.
type Delta struct {
	Message  Message
	Decision RoutingDecision

	// FrustrationDelta is added to the session level, then clamped.
	FrustrationDelta int

	// Signals observed this turn.
	Signals []PatternSignal

	// Escalation, when non-nil, is the state to transition to. The
	// synchronizer rejects illegal transitions.
	Escalation *EscalationState

	// Clarification replaces the session's pending clarification state.
	// ClearClarification removes it; both unset leaves it untouched.
	Clarification      *ClarificationState
	ClearClarification bool

	// CommitDomain, when non-nil, sets the session's current domain.
	CommitDomain *Domain

	// Ticket references the escalation artifact; applied when non-empty.
	TicketID       string
	TicketProtocol string
	EscalatedKind  EscalationKind

	// BaseVersion is the snapshot version the delta was computed against.
	BaseVersion int64
}

// ResultKind discriminates the orchestration outcome of one turn.
type ResultKind string

const (
	ResultDispatch ResultKind = "dispatch"
	ResultClarify  ResultKind = "clarify"
	ResultEscalate ResultKind = "escalate"
)

// OrchestrationResult is what the caller gets back for one inbound message:
// a dispatch target, a clarification prompt, or an escalation artifact.
type OrchestrationResult struct {
	Kind      ResultKind `json:"kind"`
	SessionID string     `json:"session_id"`
	MessageID string     `json:"message_id"`

	// Dispatch
	Domain Domain `json:"domain,omitempty"`

	// Clarify
	Prompt     string   `json:"prompt,omitempty"`
	Candidates []Domain `json:"candidates,omitempty"`

	// Escalate
	Escalation EscalationKind `json:"escalation,omitempty"`
	TicketID   string         `json:"ticket_id,omitempty"`
	Protocol   string         `json:"protocol,omitempty"`

	// Degraded is set when the result was produced under a collaborator
	// failure (escalation accepted but artifact delayed).
	Degraded bool `json:"degraded,omitempty"`
}
