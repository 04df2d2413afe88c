package domain

// EscalationState is the escalation position of a session. Transitions are
// monotonic forward except RESOLVED → NONE (session reset); the legal moves
// live in the transition table below so invalid combinations cannot be
// represented.
type EscalationState string

const (
	EscalationNone             EscalationState = "none"
	EscalationMonitoring       EscalationState = "monitoring"
	EscalationHumanPending     EscalationState = "human_pending"
	EscalationTechnicalPending EscalationState = "technical_pending"
	EscalationEscalated        EscalationState = "escalated"
	EscalationResolved         EscalationState = "resolved"
)

// String returns the string representation of an EscalationState.
func (s EscalationState) String() string {
	return string(s)
}

// IsValid reports whether s is a known escalation state.
func (s EscalationState) IsValid() bool {
	switch s {
	case EscalationNone, EscalationMonitoring, EscalationHumanPending,
		EscalationTechnicalPending, EscalationEscalated, EscalationResolved:
		return true
	}
	return false
}

// Pending reports whether the state is waiting on an escalation artifact.
func (s EscalationState) Pending() bool {
	return s == EscalationHumanPending || s == EscalationTechnicalPending
}

// transitions is the closed legal-move table for the escalation machine.
var transitions = map[EscalationState][]EscalationState{
	EscalationNone:             {EscalationMonitoring, EscalationHumanPending, EscalationTechnicalPending},
	EscalationMonitoring:       {EscalationNone, EscalationHumanPending, EscalationTechnicalPending},
	EscalationHumanPending:     {EscalationEscalated},
	EscalationTechnicalPending: {EscalationEscalated},
	EscalationEscalated:        {EscalationResolved},
	EscalationResolved:         {EscalationNone},
}

// CanTransition reports whether moving from s to next is a legal transition.
// Staying in place is always legal.
func (s EscalationState) CanTransition(next EscalationState) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// EscalationKind distinguishes the two escalation targets.
type EscalationKind string

const (
	// EscalateHuman hands the session to a human agent.
	EscalateHuman EscalationKind = "human"
	// EscalateTechnical hands the session to technical review.
	EscalateTechnical EscalationKind = "technical"
)

// PendingState returns the *_PENDING state corresponding to the kind.
func (k EscalationKind) PendingState() EscalationState {
	if k == EscalateTechnical {
		return EscalationTechnicalPending
	}
	return EscalationHumanPending
}
