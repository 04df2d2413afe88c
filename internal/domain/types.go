// Package domain defines the shared value types of the triage core:
// specialist domains, messages, routing decisions, pattern signals, and the
// session aggregate that ties them together.
package domain

import (
	"time"
)

// Domain identifies one of the specialist handling domains.
type Domain string

const (
	// DomainCards handles card issues (limits, invoices, blocks, cloning).
	DomainCards Domain = "cards"
	// DomainCredit handles loans, financing, and debt negotiation.
	DomainCredit Domain = "credit"
	// DomainDigitalAccount handles accounts, PIX, transfers, and payments.
	DomainDigitalAccount Domain = "digital_account"
	// DomainInvestments handles investment products and returns.
	DomainInvestments Domain = "investments"
	// DomainInsurance handles insurance quotes, coverage, and claims.
	DomainInsurance Domain = "insurance"
	// DomainAmbiguous marks a turn that could not be committed to a domain.
	DomainAmbiguous Domain = "ambiguous"
)

// AllDomains returns the closed set of routable specialist domains.
// DomainAmbiguous is excluded: it is never a dispatch target.
func AllDomains() []Domain {
	return []Domain{
		DomainCards,
		DomainCredit,
		DomainDigitalAccount,
		DomainInvestments,
		DomainInsurance,
	}
}

// PriorityOrder is the stable tie-break order for routing. Security-sensitive
// domains come first so that ties never starve a fraud-prone domain.
func PriorityOrder() []Domain {
	return []Domain{
		DomainCards,
		DomainCredit,
		DomainDigitalAccount,
		DomainInvestments,
		DomainInsurance,
	}
}

// String returns the string representation of a Domain.
func (d Domain) String() string {
	return string(d)
}

// IsValid reports whether d is a routable specialist domain.
func (d Domain) IsValid() bool {
	for _, valid := range AllDomains() {
		if d == valid {
			return true
		}
	}
	return false
}

// Description returns a customer-facing description of the domain, used in
// clarification prompts.
func (d Domain) Description() string {
	switch d {
	case DomainCards:
		return "cartões"
	case DomainCredit:
		return "crédito e empréstimos"
	case DomainDigitalAccount:
		return "conta digital e PIX"
	case DomainInvestments:
		return "investimentos"
	case DomainInsurance:
		return "seguros"
	default:
		return "atendimento geral"
	}
}

// Message is an immutable inbound turn. It is created once per message and
// never mutated afterwards.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Sender     string    `json:"sender"`
	RawText    string    `json:"raw_text"`
	Normalized string    `json:"normalized_text"`
	Timestamp  time.Time `json:"timestamp"`
}

// RoutingDecision is the committed outcome of classifying one message.
// Decisions are appended to session history and form the audit trail; they
// are never mutated after commit.
type RoutingDecision struct {
	// Domain is the committed target, or DomainAmbiguous when clarification
	// is needed.
	Domain Domain `json:"domain"`

	// Confidence is the classifier probability behind the commit (0..1).
	Confidence float64 `json:"confidence"`

	// MatchedSignals lists the lexical signals that contributed to the
	// decision, sorted for stable comparison.
	MatchedSignals []string `json:"matched_signals,omitempty"`

	// NeedsClarification is set when no domain could be committed.
	NeedsClarification bool `json:"needs_clarification"`

	// Sticky is set when the decision kept the session's previous domain via
	// the continuation threshold rather than a fresh classification win.
	Sticky bool `json:"sticky,omitempty"`

	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}

// SignalType classifies a pattern signal.
type SignalType string

const (
	// SignalFraud indicates fraud or security-sensitive evidence. Fraud
	// signals force technical escalation regardless of sentiment.
	SignalFraud SignalType = "fraud"
	// SignalAmbiguityStreak indicates consecutive low-confidence routings.
	SignalAmbiguityStreak SignalType = "ambiguity_streak"
	// SignalRepeatedComplaint indicates the same complaint across turns.
	SignalRepeatedComplaint SignalType = "repeated_complaint"
)

// Severity grades a pattern signal for the escalation manager.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

// String returns a human-readable severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// PatternSignal is a derived, evidence-backed risk indicator spanning one or
// more turns. Signals are inputs to the escalation manager and are folded
// into session history annotations rather than persisted on their own.
type PatternSignal struct {
	Type       SignalType `json:"type"`
	Severity   Severity   `json:"severity"`
	Confidence float64    `json:"confidence"`
	Evidence   []string   `json:"evidence,omitempty"`
}

// ForcesTechnical reports whether this signal bypasses the frustration
// watermarks and forces technical escalation.
func (p PatternSignal) ForcesTechnical() bool {
	return p.Type == SignalFraud
}
