// Package bus provides the audit event bus: thread-safe pub/sub with
// wildcard subscriptions and a bounded replay history. Every orchestration
// turn, routing decision, and escalation transition flows through it, so
// observers (the websocket stream, tests) see the same trail the session
// history records.
package bus

import (
	"time"

	"triage/internal/domain"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTurnProcessed fires once per handled message with the final
	// orchestration result.
	EventTurnProcessed EventType = "turn_processed"

	// EventRoutingDecided fires for every routing decision, committed or
	// ambiguous.
	EventRoutingDecided EventType = "routing_decided"

	// EventEscalationChanged fires on every escalation state transition.
	EventEscalationChanged EventType = "escalation_changed"

	// EventTicketCreated fires when an escalation artifact is minted.
	EventTicketCreated EventType = "ticket_created"

	// EventSessionArchived fires when the idle sweep archives sessions.
	EventSessionArchived EventType = "session_archived"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// Routing fields
	Domain     domain.Domain `json:"domain,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Sticky     bool          `json:"sticky,omitempty"`

	// Escalation fields
	From     domain.EscalationState `json:"from,omitempty"`
	To       domain.EscalationState `json:"to,omitempty"`
	Trigger  string                 `json:"trigger,omitempty"`
	TicketID string                 `json:"ticket_id,omitempty"`

	// Result fields
	Kind     domain.ResultKind `json:"kind,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`

	// Free-form detail (archive counts, error summaries).
	Detail string `json:"detail,omitempty"`
}
