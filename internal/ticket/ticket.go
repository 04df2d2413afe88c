// Package ticket implements the ticketing collaborator: escalation artifacts
// with protocol numbers, priority, and SLA metadata. Creation is idempotent
// on (session_id, kind, turn_index) so orchestrator retries never mint
// duplicate tickets.
package ticket

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"triage/internal/domain"
)

// Priority grades a ticket for queueing and SLA.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// SLA returns the response-time target for the priority.
func (p Priority) SLA() time.Duration {
	switch p {
	case PriorityCritical:
		return 30 * time.Minute
	case PriorityHigh:
		return 2 * time.Hour
	case PriorityMedium:
		return 8 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Status is the ticket lifecycle position.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Ticket is one escalation artifact.
type Ticket struct {
	ID        string                `json:"ticket_id"`
	Protocol  string                `json:"protocol"`
	SessionID string                `json:"session_id"`
	UserID    string                `json:"user_id"`
	Kind      domain.EscalationKind `json:"kind"`
	TurnIndex int                   `json:"turn_index"`
	Priority  Priority              `json:"priority"`
	Status    Status                `json:"status"`

	// Description is the customer's own words for the issue.
	Description string `json:"description"`

	// Evidence carries the signal evidence and handoff notes.
	Evidence []string `json:"evidence,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Overdue reports whether the ticket has blown its SLA as of now.
func (t *Ticket) Overdue(now time.Time) bool {
	if t.Status == StatusResolved || t.Status == StatusClosed {
		return false
	}
	return now.Sub(t.CreatedAt) > t.Priority.SLA()
}

// Request asks for a ticket. (SessionID, Kind, TurnIndex) is the idempotency
// key: repeated requests with the same key return the original ticket.
type Request struct {
	SessionID   string
	UserID      string
	Kind        domain.EscalationKind
	TurnIndex   int
	Description string
	Evidence    []string
	Priority    Priority
}

func (r Request) key() string {
	return fmt.Sprintf("%s|%s|%d", r.SessionID, r.Kind, r.TurnIndex)
}

// System is the ticketing capability contract.
type System interface {
	// Create opens a ticket, or returns the existing one for the same
	// idempotency key.
	Create(ctx context.Context, req Request) (*Ticket, error)
	// Get fetches a ticket by id.
	Get(ctx context.Context, id string) (*Ticket, error)
	// Resolve closes out a ticket with a resolution note.
	Resolve(ctx context.Context, id, resolution string) error
	// ListOpen returns unresolved tickets, newest first.
	ListOpen(ctx context.Context) ([]*Ticket, error)
}

// DetectPriority maps description vocabulary to a priority; fraud and
// urgency vocabulary outranks everything else. Technical escalations floor
// at critical because they carry security evidence.
func DetectPriority(kind domain.EscalationKind, description string) Priority {
	if kind == domain.EscalateTechnical {
		return PriorityCritical
	}
	lower := strings.ToLower(description)
	switch {
	case containsAny(lower, "urgente", "emergência", "fraude", "roubo"):
		return PriorityCritical
	case containsAny(lower, "bloqueio", "bloqueado", "sem acesso"):
		return PriorityHigh
	case containsAny(lower, "erro", "problema", "não funciona"):
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// newTicketID mints a ticket id like TKT-20260826153000-1A2B3C4D.
func newTicketID(now time.Time) string {
	return fmt.Sprintf("TKT-%s-%s",
		now.Format("20060102150405"),
		strings.ToUpper(uuid.NewString()[:8]))
}

// newProtocol mints a customer-facing protocol number like PB202608261530xxxx.
func newProtocol(now time.Time) string {
	u := uuid.New()
	suffix := binary.BigEndian.Uint32(u[:4]) % 10000
	return fmt.Sprintf("PB%s%04d", now.Format("200601021504"), suffix)
}
