// Package orchestrator sequences the per-message control loop: normalize,
// score frustration, scan patterns, route, clarify when the router cannot
// commit, evaluate escalation, and commit the whole turn atomically through
// the state synchronizer. Collaborator failures degrade the turn, they never
// drop the message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"triage/internal/bus"
	"triage/internal/clarify"
	"triage/internal/domain"
	"triage/internal/escalation"
	"triage/internal/frustration"
	"triage/internal/intent"
	"triage/internal/logging"
	"triage/internal/memory"
	"triage/internal/normalize"
	"triage/internal/pattern"
	"triage/internal/router"
	"triage/internal/session"
	"triage/internal/ticket"
)

// Config bounds the orchestrator's collaborator handling.
type Config struct {
	// ClassifierTimeout bounds one classification call.
	ClassifierTimeout time.Duration
	// TicketRetries is how many ticket creation attempts a turn gets.
	TicketRetries int
	// TicketBackoff is the initial retry backoff; it doubles per attempt.
	TicketBackoff time.Duration
	// CommitRetries bounds refresh-and-retry on state conflicts.
	CommitRetries int
	// MaxFrustration mirrors the synchronizer clamp, used to project the
	// level a delta will land on.
	MaxFrustration int
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		ClassifierTimeout: 5 * time.Second,
		TicketRetries:     3,
		TicketBackoff:     100 * time.Millisecond,
		CommitRetries:     3,
		MaxFrustration:    6,
	}
}

// Orchestrator drives one turn end to end. Safe for concurrent use across
// sessions; turns for one session serialize inside the synchronizer.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	frustration *frustration.Detector
	patterns    *pattern.Detector
	router      *router.Router
	clarifier   *clarify.Builder
	escalation  *escalation.Manager
	tickets     ticket.System
	store       memory.Store
	sessions    *session.Synchronizer
	bus         *bus.Bus
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Frustration *frustration.Detector
	Patterns    *pattern.Detector
	Router      *router.Router
	Clarifier   *clarify.Builder
	Escalation  *escalation.Manager
	Tickets     ticket.System
	Store       memory.Store
	Sessions    *session.Synchronizer
	Bus         *bus.Bus
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.TicketRetries <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		cfg:         cfg,
		log:         logging.ForComponent("orchestrator"),
		frustration: deps.Frustration,
		patterns:    deps.Patterns,
		router:      deps.Router,
		clarifier:   deps.Clarifier,
		escalation:  deps.Escalation,
		tickets:     deps.Tickets,
		store:       deps.Store,
		sessions:    deps.Sessions,
		bus:         deps.Bus,
	}
}

// HandleMessage processes one inbound message and returns the orchestration
// outcome: a dispatch target, a clarification prompt, or an escalation
// artifact reference. An unknown session id starts a new session.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, sender, rawText string, ts time.Time) (domain.OrchestrationResult, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := domain.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Sender:     sender,
		RawText:    rawText,
		Normalized: normalize.Normalize(rawText),
		Timestamp:  ts,
	}

	var (
		result domain.OrchestrationResult
		err    error
	)
	// State conflicts mean another turn for this session landed between our
	// snapshot and our commit; recompute against the fresh state.
	for attempt := 0; ; attempt++ {
		result, err = o.processTurn(ctx, msg)
		if !errors.Is(err, session.ErrStateConflict) || attempt >= o.cfg.CommitRetries {
			break
		}
		o.log.Debug().Str("session_id", sessionID).Int("attempt", attempt+1).Msg("commit conflict, retrying turn")
	}
	if err != nil {
		return domain.OrchestrationResult{}, err
	}

	o.bus.Publish(bus.Event{
		Type:      bus.EventTurnProcessed,
		SessionID: sessionID,
		MessageID: msg.ID,
		Kind:      result.Kind,
		Domain:    result.Domain,
		Degraded:  result.Degraded,
	})
	return result, nil
}

// processTurn runs the pipeline once against a fresh snapshot. The snapshot
// is taken and released before the classifier call so the per-session lock
// is never held across collaborator latency.
func (o *Orchestrator) processTurn(ctx context.Context, msg domain.Message) (domain.OrchestrationResult, error) {
	snapshot, err := o.sessions.GetOrCreate(ctx, msg.SessionID, msg.Sender)
	if err != nil {
		return domain.OrchestrationResult{}, fmt.Errorf("load session: %w", err)
	}

	// A session already with a human/technical agent gets no further
	// automated routing; the turn is still recorded.
	if snapshot.Escalation == domain.EscalationEscalated {
		return o.escalatedTurn(ctx, snapshot, msg)
	}

	userCtx, err := o.store.LoadUserContext(ctx, snapshot.UserID)
	if err != nil {
		// Long-term context enriches pattern scanning but is not worth
		// failing the turn over.
		o.log.Warn().Err(err).Str("user_id", snapshot.UserID).Msg("user context unavailable")
	}

	frus := o.frustration.Score(snapshot, msg)
	signals := o.patterns.Scan(snapshot, msg, userCtx)
	level := clampLevel(snapshot.FrustrationLevel+frus.Delta, o.cfg.MaxFrustration)

	decision, dist := o.route(ctx, msg, snapshot)

	delta := domain.Delta{
		Message:          msg,
		Decision:         decision,
		FrustrationDelta: frus.Delta,
		Signals:          signals,
		BaseVersion:      snapshot.Version,
	}

	var (
		prompt    clarify.Prompt
		exhausted bool
	)
	if decision.NeedsClarification {
		var clarState domain.ClarificationState
		prompt, clarState, exhausted = o.clarifier.Build(dist, snapshot, msg.Timestamp)
		if exhausted {
			delta.ClearClarification = true
		} else {
			delta.Clarification = &clarState
		}
	} else {
		d := decision.Domain
		delta.CommitDomain = &d
		delta.ClearClarification = true
	}

	dec := o.escalation.Evaluate(snapshot, escalation.Input{
		Level:            level,
		Frustration:      frus,
		Signals:          signals,
		ClarifyExhausted: exhausted,
	})
	if dec.Changed {
		next := dec.Next
		delta.Escalation = &next
	}

	committed, err := o.sessions.Commit(ctx, msg.SessionID, delta)
	if err != nil {
		return domain.OrchestrationResult{}, err
	}

	o.publishDecision(committed, msg, decision, snapshot.Escalation, dec)

	if committed.Escalation.Pending() {
		return o.finishEscalation(ctx, committed, msg, dec)
	}

	if decision.NeedsClarification {
		return domain.OrchestrationResult{
			Kind:       domain.ResultClarify,
			SessionID:  msg.SessionID,
			MessageID:  msg.ID,
			Prompt:     prompt.Question,
			Candidates: prompt.Candidates,
		}, nil
	}

	return domain.OrchestrationResult{
		Kind:      domain.ResultDispatch,
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Domain:    decision.Domain,
	}, nil
}

// route classifies with a bounded timeout. A classifier failure is degraded
// into an ambiguous decision so the turn falls through to clarification
// instead of failing.
func (o *Orchestrator) route(ctx context.Context, msg domain.Message, snapshot *domain.Session) (domain.RoutingDecision, intent.Distribution) {
	routeCtx, cancel := context.WithTimeout(ctx, o.cfg.ClassifierTimeout)
	defer cancel()

	decision, dist, err := o.router.RouteWithDistribution(routeCtx, msg.Normalized, snapshot)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", msg.SessionID).Msg("classifier unavailable, degrading to clarification")
	}
	return decision, dist
}

// escalatedTurn records a message on an already-escalated session and echoes
// the artifact reference back.
func (o *Orchestrator) escalatedTurn(ctx context.Context, snapshot *domain.Session, msg domain.Message) (domain.OrchestrationResult, error) {
	frus := o.frustration.Score(snapshot, msg)
	_, err := o.sessions.Commit(ctx, msg.SessionID, domain.Delta{
		Message:          msg,
		Decision:         domain.RoutingDecision{Domain: domain.DomainAmbiguous, DecidedAt: msg.Timestamp},
		FrustrationDelta: frus.Delta,
		BaseVersion:      snapshot.Version,
	})
	if err != nil {
		return domain.OrchestrationResult{}, err
	}
	return domain.OrchestrationResult{
		Kind:       domain.ResultEscalate,
		SessionID:  msg.SessionID,
		MessageID:  msg.ID,
		Escalation: snapshot.EscalatedKind,
		TicketID:   snapshot.TicketID,
		Protocol:   snapshot.TicketProtocol,
	}, nil
}

// finishEscalation creates the artifact for a pending escalation and moves
// the session to ESCALATED. Exhausted retries leave the session pending and
// return a degraded acknowledgement; the escalation is never silently lost.
func (o *Orchestrator) finishEscalation(ctx context.Context, committed *domain.Session, msg domain.Message, dec escalation.Decision) (domain.OrchestrationResult, error) {
	kind := dec.Kind
	if kind == "" {
		// Session entered the turn already pending from an earlier failure.
		kind = domain.EscalateHuman
		if committed.Escalation == domain.EscalationTechnicalPending {
			kind = domain.EscalateTechnical
		}
	}

	// An escalation commit survives caller cancellation; only the response
	// is abandoned.
	artifactCtx := context.WithoutCancel(ctx)

	req := escalation.TicketRequest(committed, kind, msg, dec)
	req.Evidence = append(req.Evidence, escalation.HandoffSummary(committed, dec))

	tk, err := o.createTicketWithRetry(artifactCtx, req)
	if err != nil {
		o.log.Error().Err(err).Str("session_id", msg.SessionID).Msg("escalation artifact delayed")
		return domain.OrchestrationResult{
			Kind:       domain.ResultEscalate,
			SessionID:  msg.SessionID,
			MessageID:  msg.ID,
			Escalation: kind,
			Prompt:     "Sua solicitação foi registrada e será encaminhada a um atendente. O protocolo será enviado em instantes.",
			Degraded:   true,
		}, nil
	}

	escalated := domain.EscalationEscalated
	final, err := o.sessions.Commit(artifactCtx, msg.SessionID, domain.Delta{
		Escalation:     &escalated,
		TicketID:       tk.ID,
		TicketProtocol: tk.Protocol,
		EscalatedKind:  kind,
		BaseVersion:    committed.Version,
	})
	if err != nil {
		// The ticket exists and creation is idempotent; the next turn picks
		// the pending state back up without minting a duplicate.
		o.log.Error().Err(err).Str("ticket_id", tk.ID).Msg("escalated commit failed, session held pending")
		return domain.OrchestrationResult{
			Kind:       domain.ResultEscalate,
			SessionID:  msg.SessionID,
			MessageID:  msg.ID,
			Escalation: kind,
			TicketID:   tk.ID,
			Protocol:   tk.Protocol,
			Degraded:   true,
		}, nil
	}

	o.bus.Publish(bus.Event{
		Type:      bus.EventTicketCreated,
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		TicketID:  tk.ID,
		Trigger:   string(dec.Trigger),
	})
	o.bus.Publish(bus.Event{
		Type:      bus.EventEscalationChanged,
		SessionID: msg.SessionID,
		From:      committed.Escalation,
		To:        final.Escalation,
		Trigger:   string(dec.Trigger),
		TicketID:  tk.ID,
	})

	if err := o.store.AppendUserEvent(artifactCtx, final.UserID, fmt.Sprintf("escalation %s protocolo %s", kind, tk.Protocol)); err != nil {
		o.log.Warn().Err(err).Msg("user context append failed")
	}

	return domain.OrchestrationResult{
		Kind:       domain.ResultEscalate,
		SessionID:  msg.SessionID,
		MessageID:  msg.ID,
		Escalation: kind,
		TicketID:   tk.ID,
		Protocol:   tk.Protocol,
		Prompt:     escalation.HandoffMessage(tk),
	}, nil
}

// createTicketWithRetry attempts ticket creation with exponential backoff.
// Idempotency on (session, kind, turn) makes the retries safe.
func (o *Orchestrator) createTicketWithRetry(ctx context.Context, req ticket.Request) (*ticket.Ticket, error) {
	backoff := o.cfg.TicketBackoff
	var lastErr error
	for attempt := 0; attempt < o.cfg.TicketRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		tk, err := o.tickets.Create(ctx, req)
		if err == nil {
			return tk, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("create ticket after %d attempts: %w", o.cfg.TicketRetries, lastErr)
}

// ResolveEscalation records the external confirmation that an agent closed
// the case.
func (o *Orchestrator) ResolveEscalation(ctx context.Context, sessionID, resolution string) error {
	snapshot, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if snapshot.Escalation != domain.EscalationEscalated {
		return fmt.Errorf("session %s is %s, not escalated", sessionID, snapshot.Escalation)
	}

	if snapshot.TicketID != "" {
		if err := o.tickets.Resolve(ctx, snapshot.TicketID, resolution); err != nil && !errors.Is(err, ticket.ErrNotFound) {
			return fmt.Errorf("resolve ticket: %w", err)
		}
	}

	resolved := domain.EscalationResolved
	_, err = o.sessions.Commit(ctx, sessionID, domain.Delta{
		Escalation:  &resolved,
		BaseVersion: snapshot.Version,
	})
	if err != nil {
		return err
	}
	o.bus.Publish(bus.Event{
		Type:      bus.EventEscalationChanged,
		SessionID: sessionID,
		From:      domain.EscalationEscalated,
		To:        domain.EscalationResolved,
		TicketID:  snapshot.TicketID,
	})
	return nil
}

// ResetSession moves a resolved session back to NONE.
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID string) error {
	snapshot, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	none := domain.EscalationNone
	_, err = o.sessions.Commit(ctx, sessionID, domain.Delta{
		Escalation:         &none,
		ClearClarification: true,
		BaseVersion:        snapshot.Version,
	})
	return err
}

// Session returns a read snapshot for the API surface.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	return o.sessions.Get(ctx, sessionID)
}

// RunSweeper archives idle sessions on the given interval until ctx ends.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := o.sessions.Sweep(ctx)
			if err != nil {
				o.log.Error().Err(err).Msg("session sweep failed")
				continue
			}
			if n > 0 {
				o.bus.Publish(bus.Event{
					Type:   bus.EventSessionArchived,
					Detail: fmt.Sprintf("archived=%d", n),
				})
			}
		}
	}
}

func (o *Orchestrator) publishDecision(committed *domain.Session, msg domain.Message, decision domain.RoutingDecision, from domain.EscalationState, dec escalation.Decision) {
	o.bus.Publish(bus.Event{
		Type:       bus.EventRoutingDecided,
		SessionID:  msg.SessionID,
		MessageID:  msg.ID,
		Domain:     decision.Domain,
		Confidence: decision.Confidence,
		Sticky:     decision.Sticky,
	})
	if dec.Changed {
		o.bus.Publish(bus.Event{
			Type:      bus.EventEscalationChanged,
			SessionID: msg.SessionID,
			From:      from,
			To:        committed.Escalation,
			Trigger:   string(dec.Trigger),
		})
	}
}

func clampLevel(level, max int) int {
	if level < 0 {
		return 0
	}
	if level > max {
		return max
	}
	return level
}
