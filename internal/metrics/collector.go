// Package metrics aggregates audit-bus events into operational counters:
// turn volume, routing outcomes, escalation rates, and per-day rollups for
// the stats API and the CLI dashboard.
package metrics

import (
	"sync"
	"time"

	"triage/internal/bus"
	"triage/internal/domain"
)

// Snapshot holds the counters accumulated since the collector started.
type Snapshot struct {
	StartTime time.Time `json:"start_time"`

	Turns       int64 `json:"turns"`
	Dispatches  int64 `json:"dispatches"`
	Clarifies   int64 `json:"clarifies"`
	Escalations int64 `json:"escalations"`
	Degraded    int64 `json:"degraded"`

	TicketsCreated   int64 `json:"tickets_created"`
	SessionsArchived int64 `json:"sessions_archived"`

	// ByDomain counts committed dispatches per target domain.
	ByDomain map[domain.Domain]int64 `json:"by_domain"`
	// ByTrigger counts escalation transitions per trigger.
	ByTrigger map[string]int64 `json:"by_trigger"`

	LastEvent     string    `json:"last_event,omitempty"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
}

// Collector subscribes to the audit bus and aggregates counters. An optional
// Store persists per-day rollups alongside the live numbers.
type Collector struct {
	bus   *bus.Bus
	store *Store

	mu           sync.RWMutex
	snap         Snapshot
	recentEvents []bus.Event
	maxEvents    int
	subs         []bus.SubscriptionID
	stopped      bool
}

// NewCollector creates a collector. store may be nil.
func NewCollector(b *bus.Bus, store *Store) *Collector {
	return &Collector{
		bus:       b,
		store:     store,
		maxEvents: 50,
		snap: Snapshot{
			StartTime: time.Now(),
			ByDomain:  make(map[domain.Domain]int64),
			ByTrigger: make(map[string]int64),
		},
	}
}

// Start subscribes to the event types the collector aggregates.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || len(c.subs) > 0 {
		return
	}
	for _, et := range []bus.EventType{
		bus.EventTurnProcessed,
		bus.EventRoutingDecided,
		bus.EventEscalationChanged,
		bus.EventTicketCreated,
		bus.EventSessionArchived,
	} {
		c.subs = append(c.subs, c.bus.Subscribe(et, c.handleEvent))
	}
}

// Stop detaches from the bus.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for _, id := range c.subs {
		_ = c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := c.snap
	snap.ByDomain = make(map[domain.Domain]int64, len(c.snap.ByDomain))
	for k, v := range c.snap.ByDomain {
		snap.ByDomain[k] = v
	}
	snap.ByTrigger = make(map[string]int64, len(c.snap.ByTrigger))
	for k, v := range c.snap.ByTrigger {
		snap.ByTrigger[k] = v
	}
	return snap
}

// Recent returns up to n of the most recently observed events.
func (c *Collector) Recent(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n > len(c.recentEvents) {
		n = len(c.recentEvents)
	}
	out := make([]bus.Event, n)
	copy(out, c.recentEvents[len(c.recentEvents)-n:])
	return out
}

func (c *Collector) handleEvent(ev bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, ev)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}
	c.snap.LastEvent = string(ev.Type)
	c.snap.LastEventTime = ev.Timestamp

	switch ev.Type {
	case bus.EventTurnProcessed:
		c.snap.Turns++
		switch ev.Kind {
		case domain.ResultDispatch:
			c.snap.Dispatches++
		case domain.ResultClarify:
			c.snap.Clarifies++
		case domain.ResultEscalate:
			c.snap.Escalations++
		}
		if ev.Degraded {
			c.snap.Degraded++
		}
		if c.store != nil {
			c.store.RecordTurn(ev.Kind, ev.Degraded, ev.Timestamp)
		}
	case bus.EventRoutingDecided:
		if ev.Domain != "" && ev.Domain != domain.DomainAmbiguous {
			c.snap.ByDomain[ev.Domain]++
		}
	case bus.EventEscalationChanged:
		if ev.Trigger != "" {
			c.snap.ByTrigger[ev.Trigger]++
		}
	case bus.EventTicketCreated:
		c.snap.TicketsCreated++
	case bus.EventSessionArchived:
		c.snap.SessionsArchived++
	}
}
