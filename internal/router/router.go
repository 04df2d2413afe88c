// Package router turns a classifier distribution into a committed routing
// decision. The policy is threshold-and-margin based with sticky
// continuation: follow-up messages stay in the session's committed domain
// unless there is strong evidence to move.
package router

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triage/internal/domain"
	"triage/internal/intent"
	"triage/internal/logging"
)

const (
	// DefaultRouteThreshold is the minimum top probability to commit.
	DefaultRouteThreshold = 0.75
	// DefaultMargin is the minimum gap between the top two candidates.
	DefaultMargin = 0.15
	// DefaultContinuationThreshold is the lower bar for sticky routing.
	DefaultContinuationThreshold = 0.5

	// classifyRetryBackoff is the pause before the single classifier retry.
	classifyRetryBackoff = 50 * time.Millisecond

	// tieEpsilon is how close two probabilities must be to count as a tie.
	tieEpsilon = 1e-9
)

// continuationHints are follow-up markers that keep a vague message in the
// session's committed domain ("ainda não resolveu", "e o mesmo problema").
var continuationHints = []string{
	"ainda", "mesmo assunto", "mesma coisa", "mesmo problema",
	"sobre isso", "disso", "continua", "continuando", "de novo",
	"e também", "além disso",
}

// Config holds the routing thresholds.
type Config struct {
	RouteThreshold        float64
	Margin                float64
	ContinuationThreshold float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		RouteThreshold:        DefaultRouteThreshold,
		Margin:                DefaultMargin,
		ContinuationThreshold: DefaultContinuationThreshold,
	}
}

// Stats tracks routing outcomes for monitoring and threshold tuning.
type Stats struct {
	Total             int64   `json:"total"`
	Committed         int64   `json:"committed"`
	Sticky            int64   `json:"sticky"`
	Ambiguous         int64   `json:"ambiguous"`
	ClassifierRetries int64   `json:"classifier_retries"`
	AverageConfidence float64 `json:"average_confidence"`
}

// Router classifies normalized messages into routing decisions. Safe for
// concurrent use.
type Router struct {
	classifier intent.Classifier
	cfg        Config
	log        zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Router over the given classifier.
func New(classifier intent.Classifier, cfg Config) *Router {
	if cfg.RouteThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Router{
		classifier: classifier,
		cfg:        cfg,
		log:        logging.ForComponent("router"),
	}
}

// Route classifies text and applies the routing policy against the session
// snapshot. When the classifier is unavailable even after one retry, Route
// returns an ambiguous decision together with the classifier error so the
// caller can fall through to clarification instead of failing the turn.
func (r *Router) Route(ctx context.Context, text string, snapshot *domain.Session) (domain.RoutingDecision, error) {
	decision, _, err := r.RouteWithDistribution(ctx, text, snapshot)
	return decision, err
}

// RouteWithDistribution is Route plus the underlying probability
// distribution, which the clarification builder needs for ranking
// candidates.
func (r *Router) RouteWithDistribution(ctx context.Context, text string, snapshot *domain.Session) (domain.RoutingDecision, intent.Distribution, error) {
	res, err := r.classify(ctx, text)
	if err != nil {
		r.record(domain.RoutingDecision{NeedsClarification: true})
		return domain.RoutingDecision{
			Domain:             domain.DomainAmbiguous,
			NeedsClarification: true,
			DecidedAt:          time.Now(),
		}, nil, err
	}

	decision := r.decide(res, text, snapshot)
	r.record(decision)
	r.log.Debug().
		Str("domain", decision.Domain.String()).
		Float64("confidence", decision.Confidence).
		Bool("sticky", decision.Sticky).
		Bool("clarify", decision.NeedsClarification).
		Msg("routing decision")
	return decision, res.Distribution, nil
}

func (r *Router) classify(ctx context.Context, text string) (intent.Result, error) {
	res, err := r.classifier.Classify(ctx, text)
	if err == nil || !errors.Is(err, intent.ErrUnavailable) {
		return res, err
	}

	// One bounded retry; classification is cheap to repeat and a transient
	// collaborator blip should not cost the customer a clarification round.
	r.mu.Lock()
	r.stats.ClassifierRetries++
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return intent.Result{}, ctx.Err()
	case <-time.After(classifyRetryBackoff):
	}
	return r.classifier.Classify(ctx, text)
}

func (r *Router) decide(res intent.Result, text string, snapshot *domain.Session) domain.RoutingDecision {
	now := time.Now()
	dist := res.Distribution

	top, topP, secondP := dist.Top()
	top = r.breakTie(dist, top, topP, snapshot)

	// Sticky continuation: a session already committed to a domain stays
	// there when the new message still plausibly belongs to it, unless a
	// different domain wins outright with a clear margin. A follow-up marker
	// ("ainda", "mesmo problema") counts as belonging even when the text
	// itself scores low.
	if snapshot != nil && snapshot.CurrentDomain != nil {
		current := *snapshot.CurrentDomain
		currentP := dist[current]
		hint := continuationHint(text)
		strongSwitch := top != current &&
			topP >= r.cfg.RouteThreshold &&
			topP-currentP >= r.cfg.Margin
		if (currentP >= r.cfg.ContinuationThreshold || hint != "") && !strongSwitch {
			confidence := currentP
			signals := res.Matched
			if hint != "" {
				confidence = math.Max(currentP, r.cfg.ContinuationThreshold)
				signals = append(append([]string(nil), signals...), hint)
			}
			return domain.RoutingDecision{
				Domain:         current,
				Confidence:     confidence,
				MatchedSignals: signals,
				Sticky:         true,
				DecidedAt:      now,
			}
		}
	}

	if topP >= r.cfg.RouteThreshold && topP-secondP >= r.cfg.Margin {
		return domain.RoutingDecision{
			Domain:         top,
			Confidence:     topP,
			MatchedSignals: res.Matched,
			DecidedAt:      now,
		}
	}

	return domain.RoutingDecision{
		Domain:             domain.DomainAmbiguous,
		Confidence:         topP,
		MatchedSignals:     res.Matched,
		NeedsClarification: true,
		DecidedAt:          now,
	}
}

// continuationHint returns the first follow-up marker found in the text.
func continuationHint(text string) string {
	for _, h := range continuationHints {
		if strings.Contains(text, h) {
			return h
		}
	}
	return ""
}

// breakTie resolves exact probability ties: the domain with higher historical
// session affinity wins; remaining ties fall back to the fixed priority
// order already encoded in Distribution.Top.
func (r *Router) breakTie(dist intent.Distribution, top domain.Domain, topP float64, snapshot *domain.Session) domain.Domain {
	if snapshot == nil || topP == 0 {
		return top
	}
	best := top
	bestAffinity := snapshot.Affinity[top]
	for _, dom := range domain.PriorityOrder() {
		if dom == top {
			continue
		}
		if math.Abs(dist[dom]-topP) < tieEpsilon && snapshot.Affinity[dom] > bestAffinity {
			best = dom
			bestAffinity = snapshot.Affinity[dom]
		}
	}
	return best
}

func (r *Router) record(d domain.RoutingDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Total++
	switch {
	case d.Sticky:
		r.stats.Sticky++
		r.stats.Committed++
	case d.NeedsClarification:
		r.stats.Ambiguous++
	default:
		r.stats.Committed++
	}
	total := float64(r.stats.Total)
	r.stats.AverageConfidence = (r.stats.AverageConfidence*(total-1) + d.Confidence) / total
}

// Stats returns a copy of the routing statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
