// Package intent models the language-understanding collaborator: given text,
// it returns a probability distribution over the specialist domains. The core
// never depends on a live model; any Classifier satisfying the interface can
// drive routing, which keeps decision logic testable with deterministic
// fakes.
package intent

import (
	"context"
	"errors"
	"sort"

	"triage/internal/domain"
)

// ErrUnavailable reports that the classifier collaborator timed out or
// failed. It is a distinct condition, never conflated with an empty
// distribution.
var ErrUnavailable = errors.New("intent: classifier unavailable")

// Distribution maps each domain to its probability. Probabilities sum to at
// most 1; the remainder is the implicit "other" bucket.
type Distribution map[domain.Domain]float64

// Top returns the highest-probability domain and its probability. The second
// return is the runner-up probability, used for margin checks. Ties resolve
// by the fixed domain priority order so results are stable.
func (d Distribution) Top() (best domain.Domain, bestP, secondP float64) {
	best = domain.DomainAmbiguous
	for _, dom := range domain.PriorityOrder() {
		p := d[dom]
		if p > bestP {
			secondP = bestP
			best = dom
			bestP = p
		} else if p > secondP {
			secondP = p
		}
	}
	return best, bestP, secondP
}

// Ranked returns domains with non-zero probability, strongest first, ties in
// priority order.
func (d Distribution) Ranked() []domain.Domain {
	out := make([]domain.Domain, 0, len(d))
	for _, dom := range domain.PriorityOrder() {
		if d[dom] > 0 {
			out = append(out, dom)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return d[out[i]] > d[out[j]]
	})
	return out
}

// Result carries a classification outcome.
type Result struct {
	// Distribution over the specialist domains.
	Distribution Distribution
	// Matched lists the lexical signals behind the distribution, when the
	// classifier can report them.
	Matched []string
}

// Classifier is the language-understanding capability contract.
type Classifier interface {
	// Classify maps normalized text to a domain distribution. A timeout or
	// collaborator failure is reported as an error wrapping ErrUnavailable,
	// never as a silent empty distribution.
	Classify(ctx context.Context, text string) (Result, error)
}
