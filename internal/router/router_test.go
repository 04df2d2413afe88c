package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"triage/internal/domain"
	"triage/internal/intent"
)

// fakeClassifier returns a fixed sequence of results, one per call.
type fakeClassifier struct {
	results []intent.Result
	errs    []error
	calls   int
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (intent.Result, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.results[i], err
}

func dist(pairs map[domain.Domain]float64) intent.Result {
	return intent.Result{Distribution: intent.Distribution(pairs)}
}

func TestRoute_ConfidentCommit(t *testing.T) {
	r := New(&fakeClassifier{results: []intent.Result{dist(map[domain.Domain]float64{
		domain.DomainCards:  0.9,
		domain.DomainCredit: 0.05,
	})}}, DefaultConfig())

	d, err := r.Route(context.Background(), "quero ajuda com meu cartão", nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Domain != domain.DomainCards || d.NeedsClarification {
		t.Errorf("decision = %+v, want committed cards", d)
	}
	if d.Confidence < DefaultRouteThreshold {
		t.Errorf("confidence = %v, want >= threshold", d.Confidence)
	}
}

func TestRoute_BelowThresholdNeedsClarification(t *testing.T) {
	r := New(&fakeClassifier{results: []intent.Result{dist(map[domain.Domain]float64{
		domain.DomainCards: 0.6,
	})}}, DefaultConfig())

	d, _ := r.Route(context.Background(), "ajuda", nil)
	if !d.NeedsClarification {
		t.Errorf("decision = %+v, want clarification", d)
	}
	if d.Domain != domain.DomainAmbiguous {
		t.Errorf("domain = %v, want ambiguous", d.Domain)
	}
}

func TestRoute_NarrowMarginNeedsClarification(t *testing.T) {
	r := New(&fakeClassifier{results: []intent.Result{dist(map[domain.Domain]float64{
		domain.DomainCards:  0.8,
		domain.DomainCredit: 0.75,
	})}}, DefaultConfig())

	d, _ := r.Route(context.Background(), "crédito do cartão", nil)
	if !d.NeedsClarification {
		t.Errorf("decision = %+v, want clarification on narrow margin", d)
	}
}

func TestRoute_StickyContinuation(t *testing.T) {
	cards := domain.DomainCards
	s := domain.NewSession("s1", "u1", time.Now())
	s.CurrentDomain = &cards

	// Credit scores marginally higher but below threshold; the session must
	// stay in cards.
	r := New(&fakeClassifier{results: []intent.Result{dist(map[domain.Domain]float64{
		domain.DomainCredit: 0.6,
		domain.DomainCards:  0.55,
	})}}, DefaultConfig())

	d, err := r.Route(context.Background(), "e o limite?", s)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Domain != domain.DomainCards || !d.Sticky {
		t.Errorf("decision = %+v, want sticky cards", d)
	}
}

func TestRoute_ContinuationHintKeepsDomainOnVagueText(t *testing.T) {
	cards := domain.DomainCards
	s := domain.NewSession("s1", "u1", time.Now())
	s.CurrentDomain = &cards

	// "ainda" marks a follow-up even though the text scores nothing.
	r := New(&fakeClassifier{results: []intent.Result{dist(nil)}}, DefaultConfig())

	d, err := r.Route(context.Background(), "ainda não resolveu", s)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Domain != domain.DomainCards || !d.Sticky {
		t.Errorf("decision = %+v, want sticky cards on continuation hint", d)
	}
	if d.Confidence < DefaultContinuationThreshold {
		t.Errorf("confidence = %v, want at least the continuation threshold", d.Confidence)
	}
}

func TestRoute_StrongEvidenceOverridesSticky(t *testing.T) {
	cards := domain.DomainCards
	s := domain.NewSession("s1", "u1", time.Now())
	s.CurrentDomain = &cards

	r := New(&fakeClassifier{results: []intent.Result{dist(map[domain.Domain]float64{
		domain.DomainInvestments: 0.92,
		domain.DomainCards:       0.5,
	})}}, DefaultConfig())

	d, _ := r.Route(context.Background(), "quero investir meu dinheiro", s)
	if d.Domain != domain.DomainInvestments {
		t.Errorf("domain = %v, want investments on strong switch", d.Domain)
	}
}

func TestRoute_TieBreaksByAffinity(t *testing.T) {
	s := domain.NewSession("s1", "u1", time.Now())
	s.Affinity[domain.DomainInsurance] = 3

	r := New(&fakeClassifier{results: []intent.Result{dist(map[domain.Domain]float64{
		domain.DomainCards:     0.8,
		domain.DomainInsurance: 0.8,
	})}}, Config{RouteThreshold: 0.75, Margin: 0, ContinuationThreshold: 0.5})

	d, _ := r.Route(context.Background(), "seguro do cartão", s)
	if d.Domain != domain.DomainInsurance {
		t.Errorf("domain = %v, want insurance (higher affinity)", d.Domain)
	}
}

func TestRoute_ClassifierUnavailableRetriesOnce(t *testing.T) {
	fake := &fakeClassifier{
		results: []intent.Result{{}, dist(map[domain.Domain]float64{domain.DomainCards: 0.9})},
		errs:    []error{intent.ErrUnavailable, nil},
	}
	r := New(fake, DefaultConfig())

	d, err := r.Route(context.Background(), "cartão", nil)
	if err != nil {
		t.Fatalf("Route() error = %v, want retry to succeed", err)
	}
	if fake.calls != 2 {
		t.Errorf("classifier calls = %d, want 2", fake.calls)
	}
	if d.Domain != domain.DomainCards {
		t.Errorf("domain = %v, want cards", d.Domain)
	}
}

func TestRoute_ClassifierExhaustedFallsToClarify(t *testing.T) {
	fake := &fakeClassifier{
		results: []intent.Result{{}, {}},
		errs:    []error{intent.ErrUnavailable, intent.ErrUnavailable},
	}
	r := New(fake, DefaultConfig())

	d, err := r.Route(context.Background(), "cartão", nil)
	if !errors.Is(err, intent.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	if !d.NeedsClarification {
		t.Errorf("decision = %+v, want clarification fallback", d)
	}
}

func TestStats(t *testing.T) {
	r := New(&fakeClassifier{results: []intent.Result{dist(map[domain.Domain]float64{
		domain.DomainCards: 0.9,
	})}}, DefaultConfig())

	for i := 0; i < 3; i++ {
		r.Route(context.Background(), "cartão", nil)
	}
	st := r.Stats()
	if st.Total != 3 || st.Committed != 3 {
		t.Errorf("stats = %+v, want 3 total / 3 committed", st)
	}
}
