// Package frustration scores degrading customer sentiment from lexical and
// behavioral markers. Scoring is deterministic given the same session history
// and message, which keeps escalation decisions reproducible under test.
package frustration

import (
	"strings"
	"time"

	"triage/internal/domain"
)

// Keyword severities, drawn from observed Brazilian-Portuguese support
// transcripts. High markers are profanity or open hostility; medium markers
// are explicit negative sentiment; low markers are friction vocabulary.
var (
	highMarkers = []string{
		"droga", "merda", "porra", "desgraça", "ódio", "raiva", "furioso",
		"furiosa", "incompetente", "lixo", "ridículo", "absurdo", "palhaçada",
	}
	mediumMarkers = []string{
		"não funciona", "péssimo", "horrível", "terrível", "não aguento",
		"cansei", "irritado", "chateado", "decepcionado", "frustrado",
		"que saco", "nervoso",
	}
	lowMarkers = []string{
		"difícil", "complicado", "confuso", "demorado", "ruim",
		"problema", "erro", "falha", "não consigo", "travou",
	}

	// humanRequestPhrases are explicit asks for a person. They are not a
	// frustration delta on their own; the escalation manager treats them as
	// a direct HUMAN_PENDING trigger.
	humanRequestPhrases = []string{
		"quero falar com humano", "quero atendente", "falar com pessoa",
		"atendimento humano", "operador humano", "me transfere",
		"falar com alguém", "pessoa real", "não quero robô", "chega de robô",
	}

	givingUpPhrases = []string{
		"desisto", "deixa pra lá", "esquece", "não quero mais",
		"vou procurar outro banco", "fecha minha conta", "cancela tudo",
	}
)

// resendWindow is how quickly an identical message must reappear to count as
// an impatient resend.
const resendWindow = 90 * time.Second

// Result is the outcome of scoring one message against the session.
type Result struct {
	// Delta is the bounded change to apply to the session frustration level.
	// A message with no negative signal yields -1 (decay toward zero).
	Delta int

	// Markers lists which signals fired, for audit annotations.
	Markers []string

	// ExplicitHumanRequest is set when the customer asked for a person.
	ExplicitHumanRequest bool

	// GivingUp is set when the customer signals abandonment.
	GivingUp bool
}

// maxDelta bounds how much a single message can raise the level.
const maxDelta = 3

// Detector scores messages. It is stateless; all context comes from the
// session snapshot.
type Detector struct{}

// New returns a frustration detector.
func New() *Detector {
	return &Detector{}
}

// Score computes the frustration delta for a new message given a session
// snapshot. The returned delta is in [-1, maxDelta].
func (d *Detector) Score(snapshot *domain.Session, msg domain.Message) Result {
	text := msg.Normalized
	if text == "" {
		text = strings.ToLower(msg.RawText)
	}

	res := Result{}
	score := 0

	for _, phrase := range humanRequestPhrases {
		if strings.Contains(text, phrase) {
			res.ExplicitHumanRequest = true
			res.Markers = append(res.Markers, "human_request")
			break
		}
	}
	for _, phrase := range givingUpPhrases {
		if strings.Contains(text, phrase) {
			res.GivingUp = true
			res.Markers = append(res.Markers, "giving_up")
			score += 2
			break
		}
	}

	for _, kw := range highMarkers {
		if strings.Contains(text, kw) {
			score += 3
			res.Markers = append(res.Markers, "lexical_high")
			break
		}
	}
	for _, kw := range mediumMarkers {
		if strings.Contains(text, kw) {
			score += 2
			res.Markers = append(res.Markers, "lexical_medium")
			break
		}
	}
	for _, kw := range lowMarkers {
		if strings.Contains(text, kw) {
			score++
			res.Markers = append(res.Markers, "lexical_low")
			break
		}
	}

	if exclamationDensity(msg.RawText) {
		score++
		res.Markers = append(res.Markers, "exclamation")
	}

	if snapshot != nil {
		if isRapidResend(snapshot, msg) {
			score++
			res.Markers = append(res.Markers, "rapid_resend")
		}
		if isRepeatedComplaint(snapshot, text) {
			score++
			res.Markers = append(res.Markers, "repeated_complaint")
		}
	}

	if score == 0 && !res.ExplicitHumanRequest {
		res.Delta = -1
		return res
	}
	if score > maxDelta {
		score = maxDelta
	}
	res.Delta = score
	return res
}

// exclamationDensity reports whether the raw message leans on exclamation or
// question marks (three or more).
func exclamationDensity(raw string) bool {
	n := 0
	for _, r := range raw {
		if r == '!' || r == '?' {
			n++
		}
	}
	return n >= 3
}

// isRapidResend reports whether the same text was already sent inside the
// resend window.
func isRapidResend(s *domain.Session, msg domain.Message) bool {
	last := s.LastTurn()
	if last == nil {
		return false
	}
	if last.Message.Normalized != msg.Normalized {
		return false
	}
	return msg.Timestamp.Sub(last.Message.Timestamp) <= resendWindow
}

// isRepeatedComplaint reports whether the same normalized text appeared in at
// least two earlier turns.
func isRepeatedComplaint(s *domain.Session, text string) bool {
	seen := 0
	for _, turn := range s.History {
		if turn.Message.Normalized == text {
			seen++
			if seen >= 2 {
				return true
			}
		}
	}
	return false
}
