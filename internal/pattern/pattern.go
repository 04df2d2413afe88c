// Package pattern evaluates a fixed rule set over the session history and
// the customer's long-term context, producing risk signals for the escalation
// manager. The detector is stateless: it never mutates the session; signals
// travel as turn annotations in the committed delta.
package pattern

import (
	"fmt"
	"strings"

	"triage/internal/domain"
)

var (
	// urgentTransferTerms flag pressure to move money right now, the social
	// engineering tell in account-takeover scripts.
	urgentTransferTerms = []string{
		"transferência urgente", "transferir urgente", "pix urgente",
		"transferir agora", "preciso transferir", "transfere logo",
		"manda o dinheiro", "liberar transferência",
	}

	// newDeviceTerms flag access from an unrecognized device.
	newDeviceTerms = []string{
		"novo celular", "outro celular", "troquei de celular",
		"novo aparelho", "outro aparelho", "novo dispositivo",
		"outro dispositivo", "celular novo",
	}

	// securityTerms are direct fraud or account-compromise reports. Any one
	// of these is a fraud signal on its own.
	securityTerms = []string{
		"fraude", "golpe", "clonad", "clonaram", "hackead",
		"conta invadida", "invasão", "transação estranha",
		"não reconheço", "não fui eu", "roubaram", "vazamento de dados",
	}
)

const (
	// ambiguityStreakLen is how many consecutive uncommitted routings raise
	// an ambiguity signal.
	ambiguityStreakLen = 3

	// repeatWindow is how many recent turns the repeated-complaint rule
	// scans.
	repeatWindow = 6
)

// Detector runs the pattern rules. Stateless and safe for concurrent use.
type Detector struct{}

// New returns a pattern detector.
func New() *Detector {
	return &Detector{}
}

// Scan matches the rule set against the new message, the session snapshot,
// and the customer's long-term context notes. It returns zero or more
// signals; ordering is stable (fraud first) so downstream handling is
// deterministic.
func (d *Detector) Scan(snapshot *domain.Session, msg domain.Message, userContext []string) []domain.PatternSignal {
	text := msg.Normalized
	if text == "" {
		text = strings.ToLower(msg.RawText)
	}

	var signals []domain.PatternSignal
	if sig, ok := d.fraudSignal(snapshot, text, userContext); ok {
		signals = append(signals, sig)
	}
	if sig, ok := d.ambiguityStreak(snapshot); ok {
		signals = append(signals, sig)
	}
	if sig, ok := d.repeatedComplaint(snapshot, text); ok {
		signals = append(signals, sig)
	}
	return signals
}

// fraudSignal fires on a direct compromise report, or on urgent-transfer
// language combined with new-device language across the recent turns. A
// fraud note in the customer's long-term context lowers the bar: urgent
// transfer pressure alone is then enough.
func (d *Detector) fraudSignal(snapshot *domain.Session, text string, userContext []string) (domain.PatternSignal, bool) {
	var evidence []string

	if term, ok := firstMatch(text, securityTerms); ok {
		evidence = append(evidence, "security:"+term)
		return domain.PatternSignal{
			Type:       domain.SignalFraud,
			Severity:   domain.SeverityHigh,
			Confidence: 0.95,
			Evidence:   evidence,
		}, true
	}

	urgent, urgentOK := firstMatchWindow(snapshot, text, urgentTransferTerms)
	device, deviceOK := firstMatchWindow(snapshot, text, newDeviceTerms)
	priorFraud := contextMentionsFraud(userContext)

	switch {
	case urgentOK && deviceOK:
		evidence = append(evidence, "urgent_transfer:"+urgent, "new_device:"+device)
		return domain.PatternSignal{
			Type:       domain.SignalFraud,
			Severity:   domain.SeverityHigh,
			Confidence: 0.9,
			Evidence:   evidence,
		}, true
	case urgentOK && priorFraud:
		evidence = append(evidence, "urgent_transfer:"+urgent, "prior_fraud_history")
		return domain.PatternSignal{
			Type:       domain.SignalFraud,
			Severity:   domain.SeverityMedium,
			Confidence: 0.7,
			Evidence:   evidence,
		}, true
	}
	return domain.PatternSignal{}, false
}

// ambiguityStreak fires when the last ambiguityStreakLen committed turns all
// failed to route.
func (d *Detector) ambiguityStreak(snapshot *domain.Session) (domain.PatternSignal, bool) {
	if snapshot == nil || len(snapshot.History) < ambiguityStreakLen {
		return domain.PatternSignal{}, false
	}
	for _, turn := range snapshot.History[len(snapshot.History)-ambiguityStreakLen:] {
		if !turn.Decision.NeedsClarification {
			return domain.PatternSignal{}, false
		}
	}
	return domain.PatternSignal{
		Type:       domain.SignalAmbiguityStreak,
		Severity:   domain.SeverityMedium,
		Confidence: 0.8,
		Evidence:   []string{fmt.Sprintf("last_%d_turns_ambiguous", ambiguityStreakLen)},
	}, true
}

// repeatedComplaint fires when the same normalized text already appeared at
// least twice inside the recent window.
func (d *Detector) repeatedComplaint(snapshot *domain.Session, text string) (domain.PatternSignal, bool) {
	if snapshot == nil || text == "" {
		return domain.PatternSignal{}, false
	}
	history := snapshot.History
	if len(history) > repeatWindow {
		history = history[len(history)-repeatWindow:]
	}
	seen := 0
	var refs []string
	for _, turn := range history {
		if turn.Message.Normalized == text {
			seen++
			refs = append(refs, turn.Message.ID)
		}
	}
	if seen < 2 {
		return domain.PatternSignal{}, false
	}
	return domain.PatternSignal{
		Type:       domain.SignalRepeatedComplaint,
		Severity:   domain.SeverityLow,
		Confidence: 0.6,
		Evidence:   refs,
	}, true
}

// firstMatch returns the first term contained in text.
func firstMatch(text string, terms []string) (string, bool) {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return term, true
		}
	}
	return "", false
}

// firstMatchWindow checks the new message first, then the recent turns, so a
// fraud script split across messages ("preciso transferir agora" ... "to no
// celular novo") still pairs up.
func firstMatchWindow(snapshot *domain.Session, text string, terms []string) (string, bool) {
	if term, ok := firstMatch(text, terms); ok {
		return term, true
	}
	if snapshot == nil {
		return "", false
	}
	history := snapshot.History
	if len(history) > repeatWindow {
		history = history[len(history)-repeatWindow:]
	}
	for i := len(history) - 1; i >= 0; i-- {
		if term, ok := firstMatch(history[i].Message.Normalized, terms); ok {
			return term, true
		}
	}
	return "", false
}

// contextMentionsFraud scans long-term context notes for a prior fraud event.
func contextMentionsFraud(userContext []string) bool {
	for _, note := range userContext {
		lower := strings.ToLower(note)
		if strings.Contains(lower, "fraude") || strings.Contains(lower, "fraud") {
			return true
		}
	}
	return false
}
