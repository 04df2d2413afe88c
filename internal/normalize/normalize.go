// Package normalize canonicalizes raw customer text before classification.
// Normalization is a pure function: deterministic, no side effects, and it
// never fails. Unrecognized input passes through trimmed.
package normalize

import (
	"regexp"
	"strings"
	"unicode"
)

// substitutions maps common Brazilian-Portuguese shorthand, typo variants,
// and diacritic omissions to their canonical forms. The table is fixed;
// anything not listed is left alone.
var substitutions = map[string]string{
	// Shorthand
	"vc":   "você",
	"vcs":  "vocês",
	"tb":   "também",
	"tbm":  "também",
	"pq":   "porque",
	"pra":  "para",
	"ta":   "está",
	"to":   "estou",
	"msg":  "mensagem",
	"obg":  "obrigado",
	"blz":  "beleza",
	"vlw":  "valeu",
	"hj":   "hoje",
	"mto":  "muito",
	"mt":   "muito",
	"qto":  "quanto",
	"qdo":  "quando",
	"oq":   "o que",
	"oque": "o que",

	// Diacritic omissions, banking vocabulary
	"nao":           "não",
	"voce":          "você",
	"cartao":        "cartão",
	"cartoes":       "cartões",
	"credito":       "crédito",
	"debito":        "débito",
	"transferencia": "transferência",
	"transacao":     "transação",
	"emprestimo":    "empréstimo",
	"deposito":      "depósito",
	"aplicacao":     "aplicação",
	"poupanca":      "poupança",
	"protecao":      "proteção",
	"seguranca":     "segurança",
	"numero":        "número",
	"agencia":       "agência",
	"duvida":        "dúvida",
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize cleans and canonicalizes raw input text: lowercases, strips
// control characters, applies the substitution table word by word, and
// collapses whitespace.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	text := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, raw)

	text = strings.ToLower(strings.TrimSpace(text))
	text = collapseRuns(text)

	words := strings.Fields(text)
	for i, w := range words {
		core, trailing := splitTrailingPunct(w)
		if repl, ok := substitutions[core]; ok {
			words[i] = repl + trailing
		}
	}

	out := strings.Join(words, " ")
	out = whitespaceRun.ReplaceAllString(out, " ")
	if out == "" {
		return strings.TrimSpace(raw)
	}
	return out
}

// collapseRuns reduces runs of identical characters: repeated punctuation
// ("!!!") collapses to one, and letters repeated three or more times
// ("socorrooo") collapse to one, which keeps valid doubles like "rr" and
// "ss" intact.
func collapseRuns(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(runes); {
		r := runes[i]
		run := 1
		for i+run < len(runes) && runes[i+run] == r {
			run++
		}
		switch {
		case isPunct(r):
			b.WriteRune(r)
		case unicode.IsLetter(r) && run >= 3:
			b.WriteRune(r)
		default:
			for j := 0; j < run; j++ {
				b.WriteRune(r)
			}
		}
		i += run
	}
	return b.String()
}

func isPunct(r rune) bool {
	switch r {
	case '!', '?', '.', ',', ';':
		return true
	}
	return false
}

// splitTrailingPunct separates trailing punctuation so "cartao?" still hits
// the substitution table.
func splitTrailingPunct(w string) (core, trailing string) {
	i := len(w)
	for i > 0 {
		r := rune(w[i-1])
		if r == '!' || r == '?' || r == '.' || r == ',' || r == ';' {
			i--
			continue
		}
		break
	}
	return w[:i], w[i:]
}
