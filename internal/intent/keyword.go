package intent

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"triage/internal/domain"
)

// KeywordClassifier scores text against fixed per-domain vocabulary and
// phrase patterns, then normalizes the scores into a distribution. It is the
// deterministic built-in classifier; deployments with a remote intent service
// use HTTPClassifier instead.
type KeywordClassifier struct {
	rules map[domain.Domain]*domainRules
}

type domainRules struct {
	keywords []string
	patterns []*regexp.Regexp
}

// Keyword hits score 1, phrase patterns score 2; phrases are more specific.
const (
	keywordWeight = 1.0
	patternWeight = 2.0
)

// NewKeywordClassifier builds the classifier with its fixed rule tables.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{rules: buildRules()}
}

func buildRules() map[domain.Domain]*domainRules {
	compile := func(pats ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(pats))
		for _, p := range pats {
			out = append(out, regexp.MustCompile(p))
		}
		return out
	}

	return map[domain.Domain]*domainRules{
		domain.DomainCards: {
			keywords: []string{
				"cartão", "cartões", "fatura", "limite", "anuidade",
				"bloqueio", "desbloqueio", "cvv", "contactless", "bandeira",
				"segunda via", "débito", "clonado",
			},
			patterns: compile(
				`perd[ie] (meu|o) cart[aã]o`,
				`cart[aã]o (foi|está) bloquead[oa]`,
				`aumentar (o|meu) limite`,
				`fatura (do|de) cart[aã]o`,
				`compra n[aã]o autorizada`,
				`cart[aã]o clonad[oa]`,
			),
		},
		domain.DomainDigitalAccount: {
			keywords: []string{
				"pix", "transferência", "ted", "conta", "saldo", "extrato",
				"chave", "boleto", "depósito", "saque", "pagamento",
				"comprovante", "qr code",
			},
			patterns: compile(
				`fazer (um|uma) (pix|transfer[eê]ncia)`,
				`consultar (meu|o) saldo`,
				`cadastrar chave pix`,
				`pix n[aã]o caiu`,
				`transfer[eê]ncia n[aã]o chegou`,
			),
		},
		domain.DomainInvestments: {
			keywords: []string{
				"investir", "investimento", "cdb", "lci", "lca", "poupança",
				"rendimento", "rentabilidade", "aplicar", "resgatar",
				"tesouro", "renda fixa", "fundos", "ações",
			},
			patterns: compile(
				`quero investir`,
				`quanto rende`,
				`aplicar (meu|o) dinheiro`,
				`resgatar (meu|o) investimento`,
			),
		},
		domain.DomainCredit: {
			keywords: []string{
				"empréstimo", "financiamento", "parcela", "juros", "taxa",
				"consignado", "fgts", "antecipação", "renegociar", "quitar",
				"crédito",
			},
			patterns: compile(
				`preciso de (um )?(dinheiro|empr[eé]stimo)`,
				`simular empr[eé]stimo`,
				`taxa de juros`,
				`renegociar d[ií]vida`,
			),
		},
		domain.DomainInsurance: {
			keywords: []string{
				"seguro", "proteção", "cobertura", "sinistro", "indenização",
				"apólice", "franquia", "beneficiário",
			},
			patterns: compile(
				`contratar seguro`,
				`acionar (o|meu) seguro`,
				`cancelar (o|meu) seguro`,
			),
		},
	}
}

// Classify scores the text against every domain's rules. It never fails: a
// text that matches nothing yields an empty distribution (the "other"
// bucket), which the router treats as ambiguous.
func (c *KeywordClassifier) Classify(_ context.Context, text string) (Result, error) {
	lower := strings.ToLower(text)

	scores := make(map[domain.Domain]float64)
	var matched []string
	var total float64

	for dom, rules := range c.rules {
		for _, kw := range rules.keywords {
			if strings.Contains(lower, kw) {
				scores[dom] += keywordWeight
				total += keywordWeight
				matched = append(matched, kw)
			}
		}
		for _, p := range rules.patterns {
			if p.MatchString(lower) {
				scores[dom] += patternWeight
				total += patternWeight
			}
		}
	}

	dist := make(Distribution, len(scores))
	if total > 0 {
		for dom, s := range scores {
			dist[dom] = s / total
		}
	}
	sort.Strings(matched)
	return Result{Distribution: dist, Matched: dedupe(matched)}, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var prev string
	for i, s := range sorted {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}
