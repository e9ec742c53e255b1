package validators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/textutil"
)

// quantifierClasses groups quantifiers that cannot all hold for the same
// subject. Two sentences clash when they use different members of one class.
var quantifierClasses = [][]string{
	{"always", "never", "sometimes", "rarely", "often"},
	{"all", "none", "some", "few"},
}

var quantifierIndex = func() map[string]int {
	m := make(map[string]int)
	for i, class := range quantifierClasses {
		for _, q := range class {
			m[q] = i
		}
	}
	return m
}()

// clashes lists the quantifier pairs treated as contradictory. Pairs like
// often/sometimes are compatible and not listed.
var clashes = map[[2]string]bool{
	{"always", "never"}: true, {"always", "sometimes"}: true, {"always", "rarely"}: true,
	{"never", "sometimes"}: true, {"never", "often"}: true,
	{"all", "none"}: true, {"all", "some"}: true, {"all", "few"}: true, {"none", "some"}: true,
}

func clash(a, b string) bool {
	return clashes[[2]string{a, b}] || clashes[[2]string{b, a}]
}

var (
	clauseRe  = regexp.MustCompile(`(?i)\s*(?:[,;:]|\b(?:but|while|whereas|yet|although|though|however)\b)\s*`)
	acronymRe = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,7}s?\b`)
	// "Full Name (ACR)"
	defParenAfterRe = regexp.MustCompile(`[A-Za-z][A-Za-z\-]+(?:\s+[A-Za-z][A-Za-z\-]+)*\s*\(([A-Z][A-Z0-9]{1,7})s?\)`)
	// "ACR (Full Name)"
	defParenBeforeRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,7})s?\s*\([A-Za-z][^)]{3,}\)`)
	// "ACR stands for / means / is a"
	defVerbRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,7})\s+(?:stands\s+for|means|is\s+an?|refers\s+to|is\s+short\s+for)\b`)
)

// commonAcronyms are understood without a definition.
var commonAcronyms = textutil.Set(strings.Fields(`
	API APIS SDK URL URI HTTP HTTPS HTML CSS JS TS JSON XML YAML SQL CPU GPU RAM
	OS UI UX ID IDS IO CLI GUI IDE PDF CSV TCP UDP IP DNS SSH SSL TLS JWT REST
	CRUD DOM NPM AWS GCP VM VMS CI CD OK USB AI ML LLM FAQ HTTP2 HTTP3 UTF UTF8
	ASCII PHP MVC SPA SSR CSR ORM NOSQL ACID CORS XSS CSRF OWASP RBAC OAUTH SSO
	IT QA DB DBS ETL SLA SLO GB MB KB TB MS US UK EU PR PRS TODO README
	I A
`))

// SemanticValidator flags statements that contradict each other and
// specialized terms that are used repeatedly without a definition.
type SemanticValidator struct{}

func NewSemanticValidator() *SemanticValidator {
	return &SemanticValidator{}
}

func (v *SemanticValidator) Name() string {
	return "semantics"
}

func (v *SemanticValidator) Type() engine.ValidationType {
	return engine.ValidationSemantics
}

// contradictionWindow is how many following sentences are compared with
// each sentence.
const contradictionWindow = 3

type quantified struct {
	text   string
	quants map[string]bool
	words  map[string]struct{}
}

func (v *SemanticValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	_, prose := textutil.SplitFences(req.Content)
	sentences := textutil.Sentences(prose)

	parsed := make([]quantified, len(sentences))
	for i, s := range sentences {
		parsed[i] = parseQuantified(s.Text)
	}

	var issues []string
	contradictions := 0
	for i := range parsed {
		if ctx.Err() != nil {
			break
		}
		if len(parsed[i].quants) == 0 {
			continue
		}
		if len(parsed[i].quants) > 1 {
			if shared, pair, ok := clauseClash(parsed[i].text); ok {
				contradictions++
				issues = append(issues, fmt.Sprintf("semantics: contradictory statements about %q (%s vs %s) within one sentence: %q",
					shared, pair[0], pair[1], truncate(parsed[i].text, 80)))
			}
		}
		for j := i + 1; j < len(parsed) && j <= i+contradictionWindow; j++ {
			pair, ok := clashingPair(parsed[i], parsed[j])
			if !ok {
				continue
			}
			shared, ok := sharedWord(parsed[i], parsed[j])
			if !ok {
				continue
			}
			contradictions++
			issues = append(issues, fmt.Sprintf("semantics: contradictory statements about %q (%s vs %s): %q vs %q",
				shared, pair[0], pair[1], truncate(parsed[i].text, 60), truncate(parsed[j].text, 60)))
		}
	}

	undefined := undefinedAcronyms(prose)
	for _, acr := range undefined {
		issues = append(issues, fmt.Sprintf("semantics: term %q is used without definition", acr))
	}

	confidence := max(0.2, 1/(1+float64(contradictions))-0.05*float64(len(undefined)))

	return &engine.ValidationResult{
		Passed:     contradictions == 0 && len(undefined) == 0,
		Confidence: confidence,
		Issues:     issues,
		Details: map[string]any{
			"contradictions":  contradictions,
			"undefined_terms": undefined,
		},
	}, nil
}

func parseQuantified(text string) quantified {
	q := quantified{text: text, quants: map[string]bool{}, words: map[string]struct{}{}}
	for _, w := range textutil.Words(text) {
		if _, ok := quantifierIndex[w]; ok {
			q.quants[w] = true
			continue
		}
		if len(w) >= 4 && !textutil.IsStopword(w) {
			q.words[w] = struct{}{}
		}
	}
	return q
}

// clauseClash compares the clauses of one sentence ("X always Y, but
// sometimes X never Y") the same way separate sentences are compared.
func clauseClash(sentence string) (string, [2]string, bool) {
	parts := clauseRe.Split(sentence, -1)
	clauses := make([]quantified, 0, len(parts))
	for _, p := range parts {
		if q := parseQuantified(p); len(q.quants) > 0 {
			clauses = append(clauses, q)
		}
	}
	for i := range clauses {
		for j := i + 1; j < len(clauses); j++ {
			pair, ok := clashingPair(clauses[i], clauses[j])
			if !ok {
				continue
			}
			if shared, ok := sharedWord(clauses[i], clauses[j]); ok {
				return shared, pair, true
			}
		}
	}
	return "", [2]string{}, false
}

func clashingPair(a, b quantified) ([2]string, bool) {
	for _, qa := range sortedKeys(a.quants) {
		for _, qb := range sortedKeys(b.quants) {
			if quantifierIndex[qa] == quantifierIndex[qb] && clash(qa, qb) {
				return orderedPair(qa, qb), true
			}
		}
	}
	return [2]string{}, false
}

// orderedPair keeps issue text stable regardless of map iteration order.
func orderedPair(a, b string) [2]string {
	if a > b {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

func sharedWord(a, b quantified) (string, bool) {
	best := ""
	for w := range a.words {
		if _, ok := b.words[w]; ok && (best == "" || w < best) {
			best = w
		}
	}
	return best, best != ""
}

// undefinedAcronyms returns acronyms used at least twice that are neither
// defined in the text nor common knowledge, in order of first use.
func undefinedAcronyms(prose string) []string {
	defined := make(map[string]bool)
	for _, re := range []*regexp.Regexp{defParenAfterRe, defParenBeforeRe, defVerbRe} {
		for _, m := range re.FindAllStringSubmatch(prose, -1) {
			defined[m[1]] = true
		}
	}

	counts := make(map[string]int)
	var order []string
	for _, m := range acronymRe.FindAllString(prose, -1) {
		acr := strings.TrimSuffix(m, "s")
		if len(acr) < 2 {
			continue
		}
		if counts[acr] == 0 {
			order = append(order, acr)
		}
		counts[acr]++
	}

	var out []string
	for _, acr := range order {
		if counts[acr] < 2 || defined[acr] {
			continue
		}
		if _, common := commonAcronyms[acr]; common {
			continue
		}
		out = append(out, acr)
	}
	return out
}
