package validators

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/knowledge"
	"github.com/triage-ai/guardian/internal/textutil"
)

var (
	creatorRe = regexp.MustCompile(`(?i:created|developed|built|made|invented|designed|founded)\s+(?i:by)\s+([A-Z][\w.&+\-]*(?:\s+(?:[A-Z][\w.&+\-]*|\([^)]*\)|(?:van|von|de|der)\b))*)`)
	yearRe    = regexp.MustCompile(`(?i)\b(?:released|launched|created|introduced|debuted|developed|published|appeared|born)\b[^.\d]{0,40}?\bin\s+((?:19|20)\d{2})\b`)
	writtenRe = regexp.MustCompile(`(?i)\b(?:written|implemented|coded|programmed)\s+(?:primarily\s+|mostly\s+|entirely\s+)?in\s+([A-Za-z][\w+#]*)`)
	isALangRe = regexp.MustCompile(`(?i)\bis\s+an?\s+([A-Za-z][\w+#]*)(?:[\s-]based)?\s+(?:library|framework|runtime|language|platform|tool|database|engine)\b`)
	subjectRe = regexp.MustCompile(`^([A-Z][\w.+#\-]*(?:\s+[A-Z][\w.+#\-]*){0,2})`)

	// releaseGapRe is all that may sit between a topic and its release verb
	// for the year to be about the topic itself ("Vue.js was first released").
	releaseGapRe = regexp.MustCompile(`(?i)^\s+(?:was|is|got)(?:\s+(?:first|initially|originally|officially|publicly))?\s+$`)
	objectGapRe  = regexp.MustCompile(`(?i)^\s+in\s+$`)
)

// knownLanguages are the implementation languages a claim can name.
var knownLanguages = map[string]string{
	"javascript": "javascript", "js": "javascript",
	"typescript": "typescript", "ts": "typescript",
	"python": "python",
	"go": "go", "golang": "go",
	"c": "c", "c++": "c++", "cpp": "c++", "c#": "c#", "csharp": "c#",
	"rust": "rust", "java": "java", "kotlin": "kotlin", "scala": "scala",
	"ruby": "ruby", "php": "php", "swift": "swift",
	"elixir": "elixir", "erlang": "erlang", "haskell": "haskell",
}

func implLanguage(s string) (string, bool) {
	l, ok := knownLanguages[strings.ToLower(strings.TrimSpace(s))]
	return l, ok
}

// creatorNoise are tokens ignored when comparing creator names.
var creatorNoise = textutil.Set([]string{"inc", "inc.", "corp", "corporation", "llc", "ltd", "team", "group", "company", "community", "original", "originally"})

// FactualValidator cross-references claims about known technologies with
// the knowledge base.
type FactualValidator struct {
	kb *knowledge.Handle
}

// NewFactualValidator uses kb when a request carries no snapshot of its own.
func NewFactualValidator(kb *knowledge.Handle) *FactualValidator {
	return &FactualValidator{kb: kb}
}

func (v *FactualValidator) Name() string {
	return "factual"
}

func (v *FactualValidator) Type() engine.ValidationType {
	return engine.ValidationFactual
}

type factTally struct {
	claims, verified, contradicted int
	issues                         []string
	uncertain                      []string
	subjects                       []string
}

func (t *factTally) verify(ok bool, issue string) {
	t.claims++
	if ok {
		t.verified++
		return
	}
	t.contradicted++
	t.issues = append(t.issues, issue)
}

func (v *FactualValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	kb := req.Knowledge
	if kb == nil && v.kb != nil {
		kb = v.kb.Current()
	}
	if kb == nil {
		return nil, fmt.Errorf("factual: no knowledge base")
	}

	_, prose := textutil.SplitFences(req.Content)

	var t factTally
	seenSubject := make(map[string]bool)
	for _, s := range textutil.Sentences(prose) {
		if ctx.Err() != nil {
			break
		}
		mentions := kb.Mentions(s.Text)
		if len(mentions) == 0 {
			if hasAttributeClaim(s.Text) {
				subject := "unknown subject"
				if m := subjectRe.FindStringSubmatch(s.Text); m != nil {
					subject = m[1]
				}
				t.uncertain = append(t.uncertain,
					fmt.Sprintf("claim about %q could not be verified: no knowledge base entry", subject))
			}
			continue
		}

		entry, _ := kb.Lookup(mentions[0].Topic)
		if !seenSubject[entry.Topic] {
			seenSubject[entry.Topic] = true
			t.subjects = append(t.subjects, entry.Topic)
		}
		v.checkSentence(kb, entry, mentions[0], s.Text, &t)
	}

	var confidence float64
	switch {
	case t.claims == 0:
		confidence = 0.5
	case t.contradicted > 0:
		confidence = 0.2 * float64(t.verified) / float64(t.verified+t.contradicted)
	default:
		confidence = 0.6 + 0.35*float64(t.verified)/float64(t.claims)
	}

	details := map[string]any{
		"claims":       t.claims,
		"verified":     t.verified,
		"contradicted": t.contradicted,
		"subjects":     t.subjects,
		"kb_version":   kb.Version(),
	}
	if len(t.uncertain) > 0 {
		details[engine.DetailUncertainty] = t.uncertain
	}

	return &engine.ValidationResult{
		Passed:     t.contradicted == 0,
		Confidence: confidence,
		Issues:     t.issues,
		Details:    details,
	}, nil
}

func (v *FactualValidator) checkSentence(kb *knowledge.Base, e *knowledge.Entry, mention knowledge.Mention, sentence string, t *factTally) {
	name := e.DisplayName()
	attributed := false

	if m := creatorRe.FindStringSubmatch(sentence); m != nil {
		attributed = true
		claimed := strings.TrimRight(strings.TrimSpace(m[1]), ".,;:!?")
		t.verify(sameCreator(claimed, e.CreatedBy),
			fmt.Sprintf("factual: %s was created by %s, not %q", name, e.CreatedBy, claimed))
	}

	if loc := yearRe.FindStringSubmatchIndex(sentence); loc != nil && e.ReleaseYear() > 0 {
		year, _ := strconv.Atoi(sentence[loc[2]:loc[3]])
		if releasesTopic(sentence, mention, loc) {
			attributed = true
			t.verify(year == e.ReleaseYear(),
				fmt.Sprintf("factual: %s was first released in %d, not %d", name, e.ReleaseYear(), year))
		} else {
			t.uncertain = append(t.uncertain,
				fmt.Sprintf("year %d in %q may refer to a later %s release or feature", year, truncate(sentence, 60), name))
		}
	}

	for _, re := range []*regexp.Regexp{writtenRe, isALangRe} {
		m := re.FindStringSubmatch(sentence)
		if m == nil {
			continue
		}
		claimed, ok := implLanguage(m[1])
		if !ok {
			continue
		}
		attributed = true
		stored, _ := implLanguage(e.Language)
		t.verify(claimed == stored || strings.EqualFold(m[1], e.Language),
			fmt.Sprintf("factual: %s is written in %s, not %s", name, e.Language, m[1]))
		break
	}

	if attributed {
		return
	}

	if mc, ok := kb.Misconception(e.Topic, sentence); ok {
		t.verify(false, fmt.Sprintf("factual: repeats a common misconception about %s: %q", name, mc))
		return
	}
	_, ok := kb.VerifyStatement(e.Topic, sentence)
	t.claims++
	if ok {
		t.verified++
	}
}

// releasesTopic reports whether the year phrase at loc dates the mentioned
// topic itself rather than a version or feature of it. The topic must be the
// subject right before the verb or the object right before "in <year>".
func releasesTopic(sentence string, m knowledge.Mention, loc []int) bool {
	end := m.Offset + len(m.Term)
	if end <= loc[0] {
		return releaseGapRe.MatchString(sentence[end:loc[0]])
	}
	if m.Offset > loc[0] && end < loc[2] {
		return objectGapRe.MatchString(sentence[end:loc[2]])
	}
	return false
}

// sameCreator reports whether the claimed creator shares a significant token
// with the stored one ("Facebook" matches "Facebook (Meta)").
func sameCreator(claimed, stored string) bool {
	want := make(map[string]struct{})
	for _, w := range textutil.Significant(stored) {
		if _, noise := creatorNoise[w]; !noise {
			want[w] = struct{}{}
		}
	}
	for _, w := range textutil.Significant(claimed) {
		if _, noise := creatorNoise[w]; noise {
			continue
		}
		if _, ok := want[w]; ok {
			return true
		}
	}
	return false
}

func hasAttributeClaim(sentence string) bool {
	if creatorRe.MatchString(sentence) || yearRe.MatchString(sentence) {
		return true
	}
	for _, re := range []*regexp.Regexp{writtenRe, isALangRe} {
		if m := re.FindStringSubmatch(sentence); m != nil {
			if _, ok := implLanguage(m[1]); ok {
				return true
			}
		}
	}
	return false
}
