package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/textutil"
)

// ContextValidator checks that content is relevant to the caller's domain
// and consistent with the stated intent.
type ContextValidator struct {
	rules *RuleSet
}

func NewContextValidator(rules *RuleSet) *ContextValidator {
	return &ContextValidator{rules: rules}
}

func (v *ContextValidator) Name() string {
	return "context"
}

func (v *ContextValidator) Type() engine.ValidationType {
	return engine.ValidationContext
}

func (v *ContextValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	domain := strings.TrimSpace(req.Context.Domain)
	intent := strings.TrimSpace(req.Context.Intent)

	if domain == "" && intent == "" {
		return &engine.ValidationResult{
			Passed:     true,
			Confidence: 0.7,
		}, nil
	}

	text := phraseText(req.Content)
	confidence := 0.5
	var issues, uncertain []string
	details := map[string]any{}

	if domain != "" {
		name, ok := v.rules.CanonicalDomain(domain)
		if !ok {
			uncertain = append(uncertain, fmt.Sprintf("domain %q is not recognized", domain))
		} else {
			hits := countPhrases(text, v.rules.Context.Domains[name].Keywords)
			details["domain"] = name
			details["domain_hits"] = hits
			if hits > 0 {
				confidence += min(0.3, 0.1*float64(hits))
			} else {
				confidence -= 0.2
				issues = append(issues, fmt.Sprintf("context: content does not appear related to the %s domain", name))
				uncertain = append(uncertain, fmt.Sprintf("low relevance to domain %q", name))
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if intent != "" {
		name, ok := v.rules.CanonicalIntent(intent)
		if !ok {
			uncertain = append(uncertain, fmt.Sprintf("intent %q is not recognized", intent))
		} else {
			rule := v.rules.Context.Intents[name]
			pos := countPhrases(text, rule.Positive)
			neg := countPhrases(text, rule.Negative)
			details["intent"] = name
			details["intent_positive"] = pos
			details["intent_negative"] = neg
			switch {
			case pos > neg:
				confidence += min(0.2, 0.05*float64(pos+1))
			case neg > pos:
				confidence -= 0.3
				issues = append(issues, fmt.Sprintf("context: content contradicts the %s intent", name))
			default:
				confidence -= 0.1
				uncertain = append(uncertain, fmt.Sprintf("content gives no clear signal for intent %q", name))
			}
		}
	}

	confidence = min(1, max(0, confidence))
	if len(uncertain) > 0 {
		details[engine.DetailUncertainty] = uncertain
	}

	return &engine.ValidationResult{
		Passed:     confidence >= 0.5,
		Confidence: confidence,
		Issues:     issues,
		Details:    details,
	}, nil
}

// phraseText renders content as space-delimited lowercase tokens so that
// multi-word keywords match on token boundaries.
func phraseText(s string) string {
	return " " + strings.Join(textutil.Words(s), " ") + " "
}

// countPhrases returns how many of phrases occur in text.
func countPhrases(text string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		words := textutil.Words(p)
		if len(words) == 0 {
			continue
		}
		if strings.Contains(text, " "+strings.Join(words, " ")+" ") {
			n++
		}
	}
	return n
}
