package validators

import (
	"context"
	"fmt"
	"slices"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/textutil"
)

// SecurityValidator scans fenced code blocks for vulnerable patterns.
// Matched secrets never appear in issue text.
type SecurityValidator struct {
	rules *RuleSet
}

func NewSecurityValidator(rules *RuleSet) *SecurityValidator {
	return &SecurityValidator{rules: rules}
}

func (v *SecurityValidator) Name() string {
	return "security"
}

func (v *SecurityValidator) Type() engine.ValidationType {
	return engine.ValidationSecurity
}

func (v *SecurityValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	blocks, _ := textutil.SplitFences(req.Content)

	var (
		issues  []string
		matched []string
		worst   engine.RiskLevel
	)
	for bi, b := range blocks {
		if ctx.Err() != nil {
			break
		}
		lang, _ := v.rules.canonicalLanguage(b.Lang)
		for i := range v.rules.Security.Patterns {
			p := &v.rules.Security.Patterns[i]
			if len(p.Languages) > 0 && !slices.Contains(p.Languages, lang) {
				continue
			}
			loc := p.re.FindStringSubmatchIndex(b.Body)
			if loc == nil {
				continue
			}
			matched = append(matched, p.ID)
			if p.level > worst {
				worst = p.level
			}
			issues = append(issues, fmt.Sprintf("security: %s (%s) in code block %d: %q",
				p.Description, p.level, bi+1, truncate(redactMatch(p, b.Body, loc), 60)))
		}
	}

	details := map[string]any{
		"blocks":  len(blocks),
		"matched": matched,
	}
	if worst > 0 {
		details[engine.DetailMaxSeverity] = worst
	}

	confidence := 1.0
	if len(matched) > 0 {
		confidence = max(0, 1-v.rules.SeverityWeight(worst)-0.05*float64(len(matched)-1))
	}

	return &engine.ValidationResult{
		Passed:     len(matched) == 0,
		Confidence: confidence,
		Issues:     issues,
		Details:    details,
	}, nil
}

// redactMatch returns the matched text with the secret group, if any,
// reduced to its first two characters.
func redactMatch(p *PatternRule, body string, loc []int) string {
	m := body[loc[0]:loc[1]]
	if !p.Redact {
		return m
	}
	g := p.re.SubexpIndex("secret")
	start, end := loc[2*g], loc[2*g+1]
	if start < 0 {
		return m
	}
	return body[loc[0]:start] + redact(body[start:end]) + body[end:loc[1]]
}

func redact(secret string) string {
	r := []rune(secret)
	if len(r) <= 2 {
		return "****"
	}
	return string(r[:2]) + "****"
}
