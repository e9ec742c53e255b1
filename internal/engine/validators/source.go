package validators

import (
	"context"
	"fmt"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/textutil"
)

// SourceValidator requires statistical, superlative and appeal-to-authority
// claims to carry a citation in the same or the following sentence.
type SourceValidator struct {
	rules *RuleSet
}

func NewSourceValidator(rules *RuleSet) *SourceValidator {
	return &SourceValidator{rules: rules}
}

func (v *SourceValidator) Name() string {
	return "source"
}

func (v *SourceValidator) Type() engine.ValidationType {
	return engine.ValidationSource
}

func (v *SourceValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	_, prose := textutil.SplitFences(req.Content)
	sentences := textutil.Sentences(prose)

	cited := make([]bool, len(sentences))
	for i, s := range sentences {
		cited[i] = v.hasCitation(s.Text)
	}

	var issues []string
	claims, supported := 0, 0
	kinds := map[string]int{}
	for i, s := range sentences {
		if ctx.Err() != nil {
			break
		}
		kind, ok := v.claimKind(s.Text)
		if !ok {
			continue
		}
		claims++
		kinds[kind]++
		if cited[i] || (i+1 < len(sentences) && cited[i+1]) {
			supported++
			continue
		}
		issues = append(issues, fmt.Sprintf("source: uncited %s claim: %q", kind, truncate(s.Text, 80)))
	}

	confidence, passed := 1.0, true
	if claims > 0 {
		ratio := float64(supported) / float64(claims)
		confidence = 0.4 + 0.6*ratio
		passed = ratio >= v.rules.Source.PassRatio
	}

	return &engine.ValidationResult{
		Passed:     passed,
		Confidence: confidence,
		Issues:     issues,
		Details: map[string]any{
			"claims": claims,
			"cited":  supported,
			"kinds":  kinds,
		},
	}, nil
}

// claimKind returns the kind of the first claim rule matching sentence.
func (v *SourceValidator) claimKind(sentence string) (string, bool) {
	for _, c := range v.rules.Source.Claims {
		if c.re.MatchString(sentence) {
			return c.Kind, true
		}
	}
	return "", false
}

func (v *SourceValidator) hasCitation(sentence string) bool {
	for _, re := range v.rules.citations {
		if re.MatchString(sentence) {
			return true
		}
	}
	return false
}
