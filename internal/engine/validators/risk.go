package validators

import (
	"context"
	"fmt"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/textutil"
)

// RiskValidator scores absolute, impossible and misleading claims in prose
// against the risk pattern table.
type RiskValidator struct {
	rules     *RuleSet
	threshold float64
}

// RiskOption configures a RiskValidator.
type RiskOption func(*RiskValidator)

// WithRiskThreshold overrides the cumulative weight at which the check fails.
// Non-positive values keep the rule set threshold.
func WithRiskThreshold(t float64) RiskOption {
	return func(v *RiskValidator) {
		if t > 0 {
			v.threshold = t
		}
	}
}

func NewRiskValidator(rules *RuleSet, opts ...RiskOption) *RiskValidator {
	v := &RiskValidator{rules: rules, threshold: rules.Risk.Threshold}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *RiskValidator) Name() string {
	return "risk_pattern"
}

func (v *RiskValidator) Type() engine.ValidationType {
	return engine.ValidationRiskPattern
}

// Threshold returns the effective failure threshold.
func (v *RiskValidator) Threshold() float64 { return v.threshold }

func (v *RiskValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	_, prose := textutil.SplitFences(req.Content)

	var (
		issues     []string
		matched    []string
		cumulative float64
		worst      engine.RiskLevel
		critical   bool
	)
	for i := range v.rules.Risk.Patterns {
		if ctx.Err() != nil {
			break
		}
		p := &v.rules.Risk.Patterns[i]
		m := p.re.FindString(prose)
		if m == "" {
			continue
		}
		matched = append(matched, p.ID)
		cumulative += v.rules.SeverityWeight(p.level)
		if p.level > worst {
			worst = p.level
		}
		if p.level == engine.RiskCritical {
			critical = true
		}
		issues = append(issues, fmt.Sprintf("risk: %s (%s): %q", p.Description, p.level, truncate(m, 60)))
	}

	details := map[string]any{
		"matched":    matched,
		"cumulative": cumulative,
		"threshold":  v.threshold,
	}
	if worst > 0 {
		details[engine.DetailMaxSeverity] = worst
	}

	return &engine.ValidationResult{
		Passed:     !critical && cumulative < v.threshold,
		Confidence: max(0, 1-cumulative),
		Issues:     issues,
		Details:    details,
	}, nil
}
