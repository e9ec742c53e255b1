package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScoringPolicy is an operator override of the aggregation defaults.
// Loaded from the YAML file named by GUARDIAN_POLICY_FILE.
// All pointer fields use nil to mean "use server default".
type ScoringPolicy struct {
	Weights         map[string]float64 `yaml:"weights" json:"weights"`                   // keyed by validation type name
	LowThreshold    *float64           `yaml:"low_threshold" json:"low_threshold"`       // nil = 0.30
	MediumThreshold *float64           `yaml:"medium_threshold" json:"medium_threshold"` // nil = 0.50
	HighThreshold   *float64           `yaml:"high_threshold" json:"high_threshold"`     // nil = 0.70
	GateSeverity    *string            `yaml:"gate_severity" json:"gate_severity"`       // nil = critical
	RiskThreshold   *float64           `yaml:"risk_threshold" json:"risk_threshold"`     // risk-pattern cumulative threshold, nil = 0.5
}

// LoadScoringPolicy reads a policy file. An empty path returns a nil policy.
func LoadScoringPolicy(path string) (*ScoringPolicy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScoringPolicy: %w", err)
	}
	var p ScoringPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("LoadScoringPolicy: parse %s: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the policy on top of base and validates the outcome.
// A nil policy returns base unchanged.
func (p *ScoringPolicy) Apply(base AggregatorConfig) (AggregatorConfig, error) {
	if p == nil {
		return base, nil
	}

	out := base
	if len(p.Weights) > 0 {
		out.Weights = make(map[ValidationType]float64, len(p.Weights))
		for name, w := range p.Weights {
			t, err := ParseValidationType(name)
			if err != nil {
				return base, fmt.Errorf("ScoringPolicy: %w", err)
			}
			out.Weights[t] = w
		}
	}
	if p.LowThreshold != nil {
		out.LowThreshold = *p.LowThreshold
	}
	if p.MediumThreshold != nil {
		out.MediumThreshold = *p.MediumThreshold
	}
	if p.HighThreshold != nil {
		out.HighThreshold = *p.HighThreshold
	}
	if p.GateSeverity != nil {
		lvl, err := ParseRiskLevel(*p.GateSeverity)
		if err != nil {
			return base, fmt.Errorf("ScoringPolicy: %w", err)
		}
		out.GateSeverity = lvl
	}

	if err := out.Validate(); err != nil {
		return base, fmt.Errorf("ScoringPolicy: %w", err)
	}
	return out, nil
}

// EffectiveRiskThreshold returns the risk-pattern cumulative threshold.
// A nil policy or nil RiskThreshold falls back to the provided server default.
func (p *ScoringPolicy) EffectiveRiskThreshold(serverDefault float64) float64 {
	if p == nil || p.RiskThreshold == nil {
		return serverDefault
	}
	return *p.RiskThreshold
}
