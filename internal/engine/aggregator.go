package engine

import (
	"fmt"
	"time"
)

// AggregatorConfig holds the weights and thresholds for verdict determination.
type AggregatorConfig struct {
	// Weights of the scored validators. RiskPattern and Security act as
	// gates and are never weighted. Weights are normalized to sum to 1.
	Weights map[ValidationType]float64

	LowThreshold    float64 // risk < this → low (default 0.30)
	MediumThreshold float64 // risk < this → medium (default 0.50)
	HighThreshold   float64 // risk < this → high, else critical (default 0.70)

	// GateSeverity is the pattern severity at or above which RiskPattern or
	// Security force a critical verdict (default critical).
	GateSeverity RiskLevel
}

// DefaultAggregatorConfig returns the default scoring policy.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Weights: map[ValidationType]float64{
			ValidationFactual:   0.35,
			ValidationSemantics: 0.25,
			ValidationSyntax:    0.15,
			ValidationContext:   0.15,
			ValidationSource:    0.10,
		},
		LowThreshold:    0.30,
		MediumThreshold: 0.50,
		HighThreshold:   0.70,
		GateSeverity:    RiskCritical,
	}
}

// Validate checks that thresholds are ordered and weights are usable.
func (c AggregatorConfig) Validate() error {
	if !(0 < c.LowThreshold && c.LowThreshold <= c.MediumThreshold &&
		c.MediumThreshold <= c.HighThreshold && c.HighThreshold <= 1) {
		return fmt.Errorf("thresholds must satisfy 0 < low <= medium <= high <= 1, got %.2f/%.2f/%.2f",
			c.LowThreshold, c.MediumThreshold, c.HighThreshold)
	}
	var sum float64
	for t, w := range c.Weights {
		if t == ValidationRiskPattern || t == ValidationSecurity {
			return fmt.Errorf("%s is a gate and cannot carry a weight", t)
		}
		if w < 0 {
			return fmt.Errorf("weight for %s is negative", t)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("weights must sum to a positive value")
	}
	if c.GateSeverity < RiskLow || c.GateSeverity > RiskCritical {
		return fmt.Errorf("gate severity %d out of range", c.GateSeverity)
	}
	return nil
}

// scoredOrder is the iteration order for weighted validators.
var scoredOrder = []ValidationType{
	ValidationSyntax,
	ValidationSemantics,
	ValidationFactual,
	ValidationContext,
	ValidationSource,
}

// IssuePipelineDegraded is appended when no validator produced a usable result.
const IssuePipelineDegraded = "pipeline degraded: all validators failed"

// recommendationFor maps each failing validation dimension to fixed advice.
var recommendationFor = map[ValidationType]string{
	ValidationSyntax:      "Review code examples for syntax errors before running them",
	ValidationSemantics:   "Resolve contradictory statements and define specialized terminology",
	ValidationFactual:     "Verify factual claims with authoritative sources",
	ValidationContext:     "Ensure the response addresses the requested domain and intent",
	ValidationSource:      "Add proper citations and source attribution for statistical claims",
	ValidationRiskPattern: "Review and revise absolute or unrealistic claims",
	ValidationSecurity:    "Address identified security vulnerabilities before using this code",
}

const (
	recommendCritical = "Content requires comprehensive review before deployment"
	recommendDegraded = "Retry the analysis; no validator produced a usable result"
)

// Aggregate folds the pipeline's results into one GuardianResult.
//
// Rules (applied in order):
//  1. confidence_score = Σ(c·w) over the weighted validators (weights
//     normalized, absent validators count as c = 0)
//  2. risk = Σ((1−c)·w), guardian_score = clamp(1 − risk)
//  3. A RiskPattern or Security result at or above GateSeverity → critical
//  4. Otherwise risk is thresholded into low / medium / high / critical
//  5. If every validator errored the level is forced to high
func Aggregate(results []*ValidationResult, cfg AggregatorConfig, now time.Time) *GuardianResult {
	weights := normalizedWeights(cfg.Weights)

	byType := make(map[ValidationType]*ValidationResult, len(results))
	for _, r := range results {
		if r != nil {
			byType[r.ValidationType] = r
		}
	}

	var confidence, risk float64
	for _, t := range scoredOrder {
		w := weights[t]
		if w == 0 {
			continue
		}
		var c float64
		if r := byType[t]; r != nil {
			c = clamp01(r.Confidence)
		}
		confidence += c * w
		risk += (1 - c) * w
	}
	confidence = clamp01(confidence)
	risk = clamp01(risk)

	gate := false
	for _, t := range []ValidationType{ValidationRiskPattern, ValidationSecurity} {
		if r := byType[t]; r != nil && r.MaxSeverity() >= cfg.GateSeverity {
			gate = true
		}
	}

	level := RiskCritical
	switch {
	case gate:
		level = RiskCritical
	case risk < cfg.LowThreshold:
		level = RiskLow
	case risk < cfg.MediumThreshold:
		level = RiskMedium
	case risk < cfg.HighThreshold:
		level = RiskHigh
	}

	degraded := len(results) > 0
	for _, r := range results {
		if r == nil || !r.Errored() {
			degraded = false
			break
		}
	}

	var issues, recommendations, uncertainty []string
	seenIssue := make(map[string]bool)
	seenUncertain := make(map[string]bool)
	for _, r := range results {
		if r == nil {
			continue
		}
		if !r.Passed {
			for _, issue := range r.Issues {
				if !seenIssue[issue] {
					seenIssue[issue] = true
					issues = append(issues, issue)
				}
			}
			if rec, ok := recommendationFor[r.ValidationType]; ok {
				recommendations = append(recommendations, rec)
			}
		}
		if r.ValidationType == ValidationFactual || r.ValidationType == ValidationContext || timedOut(r) {
			for _, u := range r.UncertaintyAreas() {
				if !seenUncertain[u] {
					seenUncertain[u] = true
					uncertainty = append(uncertainty, u)
				}
			}
		}
	}

	if degraded {
		level = RiskHigh
		issues = append(issues, IssuePipelineDegraded)
		recommendations = []string{recommendDegraded}
	}
	if level == RiskCritical {
		recommendations = append(recommendations, recommendCritical)
	}

	if issues == nil {
		issues = []string{}
	}
	if recommendations == nil {
		recommendations = []string{}
	}
	if uncertainty == nil {
		uncertainty = []string{}
	}

	score := clamp01(1 - risk)
	return &GuardianResult{
		IsSafe:            (level == RiskLow || level == RiskMedium) && !gate && !degraded,
		RiskLevel:         level,
		ConfidenceScore:   confidence,
		GuardianScore:     score,
		ValidationResults: results,
		Recommendations:   recommendations,
		DetectedIssues:    issues,
		UncertaintyAreas:  uncertainty,
		AnalysisSummary:   summarize(level, score, len(issues)),
		Timestamp:         now.UTC(),
	}
}

func summarize(level RiskLevel, score float64, issues int) string {
	return fmt.Sprintf("Guardian assessment: %s risk, guardian score %.3f, %d issue(s) detected.",
		level, score, issues)
}

// normalizedWeights scales the scored weights to sum to 1, falling back to
// the defaults when the configured weights are unusable.
func normalizedWeights(in map[ValidationType]float64) map[ValidationType]float64 {
	var sum float64
	for _, t := range scoredOrder {
		if w := in[t]; w > 0 {
			sum += w
		}
	}
	if sum <= 0 {
		return normalizedWeights(DefaultAggregatorConfig().Weights)
	}
	out := make(map[ValidationType]float64, len(scoredOrder))
	for _, t := range scoredOrder {
		if w := in[t]; w > 0 {
			out[t] = w / sum
		}
	}
	return out
}

func timedOut(r *ValidationResult) bool {
	v, _ := r.Details[DetailTimedOut].(bool)
	return v
}
