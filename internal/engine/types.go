package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidationType identifies one validation dimension. Declaration order is
// pipeline order and is part of the public contract.
type ValidationType int

const (
	ValidationSyntax ValidationType = iota + 1
	ValidationSemantics
	ValidationFactual
	ValidationContext
	ValidationSource
	ValidationRiskPattern
	ValidationSecurity
)

// ValidationOrder lists every validation type in pipeline order.
var ValidationOrder = []ValidationType{
	ValidationSyntax,
	ValidationSemantics,
	ValidationFactual,
	ValidationContext,
	ValidationSource,
	ValidationRiskPattern,
	ValidationSecurity,
}

// String returns the lowercase wire name.
func (t ValidationType) String() string {
	switch t {
	case ValidationSyntax:
		return "syntax"
	case ValidationSemantics:
		return "semantics"
	case ValidationFactual:
		return "factual"
	case ValidationContext:
		return "context"
	case ValidationSource:
		return "source"
	case ValidationRiskPattern:
		return "risk_pattern"
	case ValidationSecurity:
		return "security"
	default:
		return "unspecified"
	}
}

// ParseValidationType maps a wire name back to its ValidationType.
func ParseValidationType(s string) (ValidationType, error) {
	for _, t := range ValidationOrder {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown validation type %q", s)
}

func (t ValidationType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ValidationType) UnmarshalText(b []byte) error {
	v, err := ParseValidationType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// RiskLevel is an ordered classification: Low < Medium < High < Critical.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the lowercase risk level name.
func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unspecified"
	}
}

// ParseRiskLevel accepts the lowercase names (case-insensitive).
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Reserved detail keys shared between validators, pipeline and aggregator.
const (
	DetailUncertainty = "uncertainty_areas" // []string
	DetailMaxSeverity = "max_severity"      // RiskLevel
	DetailError       = "error"             // bool
	DetailTimedOut    = "timed_out"         // bool
)

// ValidationResult is the output of one validator.
type ValidationResult struct {
	ValidationType ValidationType `json:"validation_type"`
	Passed         bool           `json:"passed"`
	Confidence     float64        `json:"confidence"`
	Issues         []string       `json:"issues"`
	Details        map[string]any `json:"details"`
}

// UncertaintyAreas returns the uncertainty entries the validator tagged.
func (r *ValidationResult) UncertaintyAreas() []string {
	if r == nil || r.Details == nil {
		return nil
	}
	v, _ := r.Details[DetailUncertainty].([]string)
	return v
}

// MaxSeverity returns the worst pattern severity the validator reported,
// or zero when it reported none.
func (r *ValidationResult) MaxSeverity() RiskLevel {
	if r == nil || r.Details == nil {
		return 0
	}
	v, _ := r.Details[DetailMaxSeverity].(RiskLevel)
	return v
}

// Errored reports whether the pipeline replaced this result after a
// validator error or panic.
func (r *ValidationResult) Errored() bool {
	if r == nil || r.Details == nil {
		return false
	}
	v, _ := r.Details[DetailError].(bool)
	return v
}

// GuardianResult is the public verdict for one analyzed content.
// It must not be modified after the engine returns it: cached results are
// shared between callers.
type GuardianResult struct {
	IsSafe            bool                `json:"is_safe"`
	RiskLevel         RiskLevel           `json:"risk_level"`
	ConfidenceScore   float64             `json:"confidence_score"`
	GuardianScore     float64             `json:"guardian_score"`
	ValidationResults []*ValidationResult `json:"validation_results"`
	Recommendations   []string            `json:"recommendations"`
	DetectedIssues    []string            `json:"detected_issues"`
	UncertaintyAreas  []string            `json:"uncertainty_areas"`
	AnalysisSummary   string              `json:"analysis_summary"`
	Timestamp         time.Time           `json:"timestamp"`
}

// Result returns the validation result of the given type, or nil.
func (g *GuardianResult) Result(t ValidationType) *ValidationResult {
	for _, r := range g.ValidationResults {
		if r.ValidationType == t {
			return r
		}
	}
	return nil
}

// MarshalMap renders the result as a generic map with the wire field names.
func (g *GuardianResult) MarshalMap() (map[string]any, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// AnalysisContext carries the recognized context fields of a request.
// Empty strings mean "not provided".
type AnalysisContext struct {
	Domain    string    `json:"domain,omitempty"`
	Intent    string    `json:"intent,omitempty"`
	Source    string    `json:"source,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// normalized lower-cases and trims the fields that influence validators.
func (c AnalysisContext) normalized() AnalysisContext {
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
	c.Intent = strings.ToLower(strings.TrimSpace(c.Intent))
	c.Source = strings.TrimSpace(c.Source)
	c.URL = strings.TrimSpace(c.URL)
	return c
}
