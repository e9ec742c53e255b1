package validators

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/triage-ai/guardian/internal/engine"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// PatternRule is one entry of the risk or security pattern tables.
type PatternRule struct {
	ID          string   `yaml:"id"`
	Severity    string   `yaml:"severity"`
	Description string   `yaml:"description"`
	Pattern     string   `yaml:"pattern"`
	Redact      bool     `yaml:"redact"`
	Languages   []string `yaml:"languages"`

	re    *regexp.Regexp
	level engine.RiskLevel
}

// Level returns the compiled severity.
func (p *PatternRule) Level() engine.RiskLevel { return p.level }

// LanguageRule is the syntax rule for one fenced-block language.
type LanguageRule struct {
	Aliases  []string `yaml:"aliases"`
	Comments []string `yaml:"comments"`
	Leading  string   `yaml:"leading"`

	re *regexp.Regexp
}

// ClaimRule marks a sentence as a claim that needs a citation.
type ClaimRule struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// DomainRule lists the vocabulary that signals a domain.
type DomainRule struct {
	Aliases  []string `yaml:"aliases"`
	Keywords []string `yaml:"keywords"`
}

// IntentRule lists markers that support or contradict an intent.
type IntentRule struct {
	Aliases  []string `yaml:"aliases"`
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

// RuleSet is the versioned, compiled pattern data used by the validators.
// It is immutable after LoadRules returns.
type RuleSet struct {
	Version string `yaml:"version"`

	Risk struct {
		Threshold float64            `yaml:"threshold"`
		Weights   map[string]float64 `yaml:"weights"`
		Patterns  []PatternRule      `yaml:"patterns"`
	} `yaml:"risk"`

	Security struct {
		Patterns []PatternRule `yaml:"patterns"`
	} `yaml:"security"`

	Syntax struct {
		BraceLanguages []string                `yaml:"brace_languages"`
		Languages      map[string]LanguageRule `yaml:"languages"`
	} `yaml:"syntax"`

	Source struct {
		Claims    []ClaimRule `yaml:"claims"`
		Citations []string    `yaml:"citations"`
		PassRatio float64     `yaml:"pass_ratio"`
	} `yaml:"source"`

	Context struct {
		Domains map[string]DomainRule `yaml:"domains"`
		Intents map[string]IntentRule `yaml:"intents"`
	} `yaml:"context"`

	severityWeight map[engine.RiskLevel]float64
	langIndex      map[string]string // alias or name → canonical language
	braceLangs     map[string]bool
	citations      []*regexp.Regexp
	domainIndex    map[string]string // alias or name → canonical domain
	intentIndex    map[string]string // alias or name → canonical intent
}

// ErrInvalidRules is wrapped by every LoadRules failure.
var ErrInvalidRules = errors.New("invalid rule set")

// DefaultRules returns the built-in rule set.
func DefaultRules() (*RuleSet, error) {
	return LoadRules(defaultRules)
}

// LoadRulesFile reads and compiles a rule set from path.
func LoadRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRulesFile: %w", err)
	}
	return LoadRules(data)
}

// LoadRules parses and compiles a YAML rule set. Every pattern must compile
// and every severity must be known; the first problem is returned.
func LoadRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if err := rs.compile(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return &rs, nil
}

var defaultSeverityWeights = map[engine.RiskLevel]float64{
	engine.RiskLow:      0.1,
	engine.RiskMedium:   0.25,
	engine.RiskHigh:     0.5,
	engine.RiskCritical: 1.0,
}

func (rs *RuleSet) compile() error {
	if rs.Risk.Threshold <= 0 {
		rs.Risk.Threshold = 0.5
	}
	if rs.Source.PassRatio <= 0 || rs.Source.PassRatio > 1 {
		rs.Source.PassRatio = 1
	}

	rs.severityWeight = make(map[engine.RiskLevel]float64, len(defaultSeverityWeights))
	for lvl, w := range defaultSeverityWeights {
		rs.severityWeight[lvl] = w
	}
	for name, w := range rs.Risk.Weights {
		lvl, err := engine.ParseRiskLevel(name)
		if err != nil {
			return fmt.Errorf("risk.weights: %w", err)
		}
		if w < 0 {
			return fmt.Errorf("risk.weights.%s: negative weight", name)
		}
		rs.severityWeight[lvl] = w
	}

	if err := compilePatterns("risk", rs.Risk.Patterns); err != nil {
		return err
	}
	if err := compilePatterns("security", rs.Security.Patterns); err != nil {
		return err
	}

	rs.langIndex = make(map[string]string)
	for name, rule := range rs.Syntax.Languages {
		re, err := regexp.Compile(rule.Leading)
		if err != nil {
			return fmt.Errorf("syntax.languages.%s: %w", name, err)
		}
		rule.re = re
		rs.Syntax.Languages[name] = rule

		for _, key := range append([]string{name}, rule.Aliases...) {
			key = strings.ToLower(key)
			if prev, dup := rs.langIndex[key]; dup && prev != name {
				return fmt.Errorf("syntax.languages: %q claimed by %s and %s", key, prev, name)
			}
			rs.langIndex[key] = name
		}
	}
	rs.braceLangs = make(map[string]bool, len(rs.Syntax.BraceLanguages))
	for _, l := range rs.Syntax.BraceLanguages {
		rs.braceLangs[strings.ToLower(l)] = true
	}

	for i := range rs.Source.Claims {
		re, err := regexp.Compile(rs.Source.Claims[i].Pattern)
		if err != nil {
			return fmt.Errorf("source.claims[%d]: %w", i, err)
		}
		rs.Source.Claims[i].re = re
	}
	for i, p := range rs.Source.Citations {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("source.citations[%d]: %w", i, err)
		}
		rs.citations = append(rs.citations, re)
	}

	rs.domainIndex = make(map[string]string)
	for name, d := range rs.Context.Domains {
		for _, key := range append([]string{name}, d.Aliases...) {
			rs.domainIndex[strings.ToLower(key)] = name
		}
	}
	rs.intentIndex = make(map[string]string)
	for name, in := range rs.Context.Intents {
		for _, key := range append([]string{name}, in.Aliases...) {
			rs.intentIndex[strings.ToLower(key)] = name
		}
	}

	return nil
}

func compilePatterns(table string, rules []PatternRule) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if r.ID == "" {
			return fmt.Errorf("%s.patterns[%d]: missing id", table, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%s.patterns: duplicate id %q", table, r.ID)
		}
		seen[r.ID] = true

		lvl, err := engine.ParseRiskLevel(r.Severity)
		if err != nil {
			return fmt.Errorf("%s.patterns[%s]: %w", table, r.ID, err)
		}
		r.level = lvl

		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("%s.patterns[%s]: %w", table, r.ID, err)
		}
		if r.Redact && re.SubexpIndex("secret") < 0 {
			return fmt.Errorf("%s.patterns[%s]: redact requires a (?P<secret>...) group", table, r.ID)
		}
		r.re = re
		for j, l := range r.Languages {
			r.Languages[j] = strings.ToLower(l)
		}
	}
	return nil
}

// canonicalLanguage maps a fence info string to a configured language.
func (rs *RuleSet) canonicalLanguage(tag string) (string, bool) {
	name, ok := rs.langIndex[strings.ToLower(tag)]
	return name, ok
}

// CanonicalDomain maps a context domain to its configured name.
func (rs *RuleSet) CanonicalDomain(domain string) (string, bool) {
	name, ok := rs.domainIndex[strings.ToLower(strings.TrimSpace(domain))]
	return name, ok
}

// CanonicalIntent maps a context intent to its configured name.
func (rs *RuleSet) CanonicalIntent(intent string) (string, bool) {
	name, ok := rs.intentIndex[strings.ToLower(strings.TrimSpace(intent))]
	return name, ok
}

// SeverityWeight returns the cumulative-risk weight of a severity.
func (rs *RuleSet) SeverityWeight(l engine.RiskLevel) float64 {
	return rs.severityWeight[l]
}

// Summary describes the rule set for CLI output.
type Summary struct {
	Version       string   `json:"version"`
	RiskPatterns  int      `json:"risk_patterns"`
	SecurityRules int      `json:"security_patterns"`
	Languages     []string `json:"languages"`
	SourceClaims  int      `json:"source_claims"`
	Citations     int      `json:"citations"`
	Domains       []string `json:"domains"`
	Intents       []string `json:"intents"`
	RiskThreshold float64  `json:"risk_threshold"`
	CitePassRatio float64  `json:"cite_pass_ratio"`
}

// Summarize returns counts and names for display.
func (rs *RuleSet) Summarize() Summary {
	return Summary{
		Version:       rs.Version,
		RiskPatterns:  len(rs.Risk.Patterns),
		SecurityRules: len(rs.Security.Patterns),
		Languages:     sortedKeys(rs.Syntax.Languages),
		SourceClaims:  len(rs.Source.Claims),
		Citations:     len(rs.citations),
		Domains:       sortedKeys(rs.Context.Domains),
		Intents:       sortedKeys(rs.Context.Intents),
		RiskThreshold: rs.Risk.Threshold,
		CitePassRatio: rs.Source.PassRatio,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
