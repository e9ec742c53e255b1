package validators

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/triage-ai/guardian/internal/engine"
)

func TestDefaultRules_Compiles(t *testing.T) {
	rs := testRules(t)

	s := rs.Summarize()
	if s.Version == "" {
		t.Error("missing version")
	}
	if s.RiskPatterns == 0 || s.SecurityRules == 0 || s.SourceClaims == 0 || s.Citations == 0 {
		t.Errorf("empty tables: %+v", s)
	}
	if s.RiskThreshold != 0.5 || s.CitePassRatio != 1 {
		t.Errorf("threshold/ratio = %.2f/%.2f", s.RiskThreshold, s.CitePassRatio)
	}
	for _, l := range []engine.RiskLevel{engine.RiskLow, engine.RiskMedium, engine.RiskHigh, engine.RiskCritical} {
		if rs.SeverityWeight(l) <= 0 {
			t.Errorf("no weight for %s", l)
		}
	}
}

func TestRuleSet_CanonicalNames(t *testing.T) {
	rs := testRules(t)

	langs := map[string]string{"py": "python", "JS": "javascript", "golang": "go", "yml": "yaml", "tsx": "typescript"}
	for tag, want := range langs {
		if got, ok := rs.canonicalLanguage(tag); !ok || got != want {
			t.Errorf("canonicalLanguage(%q) = %q, %v; want %q", tag, got, ok, want)
		}
	}
	if _, ok := rs.canonicalLanguage("cobol"); ok {
		t.Error("cobol should be unknown")
	}

	if d, ok := rs.CanonicalDomain(" Front-End "); !ok || d != "frontend" {
		t.Errorf("CanonicalDomain = %q, %v", d, ok)
	}
	if i, ok := rs.CanonicalIntent("debug"); !ok || i != "fix" {
		t.Errorf("CanonicalIntent = %q, %v", i, ok)
	}
}

func TestLoadRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "risk: [unclosed"},
		{"bad severity", "risk:\n  patterns:\n    - id: x\n      severity: extreme\n      pattern: foo\n"},
		{"bad regex", "security:\n  patterns:\n    - id: x\n      severity: high\n      pattern: '(unclosed'\n"},
		{"missing id", "risk:\n  patterns:\n    - severity: low\n      pattern: foo\n"},
		{"duplicate id", "risk:\n  patterns:\n    - id: x\n      severity: low\n      pattern: a\n    - id: x\n      severity: low\n      pattern: b\n"},
		{"redact without group", "security:\n  patterns:\n    - id: x\n      severity: high\n      redact: true\n      pattern: 'secret'\n"},
		{"bad weight", "risk:\n  weights:\n    severe: 1\n"},
		{"alias conflict", "syntax:\n  languages:\n    a:\n      aliases: [x]\n      leading: '.'\n    b:\n      aliases: [x]\n      leading: '.'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRules([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidRules) {
				t.Errorf("err = %v, want ErrInvalidRules", err)
			}
		})
	}
}

func TestLoadRules_Defaults(t *testing.T) {
	rs, err := LoadRules([]byte("version: test\n"))
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if rs.Risk.Threshold != 0.5 || rs.Source.PassRatio != 1 {
		t.Errorf("defaults not applied: %.2f/%.2f", rs.Risk.Threshold, rs.Source.PassRatio)
	}
	if rs.SeverityWeight(engine.RiskCritical) != 1.0 {
		t.Errorf("critical weight = %.2f", rs.SeverityWeight(engine.RiskCritical))
	}
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, defaultRules, 0o600); err != nil {
		t.Fatal(err)
	}
	rs, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile: %v", err)
	}
	if rs.Version != testRules(t).Version {
		t.Errorf("version = %q", rs.Version)
	}

	if _, err := LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
