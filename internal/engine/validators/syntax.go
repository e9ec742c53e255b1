package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/textutil"
)

// SyntaxValidator checks fenced code blocks for obviously malformed code:
// a first statement that cannot start the tagged language, unbalanced
// brackets in brace languages, and empty blocks.
type SyntaxValidator struct {
	rules *RuleSet
}

func NewSyntaxValidator(rules *RuleSet) *SyntaxValidator {
	return &SyntaxValidator{rules: rules}
}

func (v *SyntaxValidator) Name() string {
	return "syntax"
}

func (v *SyntaxValidator) Type() engine.ValidationType {
	return engine.ValidationSyntax
}

func (v *SyntaxValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	blocks, _ := textutil.SplitFences(req.Content)

	var issues []string
	checked, flagged := 0, 0
	for i, b := range blocks {
		if ctx.Err() != nil {
			break
		}
		lang, ok := v.rules.canonicalLanguage(b.Lang)
		if !ok {
			continue
		}
		checked++
		if blockIssues := v.checkBlock(lang, b); len(blockIssues) > 0 {
			flagged++
			for _, is := range blockIssues {
				issues = append(issues, fmt.Sprintf("syntax: %s (code block %d, %s)", is, i+1, b.Lang))
			}
		}
	}

	confidence := 1.0
	if checked > 0 {
		confidence = max(0.2, 1-0.8*float64(flagged)/float64(checked))
	}

	return &engine.ValidationResult{
		Passed:     flagged == 0,
		Confidence: confidence,
		Issues:     issues,
		Details: map[string]any{
			"blocks":  len(blocks),
			"checked": checked,
			"flagged": flagged,
		},
	}, nil
}

func (v *SyntaxValidator) checkBlock(lang string, b textutil.CodeBlock) []string {
	rule := v.rules.Syntax.Languages[lang]

	first, ok := firstCodeLine(b.Body, rule.Comments)
	if !ok {
		if strings.TrimSpace(b.Body) == "" {
			return []string{"empty code block"}
		}
		// comments only
		return nil
	}

	var issues []string
	if rule.re != nil && !rule.re.MatchString(first) {
		issues = append(issues, fmt.Sprintf("first line is not valid %s: %q", lang, truncate(first, 40)))
	}
	if v.rules.braceLangs[lang] {
		if msg := checkBalance(b.Body); msg != "" {
			issues = append(issues, msg)
		}
	}
	return issues
}

// firstCodeLine returns the first non-blank line that is not a comment.
func firstCodeLine(body string, comments []string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#!") {
			continue
		}
		comment := false
		for _, c := range comments {
			if strings.HasPrefix(trimmed, c) {
				comment = true
				break
			}
		}
		if !comment {
			return trimmed, true
		}
	}
	return "", false
}

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// checkBalance walks the body skipping string literals and line comments and
// reports the first bracket mismatch.
func checkBalance(body string) string {
	var stack []rune
	var quote rune
	escaped := false
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			case r == '\n' && quote != '`':
				// unterminated single-line string; resync at the line end
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '/':
			if i+1 < len(runes) && runes[i+1] == '/' {
				for i < len(runes) && runes[i] != '\n' {
					i++
				}
			} else if i+1 < len(runes) && runes[i+1] == '*' {
				i += 2
				for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
					i++
				}
				i++
			}
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != closers[r] {
				return fmt.Sprintf("unexpected %q", r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Sprintf("unclosed %q", stack[len(stack)-1])
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
