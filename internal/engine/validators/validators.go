// Package validators implements the seven validation layers run by the
// engine pipeline. Pattern tables live in a versioned RuleSet; factual
// checks read the knowledge base snapshot attached to each request.
package validators

import (
	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/knowledge"
)

// Default returns one validator per validation type, in pipeline order.
func Default(rules *RuleSet, kb *knowledge.Handle, riskOpts ...RiskOption) []engine.Validator {
	return []engine.Validator{
		NewSyntaxValidator(rules),
		NewSemanticValidator(),
		NewFactualValidator(kb),
		NewContextValidator(rules),
		NewSourceValidator(rules),
		NewRiskValidator(rules, riskOpts...),
		NewSecurityValidator(rules),
	}
}
