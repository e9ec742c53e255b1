package engine

import (
	"context"

	"github.com/triage-ai/guardian/internal/knowledge"
)

// Validator is the interface every validation layer must implement.
// Implementations must be pure functions of the request (plus immutable
// snapshots they hold), must respect context deadlines and return quickly.
type Validator interface {
	// Name returns the validator's unique identifier (e.g., "syntax").
	Name() string

	// Type returns the validation dimension this validator covers.
	Type() ValidationType

	// Validate runs the validation logic against the given request.
	Validate(ctx context.Context, req *Request) (*ValidationResult, error)
}

// Request contains the normalized content and context for a validation run.
type Request struct {
	Content string
	Context AnalysisContext

	// Knowledge is the snapshot taken for this run. Every validator of one
	// run sees the same generation.
	Knowledge *knowledge.Base
}
