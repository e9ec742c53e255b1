package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/guardian/internal/metrics"
	"go.uber.org/zap"
)

// Pipeline fans a request out to every registered validator in parallel and
// returns one result per validator in declared order.
type Pipeline struct {
	validators []Validator // sorted by ValidationOrder
	timeout    time.Duration
	logger     *zap.Logger
}

// NewPipeline creates a pipeline from the given validators. Validators are
// re-ordered into ValidationOrder; at most one validator per type is allowed.
// A zero timeout disables the per-run deadline.
func NewPipeline(validators []Validator, timeout time.Duration, logger *zap.Logger) (*Pipeline, error) {
	byType := make(map[ValidationType]Validator, len(validators))
	for _, v := range validators {
		t := v.Type()
		if t < ValidationSyntax || t > ValidationSecurity {
			return nil, fmt.Errorf("NewPipeline: validator %q has unknown type %d", v.Name(), t)
		}
		if prev, dup := byType[t]; dup {
			return nil, fmt.Errorf("NewPipeline: validators %q and %q both cover %s", prev.Name(), v.Name(), t)
		}
		byType[t] = v
	}

	ordered := make([]Validator, 0, len(byType))
	for _, t := range ValidationOrder {
		if v, ok := byType[t]; ok {
			ordered = append(ordered, v)
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{validators: ordered, timeout: timeout, logger: logger}, nil
}

// Validators returns the validators in pipeline order.
func (p *Pipeline) Validators() []Validator {
	out := make([]Validator, len(p.validators))
	copy(out, p.validators)
	return out
}

// validatorOutput holds a single validator's result alongside its position.
type validatorOutput struct {
	index    int
	result   *ValidationResult
	err      error
	duration time.Duration
}

// panicError wraps a value recovered from a panicking validator.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("validator panic: %v", e.value)
}

// Run executes every validator against the request. It never short-circuits:
// all validators run even when an earlier one fails, and the call returns only
// after every validator has answered or the deadline has passed.
//
// Each goroutine sends into a buffered channel sized for all validators, so
// validators that finish after the deadline never block. Their slot has
// already been filled with a timed-out placeholder.
func (p *Pipeline) Run(ctx context.Context, req *Request) []*ValidationResult {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ch := make(chan validatorOutput, len(p.validators))

	for i, v := range p.validators {
		go func(i int, v Validator) {
			start := time.Now()
			result, err := safeValidate(ctx, v, req)
			ch <- validatorOutput{
				index:    i,
				result:   result,
				err:      err,
				duration: time.Since(start),
			}
		}(i, v)
	}

	results := make([]*ValidationResult, len(p.validators))
	remaining := len(p.validators)
	for remaining > 0 {
		select {
		case out := <-ch:
			results[out.index] = p.finalize(p.validators[out.index], out)
			remaining--
		case <-ctx.Done():
			p.logger.Warn("validator deadline exceeded, demoting unanswered validators",
				zap.Duration("timeout", p.timeout),
				zap.Int("unanswered", remaining),
			)
			remaining = 0
		}
	}

	for i, r := range results {
		if r == nil {
			v := p.validators[i]
			metrics.ObserveValidator(v.Name(), 0, metrics.OutcomeTimeout)
			results[i] = timedOutResult(v)
		}
	}

	return results
}

// finalize converts a raw validator output into a well-formed result.
func (p *Pipeline) finalize(v Validator, out validatorOutput) *ValidationResult {
	if out.err == nil && out.result == nil {
		out.err = errors.New("validator returned no result")
	}
	if out.err != nil {
		p.logger.Warn("validator error",
			zap.String("validator", v.Name()),
			zap.Error(out.err),
		)
		metrics.ObserveValidator(v.Name(), out.duration, metrics.OutcomeError)
		return errorResult(v, out.err)
	}

	metrics.ObserveValidator(v.Name(), out.duration, metrics.OutcomeOK)

	r := out.result
	r.ValidationType = v.Type()
	r.Confidence = clamp01(r.Confidence)
	if r.Issues == nil {
		r.Issues = []string{}
	}
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	return r
}

// safeValidate runs one validator and converts a panic into an error so one
// validator can never take the pipeline down.
func safeValidate(ctx context.Context, v Validator, req *Request) (result *ValidationResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &panicError{value: rec}
		}
	}()
	return v.Validate(ctx, req)
}

// errorKind classifies a validator error for the issue text.
func errorKind(err error) string {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}

// errorResult is the isolated stand-in for a validator that failed internally.
func errorResult(v Validator, err error) *ValidationResult {
	return &ValidationResult{
		ValidationType: v.Type(),
		Passed:         false,
		Confidence:     0,
		Issues:         []string{"validator error: " + errorKind(err)},
		Details: map[string]any{
			DetailError: true,
			"validator": v.Name(),
			"message":   err.Error(),
		},
	}
}

// timedOutResult demotes an unanswered validator to "unknown": it passes with
// zero confidence so it neither blocks nor fails the analysis.
func timedOutResult(v Validator) *ValidationResult {
	return &ValidationResult{
		ValidationType: v.Type(),
		Passed:         true,
		Confidence:     0,
		Issues:         []string{},
		Details: map[string]any{
			DetailTimedOut:    true,
			DetailUncertainty: []string{v.Type().String() + " validation timed out"},
			"validator":       v.Name(),
		},
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
