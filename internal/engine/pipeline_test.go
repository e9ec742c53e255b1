package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubValidator is a configurable Validator for pipeline tests.
type stubValidator struct {
	name string
	typ  ValidationType
	fn   func(ctx context.Context, req *Request) (*ValidationResult, error)
}

func (s *stubValidator) Name() string         { return s.name }
func (s *stubValidator) Type() ValidationType { return s.typ }
func (s *stubValidator) Validate(ctx context.Context, req *Request) (*ValidationResult, error) {
	return s.fn(ctx, req)
}

func passing(typ ValidationType, delay time.Duration) *stubValidator {
	return &stubValidator{
		name: typ.String(),
		typ:  typ,
		fn: func(ctx context.Context, req *Request) (*ValidationResult, error) {
			time.Sleep(delay)
			return &ValidationResult{Passed: true, Confidence: 0.9}, nil
		},
	}
}

func TestPipeline_OrderIndependentOfCompletion(t *testing.T) {
	var vs []Validator
	// register in reverse, later types finish first
	for i := len(ValidationOrder) - 1; i >= 0; i-- {
		typ := ValidationOrder[i]
		vs = append(vs, passing(typ, time.Duration(len(ValidationOrder)-i)*time.Millisecond))
	}
	p, err := NewPipeline(vs, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	results := p.Run(context.Background(), &Request{Content: "hello world"})
	if len(results) != len(ValidationOrder) {
		t.Fatalf("got %d results, want %d", len(results), len(ValidationOrder))
	}
	for i, r := range results {
		if r.ValidationType != ValidationOrder[i] {
			t.Errorf("result %d has type %s, want %s", i, r.ValidationType, ValidationOrder[i])
		}
		if r.Issues == nil || r.Details == nil {
			t.Errorf("result %d: nil issues or details", i)
		}
	}
}

func TestPipeline_PanicIsolation(t *testing.T) {
	boom := &stubValidator{name: "semantics", typ: ValidationSemantics,
		fn: func(context.Context, *Request) (*ValidationResult, error) { panic("boom") }}
	p, err := NewPipeline([]Validator{passing(ValidationSyntax, 0), boom, passing(ValidationFactual, 0)}, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	results := p.Run(context.Background(), &Request{Content: "x"})
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	r := results[1]
	if r.Passed || r.Confidence != 0 || !r.Errored() {
		t.Errorf("panicking validator: passed=%v confidence=%.2f errored=%v", r.Passed, r.Confidence, r.Errored())
	}
	if len(r.Issues) != 1 || r.Issues[0] != "validator error: panic" {
		t.Errorf("issues = %v", r.Issues)
	}
	if !results[0].Passed || !results[2].Passed {
		t.Error("other validators must be unaffected")
	}
}

func TestPipeline_ErrorsBecomeFailingResults(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, *Request) (*ValidationResult, error)
		kind string
	}{
		{"error", func(context.Context, *Request) (*ValidationResult, error) { return nil, errors.New("disk on fire") }, "internal"},
		{"nil result", func(context.Context, *Request) (*ValidationResult, error) { return nil, nil }, "internal"},
		{"deadline", func(context.Context, *Request) (*ValidationResult, error) {
			return nil, context.DeadlineExceeded
		}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &stubValidator{name: "source", typ: ValidationSource, fn: tt.fn}
			p, err := NewPipeline([]Validator{v}, 0, zap.NewNop())
			if err != nil {
				t.Fatalf("NewPipeline: %v", err)
			}
			r := p.Run(context.Background(), &Request{})[0]
			if r.Passed || !r.Errored() {
				t.Errorf("expected failing errored result, got %+v", r)
			}
			if r.Issues[0] != "validator error: "+tt.kind {
				t.Errorf("issue = %q, want kind %q", r.Issues[0], tt.kind)
			}
		})
	}
}

func TestPipeline_TimeoutDemotes(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	slow := &stubValidator{name: "context", typ: ValidationContext,
		fn: func(context.Context, *Request) (*ValidationResult, error) {
			<-release
			return &ValidationResult{Passed: false, Confidence: 0}, nil
		}}
	p, err := NewPipeline([]Validator{passing(ValidationSyntax, 0), slow}, 30*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	start := time.Now()
	results := p.Run(context.Background(), &Request{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Run blocked for %v", elapsed)
	}

	r := results[1]
	if !r.Passed || r.Confidence != 0 {
		t.Errorf("timed-out validator: passed=%v confidence=%.2f, want true/0", r.Passed, r.Confidence)
	}
	if !timedOut(r) {
		t.Error("timed_out detail not set")
	}
	if areas := r.UncertaintyAreas(); len(areas) != 1 || !strings.Contains(areas[0], "timed out") {
		t.Errorf("uncertainty = %v", areas)
	}
	if !results[0].Passed || timedOut(results[0]) {
		t.Error("fast validator must keep its result")
	}
}

func TestPipeline_NormalizesResults(t *testing.T) {
	v := &stubValidator{name: "factual", typ: ValidationFactual,
		fn: func(context.Context, *Request) (*ValidationResult, error) {
			// wrong type and out-of-range confidence
			return &ValidationResult{ValidationType: ValidationSecurity, Passed: true, Confidence: 1.7}, nil
		}}
	p, err := NewPipeline([]Validator{v}, 0, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	r := p.Run(context.Background(), &Request{})[0]
	if r.ValidationType != ValidationFactual {
		t.Errorf("type = %s, want factual", r.ValidationType)
	}
	if r.Confidence != 1 {
		t.Errorf("confidence = %.2f, want clamped 1", r.Confidence)
	}
}

func TestNewPipeline_Rejects(t *testing.T) {
	if _, err := NewPipeline([]Validator{passing(ValidationSyntax, 0), passing(ValidationSyntax, 0)}, 0, nil); err == nil {
		t.Error("expected error for duplicate type")
	}
	if _, err := NewPipeline([]Validator{passing(ValidationType(42), 0)}, 0, nil); err == nil {
		t.Error("expected error for unknown type")
	}
}

func BenchmarkPipeline(b *testing.B) {
	vs := make([]Validator, 0, len(ValidationOrder))
	for _, typ := range ValidationOrder {
		vs = append(vs, passing(typ, 0))
	}
	p, _ := NewPipeline(vs, time.Second, zap.NewNop())
	ctx := context.Background()
	req := &Request{Content: "benchmark content"}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p.Run(ctx, req)
	}
}
