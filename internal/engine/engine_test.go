package engine_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/guardian/internal/cache"
	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/engine/validators"
	"github.com/triage-ai/guardian/internal/knowledge"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

type harness struct {
	eng   *engine.Engine
	kb    *knowledge.Handle
	cache *cache.LRU[*engine.GuardianResult]
}

func newHarness(t *testing.T, mutate func(*engine.Config)) *harness {
	t.Helper()
	rules, err := validators.DefaultRules()
	if err != nil {
		t.Fatalf("DefaultRules: %v", err)
	}
	base, err := knowledge.Default(zap.NewNop())
	if err != nil {
		t.Fatalf("knowledge.Default: %v", err)
	}
	kb := knowledge.NewHandle(base)
	c := cache.New[*engine.GuardianResult]()

	cfg := engine.Config{
		Validators: validators.Default(rules, kb),
		Knowledge:  kb,
		Aggregator: engine.DefaultAggregatorConfig(),
		Timeout:    5 * time.Second,
		Cache:      c,
		Logger:     zap.NewNop(),
		Now:        func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return &harness{eng: eng, kb: kb, cache: c}
}

func analyze(t *testing.T, e *engine.Engine, content string, actx engine.AnalysisContext) *engine.GuardianResult {
	t.Helper()
	res, err := e.Analyze(context.Background(), &engine.AnalyzeRequest{Content: content, Context: actx})
	if err != nil {
		t.Fatalf("Analyze(%q): %v", content, err)
	}
	return res
}

func TestAnalyze_VerifiedFactIsSafe(t *testing.T) {
	h := newHarness(t, nil)
	res := analyze(t, h.eng, "React is a JavaScript library created by Facebook.", engine.AnalysisContext{})

	if !res.IsSafe || res.RiskLevel != engine.RiskLow {
		t.Errorf("safe=%v level=%s, want safe/low (issues %v)", res.IsSafe, res.RiskLevel, res.DetectedIssues)
	}
	if len(res.DetectedIssues) != 0 {
		t.Errorf("detected issues = %v, want none", res.DetectedIssues)
	}
	if len(res.ValidationResults) != len(engine.ValidationOrder) {
		t.Errorf("got %d validation results", len(res.ValidationResults))
	}
}

func TestAnalyze_AbsoluteClaimsAreCritical(t *testing.T) {
	h := newHarness(t, nil)
	res := analyze(t, h.eng, "React is completely immune to all security attacks and guaranteed 100% safe.", engine.AnalysisContext{})

	if res.RiskLevel != engine.RiskCritical || res.IsSafe {
		t.Errorf("level=%s safe=%v, want critical/unsafe", res.RiskLevel, res.IsSafe)
	}
	rp := res.Result(engine.ValidationRiskPattern)
	if rp == nil || rp.Passed || rp.MaxSeverity() != engine.RiskCritical {
		t.Errorf("risk pattern result = %+v", rp)
	}
}

func TestAnalyze_ContradictedReleaseYear(t *testing.T) {
	h := newHarness(t, nil)
	res := analyze(t, h.eng, "Angular was created by Google in 2010.", engine.AnalysisContext{})

	factual := res.Result(engine.ValidationFactual)
	if factual == nil || factual.Passed {
		t.Fatalf("factual result = %+v", factual)
	}
	found := false
	for _, is := range res.DetectedIssues {
		if strings.Contains(is, "2016") && strings.Contains(is, "2010") {
			found = true
		}
	}
	if !found {
		t.Errorf("no issue names stored and claimed year: %v", res.DetectedIssues)
	}
	if res.RiskLevel < engine.RiskMedium {
		t.Errorf("level = %s, want at least medium", res.RiskLevel)
	}
}

func TestAnalyze_HardcodedSecretIsCritical(t *testing.T) {
	h := newHarness(t, nil)
	content := "Here is how to call the API:\n\n```python\napi_key = \"sk-abc123\"\n```"
	res := analyze(t, h.eng, content, engine.AnalysisContext{})

	if res.RiskLevel != engine.RiskCritical || res.IsSafe {
		t.Errorf("level=%s safe=%v, want critical/unsafe", res.RiskLevel, res.IsSafe)
	}
	for _, is := range res.DetectedIssues {
		if strings.Contains(is, "abc123") {
			t.Errorf("secret leaked into %q", is)
		}
	}
}

func TestAnalyze_DomainIsPartOfFingerprint(t *testing.T) {
	h := newHarness(t, nil)
	content := "Create a React component that renders a list with CSS styles."
	ctx := context.Background()

	fe, err := h.eng.Evaluate(ctx, &engine.AnalyzeRequest{Content: content, Context: engine.AnalysisContext{Domain: "frontend"}})
	if err != nil {
		t.Fatal(err)
	}
	be, err := h.eng.Evaluate(ctx, &engine.AnalyzeRequest{Content: content, Context: engine.AnalysisContext{Domain: "backend"}})
	if err != nil {
		t.Fatal(err)
	}
	if fe.Fingerprint == be.Fingerprint {
		t.Fatal("domains must produce distinct fingerprints")
	}
	if be.Cache != engine.CacheMiss {
		t.Errorf("second domain served from cache: %s", be.Cache)
	}
	fc := fe.Result.Result(engine.ValidationContext).Confidence
	bc := be.Result.Result(engine.ValidationContext).Confidence
	if fc <= bc {
		t.Errorf("frontend context confidence %.2f should exceed backend %.2f", fc, bc)
	}
}

func TestAnalyze_InvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name string
		req  *engine.AnalyzeRequest
	}{
		{"empty", &engine.AnalyzeRequest{}},
		{"whitespace", &engine.AnalyzeRequest{Content: " \r\n\t "}},
		{"too short", &engine.AnalyzeRequest{Content: "short"}},
		{"below override", &engine.AnalyzeRequest{Content: "twelve chars", MinLength: 20}},
		{"nil request", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.Analyze(context.Background(), tt.req)
			if !errors.Is(err, engine.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}

	if _, err := h.eng.Analyze(context.Background(), &engine.AnalyzeRequest{Content: "ok", MinLength: 2}); err != nil {
		t.Errorf("per-request minimum should allow short content: %v", err)
	}
}

func TestAnalyze_CacheHitAndNormalization(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.eng.Evaluate(ctx, &engine.AnalyzeRequest{Content: "Docker is written in Go.\r\nIt runs containers.\r\n"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.eng.Evaluate(ctx, &engine.AnalyzeRequest{
		Content: "  Docker is written in Go.\nIt runs containers.",
		Context: engine.AnalysisContext{Source: "chat", URL: "https://example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cache != engine.CacheMiss || second.Cache != engine.CacheHit {
		t.Errorf("cache statuses = %s, %s; want miss, hit", first.Cache, second.Cache)
	}
	if first.Result != second.Result {
		t.Error("cache hit must return the stored verdict")
	}
	if h.cache.Len() != 1 {
		t.Errorf("cache len = %d", h.cache.Len())
	}
}

func TestAnalyze_ReloadKnowledgePurgesCache(t *testing.T) {
	h := newHarness(t, nil)
	content := "Angular was created by Google in 2010."

	before := analyze(t, h.eng, content, engine.AnalysisContext{})
	if before.Result(engine.ValidationFactual).Passed {
		t.Fatal("default knowledge records 2016")
	}

	next, err := h.eng.Knowledge().With(knowledge.Entry{
		Topic:        "angular",
		Name:         "Angular",
		CreatedBy:    "Google",
		FirstRelease: "2010-10-20",
		Language:     "TypeScript",
		Facts:        []string{"AngularJS was released in 2010"},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	h.eng.ReloadKnowledge(next)

	if h.cache.Len() != 0 {
		t.Errorf("cache not purged, len = %d", h.cache.Len())
	}
	if h.eng.Knowledge().Generation() != next.Generation() {
		t.Error("engine does not expose the new snapshot")
	}
	after := analyze(t, h.eng, content, engine.AnalysisContext{})
	if !after.Result(engine.ValidationFactual).Passed {
		t.Errorf("after reload factual should pass, issues %v", after.DetectedIssues)
	}
}

func TestAnalyze_DisabledCacheChangesNothing(t *testing.T) {
	cached := newHarness(t, nil)
	uncached := newHarness(t, func(c *engine.Config) { c.Cache = nil })

	inputs := []string{
		"React is a JavaScript library created by Facebook.",
		"Angular was created by Google in 2010.",
		"Studies show 90% of developers prefer tabs. The CDN is fast. The CDN is cheap.",
	}
	for _, in := range inputs {
		a := analyze(t, cached.eng, in, engine.AnalysisContext{})
		b := analyze(t, uncached.eng, in, engine.AnalysisContext{})
		if !reflect.DeepEqual(a, b) {
			t.Errorf("results differ with cache disabled for %q", in)
		}
	}
}

func TestAnalyze_Properties(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.Cache = nil })
	inputs := []string{
		"React is a JavaScript library created by Facebook.",
		"Vue.js was created by Google and is 10x faster than everything.",
		"Always use indexes. Never use indexes. The ORM hides the ORM.",
		"```go\nfunc main() {\n```\nThis code never fails.",
		"```javascript\neval(userInput)\n```",
		"Kubernetes was originally developed by Google. It is written in Go.",
	}
	for _, in := range inputs {
		a := analyze(t, h.eng, in, engine.AnalysisContext{Domain: "backend", Intent: "explain"})
		b := analyze(t, h.eng, in, engine.AnalysisContext{Domain: "backend", Intent: "explain"})
		if !reflect.DeepEqual(a, b) {
			t.Errorf("non-deterministic verdict for %q", in)
		}
		if a.IsSafe && a.RiskLevel >= engine.RiskHigh {
			t.Errorf("%q: safe verdict with level %s", in, a.RiskLevel)
		}
		if a.GuardianScore < 0 || a.GuardianScore > 1 || a.ConfidenceScore < 0 || a.ConfidenceScore > 1 {
			t.Errorf("%q: scores out of range %.3f/%.3f", in, a.GuardianScore, a.ConfidenceScore)
		}
		for i, r := range a.ValidationResults {
			if r.ValidationType != engine.ValidationOrder[i] {
				t.Errorf("%q: result %d out of order", in, i)
			}
		}
	}
}

// countingValidator counts runs and is slow enough for callers to overlap.
type countingValidator struct {
	calls atomic.Int32
}

func (c *countingValidator) Name() string                { return "syntax" }
func (c *countingValidator) Type() engine.ValidationType { return engine.ValidationSyntax }
func (c *countingValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	c.calls.Add(1)
	time.Sleep(50 * time.Millisecond)
	return &engine.ValidationResult{Passed: true, Confidence: 1}, nil
}

func TestAnalyze_ConcurrentMissesShareOneRun(t *testing.T) {
	counter := &countingValidator{}
	h := newHarness(t, func(c *engine.Config) { c.Validators = []engine.Validator{counter} })

	const n = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*engine.GuardianResult, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := h.eng.Analyze(context.Background(), &engine.AnalyzeRequest{Content: "identical content for everyone"})
			if err != nil {
				t.Errorf("Analyze: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	close(start)
	wg.Wait()

	if got := counter.calls.Load(); got != 1 {
		t.Errorf("validator ran %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different verdict", i)
		}
	}
}

type blockingValidator struct{ release chan struct{} }

func (b *blockingValidator) Name() string                { return "context" }
func (b *blockingValidator) Type() engine.ValidationType { return engine.ValidationContext }
func (b *blockingValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	<-b.release
	return &engine.ValidationResult{Passed: true, Confidence: 1}, nil
}

func TestAnalyze_TimedOutVerdictNotCached(t *testing.T) {
	blocker := &blockingValidator{release: make(chan struct{})}
	t.Cleanup(func() { close(blocker.release) })

	h := newHarness(t, func(c *engine.Config) {
		c.Validators = []engine.Validator{blocker}
		c.Timeout = 20 * time.Millisecond
	})

	out, err := h.eng.Evaluate(context.Background(), &engine.AnalyzeRequest{Content: "content that will time out"})
	if err != nil {
		t.Fatal(err)
	}
	r := out.Result.Result(engine.ValidationContext)
	if r == nil || !r.Passed || r.Confidence != 0 {
		t.Errorf("timed-out result = %+v", r)
	}
	if len(out.Result.UncertaintyAreas) == 0 {
		t.Error("timeout must surface as an uncertainty area")
	}
	if h.cache.Len() != 0 {
		t.Error("timed-out verdict must not be cached")
	}
}

type slowValidator struct{ delay time.Duration }

func (s *slowValidator) Name() string                { return "syntax" }
func (s *slowValidator) Type() engine.ValidationType { return engine.ValidationSyntax }
func (s *slowValidator) Validate(ctx context.Context, req *engine.Request) (*engine.ValidationResult, error) {
	select {
	case <-time.After(s.delay):
		return &engine.ValidationResult{Passed: true, Confidence: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAnalyze_ShortDeadlineDoesNotDegradeSharedRun(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Validators = []engine.Validator{&slowValidator{delay: 100 * time.Millisecond}}
	})
	content := "content shared by an impatient and a patient caller"

	impatient := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := h.eng.Evaluate(ctx, &engine.AnalyzeRequest{Content: content})
		impatient <- err
	}()
	time.Sleep(5 * time.Millisecond)

	out, err := h.eng.Evaluate(context.Background(), &engine.AnalyzeRequest{Content: content})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(<-impatient, context.DeadlineExceeded) {
		t.Error("the caller whose deadline passed should get its context error")
	}

	r := out.Result.Result(engine.ValidationSyntax)
	if r == nil || r.Confidence != 1 || len(out.Result.UncertaintyAreas) != 0 {
		t.Errorf("shared run was cut short: %+v, uncertainty %v", r, out.Result.UncertaintyAreas)
	}
	if h.cache.Len() != 1 {
		t.Errorf("complete verdict should be cached, cache holds %d", h.cache.Len())
	}
}

func TestNew_RequiresKnowledge(t *testing.T) {
	if _, err := engine.New(engine.Config{}); err == nil {
		t.Error("expected error without knowledge")
	}
}

func TestFingerprint(t *testing.T) {
	base := engine.Fingerprint("content", engine.AnalysisContext{Domain: "frontend", Intent: "fix"}, 1)

	same := engine.Fingerprint("content", engine.AnalysisContext{Domain: " Frontend ", Intent: "FIX", Source: "x"}, 1)
	if base != same {
		t.Error("case, whitespace and source must not change the fingerprint")
	}
	for name, fp := range map[string]string{
		"content":    engine.Fingerprint("content!", engine.AnalysisContext{Domain: "frontend", Intent: "fix"}, 1),
		"domain":     engine.Fingerprint("content", engine.AnalysisContext{Domain: "backend", Intent: "fix"}, 1),
		"intent":     engine.Fingerprint("content", engine.AnalysisContext{Domain: "frontend", Intent: "create"}, 1),
		"generation": engine.Fingerprint("content", engine.AnalysisContext{Domain: "frontend", Intent: "fix"}, 2),
		"boundary":   engine.Fingerprint("contentfrontend", engine.AnalysisContext{Intent: "fix"}, 1),
	} {
		if fp == base {
			t.Errorf("%s change did not change the fingerprint", name)
		}
	}
}

func BenchmarkAnalyze_Uncached(b *testing.B) {
	rules, _ := validators.DefaultRules()
	base, _ := knowledge.Default(zap.NewNop())
	kb := knowledge.NewHandle(base)
	eng, err := engine.New(engine.Config{
		Validators: validators.Default(rules, kb),
		Knowledge:  kb,
		Timeout:    time.Second,
	})
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	req := &engine.AnalyzeRequest{
		Content: "React is a JavaScript library created by Facebook. Studies show 40% of teams use it [1].\n\n" +
			"```javascript\nconst App = () => <div>Hello</div>;\n```",
		Context: engine.AnalysisContext{Domain: "frontend", Intent: "explain"},
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		eng.Analyze(ctx, req)
	}
}
