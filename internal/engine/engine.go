package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/triage-ai/guardian/internal/knowledge"
	"github.com/triage-ai/guardian/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/triage-ai/guardian/internal/engine")

// DefaultMinLength is the minimum content length in runes.
const DefaultMinLength = 10

// ErrInvalidInput is returned for empty or too-short content.
var ErrInvalidInput = errors.New("invalid input")

// Cache status values reported by Evaluate.
const (
	CacheHit    = metrics.CacheHit
	CacheMiss   = metrics.CacheMiss
	CacheShared = metrics.CacheShared
)

// ResultCache stores finished verdicts by fingerprint. Implementations must
// be safe for concurrent use.
type ResultCache interface {
	Get(key string) (*GuardianResult, bool)
	Put(key string, value *GuardianResult)
	Purge()
}

// AnalyzeRequest is one call to Analyze.
type AnalyzeRequest struct {
	Content string
	Context AnalysisContext

	// MinLength overrides DefaultMinLength when positive.
	MinLength int
}

// Outcome is a verdict plus how it was produced.
type Outcome struct {
	Result      *GuardianResult
	Fingerprint string
	Cache       string // CacheHit, CacheMiss or CacheShared
	Duration    time.Duration
}

// Config wires an Engine.
type Config struct {
	Validators []Validator
	Knowledge  *knowledge.Handle
	Aggregator AggregatorConfig

	// Timeout bounds one pipeline run; zero disables it.
	Timeout time.Duration

	// Cache is optional; nil disables caching.
	Cache ResultCache

	MinLength int
	Logger    *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the analysis entry point: it normalizes input, consults the
// cache, runs the validator pipeline and aggregates the verdict.
type Engine struct {
	pipeline  *Pipeline
	kb        *knowledge.Handle
	agg       AggregatorConfig
	cache     ResultCache
	minLength int
	logger    *zap.Logger
	now       func() time.Time

	group singleflight.Group
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Knowledge == nil || cfg.Knowledge.Current() == nil {
		return nil, errors.New("engine.New: knowledge base is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Aggregator.Weights == nil {
		cfg.Aggregator = DefaultAggregatorConfig()
	}
	if err := cfg.Aggregator.Validate(); err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	p, err := NewPipeline(cfg.Validators, cfg.Timeout, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	kb := cfg.Knowledge.Current()
	metrics.SetKnowledge(kb.Generation(), kb.Len())

	return &Engine{
		pipeline:  p,
		kb:        cfg.Knowledge,
		agg:       cfg.Aggregator,
		cache:     cfg.Cache,
		minLength: cfg.MinLength,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Analyze returns the verdict for req.
func (e *Engine) Analyze(ctx context.Context, req *AnalyzeRequest) (*GuardianResult, error) {
	out, err := e.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Evaluate is Analyze with cache and timing information. Concurrent calls
// with the same fingerprint share one pipeline run.
func (e *Engine) Evaluate(ctx context.Context, req *AnalyzeRequest) (*Outcome, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "guardian.Analyze")
	defer span.End()

	if req == nil {
		req = &AnalyzeRequest{}
	}
	content, err := e.normalize(req)
	if err != nil {
		metrics.ObserveRejected()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	actx := req.Context.normalized()

	kb := e.kb.Current()
	fp := Fingerprint(content, actx, kb.Generation())
	span.SetAttributes(
		attribute.Int("guardian.content_runes", utf8.RuneCountInString(content)),
		attribute.String("guardian.domain", actx.Domain),
		attribute.String("guardian.intent", actx.Intent),
		attribute.Int64("guardian.kb_generation", int64(kb.Generation())),
	)

	status := CacheMiss
	var result *GuardianResult
	if cached, ok := e.lookup(fp); ok {
		status, result = CacheHit, cached
	} else {
		// The run outlives any one caller; the pipeline timeout bounds it.
		shared := context.WithoutCancel(ctx)
		ch := e.group.DoChan(fp, func() (any, error) {
			return e.compute(shared, fp, &Request{Content: content, Context: actx, Knowledge: kb}), nil
		})
		select {
		case r := <-ch:
			result = r.Val.(*GuardianResult)
			if r.Shared {
				status = CacheShared
			}
		case <-ctx.Done():
			err := fmt.Errorf("Evaluate: %w", ctx.Err())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	d := time.Since(start)
	metrics.ObserveAnalyze(result.RiskLevel.String(), status, result.GuardianScore, d)
	span.SetAttributes(
		attribute.String("guardian.cache", status),
		attribute.String("guardian.risk_level", result.RiskLevel.String()),
		attribute.Float64("guardian.score", result.GuardianScore),
		attribute.Bool("guardian.safe", result.IsSafe),
	)
	e.logger.Debug("analysis complete",
		zap.String("fingerprint", fp[:12]),
		zap.String("cache", status),
		zap.Stringer("risk_level", result.RiskLevel),
		zap.Float64("guardian_score", result.GuardianScore),
		zap.Duration("duration", d),
	)

	return &Outcome{Result: result, Fingerprint: fp, Cache: status, Duration: d}, nil
}

func (e *Engine) lookup(fp string) (*GuardianResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(fp)
}

// compute runs the pipeline and aggregates. Verdicts with demoted
// validators are not cached.
func (e *Engine) compute(ctx context.Context, fp string, req *Request) *GuardianResult {
	ctx, span := tracer.Start(ctx, "guardian.Pipeline", trace.WithAttributes(
		attribute.Int("guardian.validators", len(e.pipeline.validators)),
	))
	defer span.End()

	results := e.pipeline.Run(ctx, req)
	result := Aggregate(results, e.agg, e.now())

	complete := true
	for _, r := range results {
		if timedOut(r) {
			complete = false
		}
	}
	if e.cache != nil && complete {
		e.cache.Put(fp, result)
	}
	return result
}

func (e *Engine) normalize(req *AnalyzeRequest) (string, error) {
	content := strings.TrimSpace(strings.ReplaceAll(req.Content, "\r\n", "\n"))
	if content == "" {
		return "", fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	minLen := e.minLength
	if req.MinLength > 0 {
		minLen = req.MinLength
	}
	if n := utf8.RuneCountInString(content); n < minLen {
		return "", fmt.Errorf("%w: content is %d characters, minimum is %d", ErrInvalidInput, n, minLen)
	}
	return content, nil
}

// Fingerprint identifies an analysis for caching. Source, URL and timestamp
// do not affect validation and are excluded.
func Fingerprint(content string, ctx AnalysisContext, generation uint64) string {
	ctx = ctx.normalized()
	h := sha256.New()
	for _, part := range []string{content, ctx.Domain, ctx.Intent, strconv.FormatUint(generation, 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Knowledge returns the current knowledge base snapshot.
func (e *Engine) Knowledge() *knowledge.Base {
	return e.kb.Current()
}

// ReloadKnowledge publishes a new snapshot and drops every cached verdict.
// Runs already in flight finish against the snapshot they started with.
func (e *Engine) ReloadKnowledge(base *knowledge.Base) {
	if base == nil {
		return
	}
	prev := e.kb.Swap(base)
	if e.cache != nil {
		e.cache.Purge()
	}
	metrics.SetKnowledge(base.Generation(), base.Len())
	e.logger.Info("knowledge base reloaded",
		zap.String("version", base.Version()),
		zap.Uint64("generation", base.Generation()),
		zap.Uint64("previous_generation", prev.Generation()),
		zap.Int("topics", base.Len()),
	)
}

// Validators returns the validators in pipeline order.
func (e *Engine) Validators() []Validator {
	return e.pipeline.Validators()
}
