// Package bootstrap assembles an analysis engine from rule, policy and
// knowledge files. Both the server and the CLI build their engine here.
package bootstrap

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/guardian/internal/cache"
	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/engine/validators"
	"github.com/triage-ai/guardian/internal/knowledge"
)

// Options configures NewEngine. Empty file paths select built-in defaults.
type Options struct {
	RulesFile  string
	PolicyFile string

	// Knowledge is the initial snapshot; nil loads the built-in base.
	Knowledge *knowledge.Base

	Timeout   time.Duration
	MinLength int

	// CacheSize zero disables result caching.
	CacheSize int
	CacheTTL  time.Duration

	Logger *zap.Logger
}

// LoadRules returns the rule set at path, or the built-in one.
func LoadRules(path string) (*validators.RuleSet, error) {
	if path == "" {
		return validators.DefaultRules()
	}
	return validators.LoadRulesFile(path)
}

// LoadKnowledge returns the knowledge base at path, or the built-in one.
func LoadKnowledge(path string, logger *zap.Logger) (*knowledge.Base, error) {
	if path == "" {
		return knowledge.Default(logger)
	}
	return knowledge.LoadFile(path, logger)
}

// NewEngine wires validators, scoring policy, cache and knowledge into an
// engine.
func NewEngine(opts Options) (*engine.Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rules, err := LoadRules(opts.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: rules: %w", err)
	}
	policy, err := engine.LoadScoringPolicy(opts.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	agg, err := policy.Apply(engine.DefaultAggregatorConfig())
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	base := opts.Knowledge
	if base == nil {
		if base, err = knowledge.Default(opts.Logger); err != nil {
			return nil, fmt.Errorf("bootstrap: knowledge: %w", err)
		}
	}
	kb := knowledge.NewHandle(base)

	var rc engine.ResultCache
	if opts.CacheSize > 0 {
		rc = cache.New[*engine.GuardianResult](
			cache.WithMaxEntries(opts.CacheSize),
			cache.WithMaxAge(opts.CacheTTL),
		)
	}

	threshold := policy.EffectiveRiskThreshold(rules.Risk.Threshold)
	opts.Logger.Info("engine configured",
		zap.String("rules_version", rules.Version),
		zap.String("kb_version", base.Version()),
		zap.Int("kb_topics", base.Len()),
		zap.Float64("risk_threshold", threshold),
		zap.Stringer("gate_severity", agg.GateSeverity),
		zap.Int("cache_size", opts.CacheSize),
	)

	return engine.New(engine.Config{
		Validators: validators.Default(rules, kb, validators.WithRiskThreshold(threshold)),
		Knowledge:  kb,
		Aggregator: agg,
		Timeout:    opts.Timeout,
		Cache:      rc,
		MinLength:  opts.MinLength,
		Logger:     opts.Logger,
	})
}
