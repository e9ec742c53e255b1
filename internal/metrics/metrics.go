// Package metrics holds the Prometheus collectors shared by the engine and
// the transport layers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Validator outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Cache lookup results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
)

var (
	// analyzeTotal counts completed analyses.
	// Labels: risk_level (low, medium, high, critical), cache (hit, miss, shared)
	analyzeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "engine",
		Name:      "analyze_total",
		Help:      "Total analyses by resulting risk level and cache outcome",
	}, []string{"risk_level", "cache"})

	analyzeRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "engine",
		Name:      "analyze_rejected_total",
		Help:      "Analyses rejected as invalid input",
	})

	analyzeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardian",
		Subsystem: "engine",
		Name:      "analyze_duration_seconds",
		Help:      "End-to-end analysis latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	guardianScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardian",
		Subsystem: "engine",
		Name:      "score",
		Help:      "Distribution of guardian scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// validatorLatency measures each validator's run time.
	// Labels: validator, outcome (ok, error, timeout)
	validatorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardian",
		Subsystem: "validator",
		Name:      "duration_seconds",
		Help:      "Validator latency in seconds",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
	}, []string{"validator", "outcome"})

	knowledgeGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian",
		Subsystem: "knowledge",
		Name:      "generation",
		Help:      "Generation of the knowledge base snapshot currently in use",
	})

	knowledgeTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian",
		Subsystem: "knowledge",
		Name:      "topics",
		Help:      "Number of topics in the current knowledge base snapshot",
	})

	// eventsDropped counts analysis events discarded because the writer buffer was full.
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "storage",
		Name:      "events_dropped_total",
		Help:      "Analysis events dropped due to a full write buffer",
	})

	// httpRequests counts HTTP requests.
	// Labels: route, status
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status code",
	}, []string{"route", "status"})

	// grpcRequests counts unary RPCs.
	// Labels: method, code
	grpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "gRPC requests by method and status code",
	}, []string{"method", "code"})
)

// ObserveValidator records one validator run.
func ObserveValidator(name string, d time.Duration, outcome string) {
	validatorLatency.WithLabelValues(name, outcome).Observe(d.Seconds())
}

// ObserveAnalyze records one completed analysis.
func ObserveAnalyze(riskLevel, cache string, score float64, d time.Duration) {
	analyzeTotal.WithLabelValues(riskLevel, cache).Inc()
	guardianScore.Observe(score)
	analyzeLatency.Observe(d.Seconds())
}

// ObserveRejected records an analysis rejected before validation.
func ObserveRejected() {
	analyzeRejected.Inc()
}

// SetKnowledge publishes the active knowledge snapshot.
func SetKnowledge(generation uint64, topics int) {
	knowledgeGeneration.Set(float64(generation))
	knowledgeTopics.Set(float64(topics))
}

// EventDropped records a dropped analysis event.
func EventDropped() {
	eventsDropped.Inc()
}

// ObserveHTTP records one HTTP request.
func ObserveHTTP(route, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}

// ObserveGRPC records one unary RPC.
func ObserveGRPC(method, code string) {
	grpcRequests.WithLabelValues(method, code).Inc()
}
