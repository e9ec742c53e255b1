package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/triage-ai/guardian/internal/auth"
	"github.com/triage-ai/guardian/internal/chread"
	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/knowledge"
	"github.com/triage-ai/guardian/internal/storage"
	"github.com/triage-ai/guardian/internal/store"
)

// KnowledgeStore persists knowledge base edits. *store.Store implements it.
type KnowledgeStore interface {
	UpsertEntry(ctx context.Context, e knowledge.Entry) (*store.KnowledgeRow, error)
	DeleteEntry(ctx context.Context, topic string) error
}

// KeyStore revokes API keys. *store.Store implements it.
type KeyStore interface {
	RevokeAPIKey(ctx context.Context, id string) error
}

// AnalyticsReader serves analysis history. *chread.Reader implements it.
type AnalyticsReader interface {
	Analytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Engine *engine.Engine
	Writer storage.EventWriter
	Logger *zap.Logger

	// Store is nil if Postgres is unavailable; knowledge writes then return 503.
	Store KnowledgeStore

	// Keys is nil if Postgres is unavailable; revocations then return 503.
	Keys KeyStore

	// Reader is nil if ClickHouse is unavailable.
	Reader AnalyticsReader

	// Auth nil disables authentication (local development).
	Auth auth.Authenticator

	// RateLimit is the global request rate in requests/second; zero disables it.
	RateLimit float64
	Burst     int

	kbMu sync.Mutex // serializes knowledge read-modify-swap
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Writer == nil {
		deps.Writer = storage.NewLogWriter(deps.Logger)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/analyze", deps.require(auth.RoleAnalyze, deps.handleAnalyze))
	mux.HandleFunc("POST /v1/analyze/batch", deps.require(auth.RoleAnalyze, deps.handleAnalyzeBatch))

	mux.HandleFunc("GET /v1/knowledge", deps.require(auth.RoleAnalyze, deps.handleListKnowledge))
	mux.HandleFunc("GET /v1/knowledge/{topic}", deps.require(auth.RoleAnalyze, deps.handleGetKnowledge))

	mux.HandleFunc("PUT /api/guardian/knowledge/{topic}", deps.require(auth.RoleAdmin, deps.handlePutKnowledge))
	mux.HandleFunc("DELETE /api/guardian/knowledge/{topic}", deps.require(auth.RoleAdmin, deps.handleDeleteKnowledge))
	mux.HandleFunc("DELETE /api/guardian/keys/{id}", deps.require(auth.RoleAdmin, deps.handleRevokeKey))
	mux.HandleFunc("GET /api/guardian/analytics", deps.require(auth.RoleAdmin, deps.handleAnalytics))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	if deps.RateLimit > 0 {
		burst := deps.Burst
		if burst <= 0 {
			burst = int(deps.RateLimit) + 1
		}
		h = rateLimit(h, rate.NewLimiter(rate.Limit(deps.RateLimit), burst))
	}
	return corsMiddleware(requestLogging(h, deps.Logger))
}
