package api

import (
	"time"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/knowledge"
)

// --- POST /v1/analyze request ---

// ContextReq is the optional context object of an analyze request.
type ContextReq struct {
	Domain    string    `json:"domain,omitempty"`
	Intent    string    `json:"intent,omitempty"`
	Source    string    `json:"source,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// AnalyzeRequest is the JSON body for POST /v1/analyze.
type AnalyzeRequest struct {
	Content   string      `json:"content"`
	Context   *ContextReq `json:"context,omitempty"`
	MinLength int         `json:"min_length,omitempty"`
}

func (r *AnalyzeRequest) analysisContext() engine.AnalysisContext {
	if r.Context == nil {
		return engine.AnalysisContext{}
	}
	return engine.AnalysisContext{
		Domain:    r.Context.Domain,
		Intent:    r.Context.Intent,
		Source:    r.Context.Source,
		URL:       r.Context.URL,
		Timestamp: r.Context.Timestamp,
	}
}

// --- POST /v1/analyze/batch ---

// MaxBatchItems caps the size of one batch request.
const MaxBatchItems = 100

// BatchAnalyzeRequest is the JSON body for POST /v1/analyze/batch. Context
// applies to every item that carries none of its own.
type BatchAnalyzeRequest struct {
	BatchID string           `json:"batch_id,omitempty"`
	Context *ContextReq      `json:"context,omitempty"`
	Items   []AnalyzeRequest `json:"items"`
}

// BatchItemResp is one item of a batch response: a verdict or an error.
type BatchItemResp struct {
	Index  int                    `json:"index"`
	Result *engine.GuardianResult `json:"result,omitempty"`
	Cache  string                 `json:"cache,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// BatchAnalyzeResp is the body returned by POST /v1/analyze/batch.
type BatchAnalyzeResp struct {
	BatchID string          `json:"batch_id"`
	Count   int             `json:"count"`
	Failed  int             `json:"failed"`
	Results []BatchItemResp `json:"results"`
}

// --- Knowledge ---

// KnowledgeListResp is the body of GET /v1/knowledge.
type KnowledgeListResp struct {
	Version    string            `json:"version"`
	Generation uint64            `json:"generation"`
	Count      int               `json:"count"`
	Entries    []knowledge.Entry `json:"entries"`
}

// --- Errors ---

// ErrorResp is the standard error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
