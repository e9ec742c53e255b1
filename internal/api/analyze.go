package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/storage"
)

// handleAnalyze implements POST /v1/analyze.
func (d *Dependencies) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	actx := req.analysisContext()
	out, err := d.Engine.Evaluate(r.Context(), &engine.AnalyzeRequest{
		Content:   req.Content,
		Context:   actx,
		MinLength: req.MinLength,
	})
	if errors.Is(err, engine.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusGatewayTimeout, ErrorResp{Detail: "analysis abandoned: " + err.Error()})
		return
	}
	if err != nil {
		d.Logger.Error("analyze failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "analysis failed"})
		return
	}

	var keyID string
	if p := principalFromContext(r.Context()); p != nil {
		keyID = p.KeyID
	}
	// Fire-and-forget: the writer never blocks.
	d.Writer.Write(storage.NewAnalysisEvent(requestIDFromContext(r.Context()), "http", keyID, req.Content, actx, out))

	w.Header().Set("X-Guardian-Cache", out.Cache)
	writeJSON(w, http.StatusOK, out.Result)
}

// handleAnalyzeBatch implements POST /v1/analyze/batch. Items are analyzed
// concurrently; an invalid item is reported in place and does not fail the
// batch.
func (d *Dependencies) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAnalyzeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "items must not be empty"})
		return
	}
	if len(req.Items) > MaxBatchItems {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("at most %d items per batch", MaxBatchItems)})
		return
	}
	if req.BatchID == "" {
		req.BatchID = uuid.New().String()
	}

	contexts := make([]engine.AnalysisContext, len(req.Items))
	reqs := make([]*engine.AnalyzeRequest, len(req.Items))
	for i := range req.Items {
		item := &req.Items[i]
		if item.Context == nil {
			item.Context = req.Context
		}
		contexts[i] = item.analysisContext()
		reqs[i] = &engine.AnalyzeRequest{Content: item.Content, Context: contexts[i], MinLength: item.MinLength}
	}

	var keyID string
	if p := principalFromContext(r.Context()); p != nil {
		keyID = p.KeyID
	}

	resp := BatchAnalyzeResp{BatchID: req.BatchID, Count: len(reqs), Results: make([]BatchItemResp, len(reqs))}
	for i, it := range d.Engine.EvaluateBatch(r.Context(), reqs, 0) {
		resp.Results[i].Index = i
		if it.Err != nil {
			if !errors.Is(it.Err, engine.ErrInvalidInput) {
				d.Logger.Warn("batch item failed", zap.String("batch_id", req.BatchID), zap.Int("index", i), zap.Error(it.Err))
			}
			resp.Results[i].Error = it.Err.Error()
			resp.Failed++
			continue
		}
		resp.Results[i].Result = it.Outcome.Result
		resp.Results[i].Cache = it.Outcome.Cache
		d.Writer.Write(storage.NewAnalysisEvent(fmt.Sprintf("%s-%d", req.BatchID, i), "http", keyID, req.Items[i].Content, contexts[i], it.Outcome))
	}

	d.Logger.Info("batch analyzed",
		zap.String("batch_id", req.BatchID),
		zap.Int("count", resp.Count),
		zap.Int("failed", resp.Failed),
	)
	writeJSON(w, http.StatusOK, resp)
}
