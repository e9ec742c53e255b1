package api

import (
	"database/sql"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/guardian/internal/knowledge"
)

// handleListKnowledge implements GET /v1/knowledge.
func (d *Dependencies) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	kb := d.Engine.Knowledge()
	entries := kb.Entries()
	if entries == nil {
		entries = []knowledge.Entry{}
	}
	writeJSON(w, http.StatusOK, KnowledgeListResp{
		Version:    kb.Version(),
		Generation: kb.Generation(),
		Count:      len(entries),
		Entries:    entries,
	})
}

// handleGetKnowledge implements GET /v1/knowledge/{topic}. Aliases resolve.
func (d *Dependencies) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Engine.Knowledge().Lookup(r.PathValue("topic"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "topic not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handlePutKnowledge implements PUT /api/guardian/knowledge/{topic}: the
// entry is validated, persisted and published to the engine.
func (d *Dependencies) handlePutKnowledge(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "knowledge store not configured"})
		return
	}

	var e knowledge.Entry
	if err := readJSON(w, r, &e); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	e.Topic = knowledge.NormalizeTopic(r.PathValue("topic"))
	if err := knowledge.ValidateEntry(e); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
		return
	}

	d.kbMu.Lock()
	defer d.kbMu.Unlock()

	row, err := d.Store.UpsertEntry(r.Context(), e)
	if err != nil {
		d.Logger.Error("upsert knowledge entry failed", zap.String("topic", e.Topic), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to store entry"})
		return
	}
	next, err := d.Engine.Knowledge().With(row.Entry, d.Logger)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
		return
	}
	d.Engine.ReloadKnowledge(next)

	stored, _ := next.Lookup(e.Topic)
	writeJSON(w, http.StatusOK, stored)
}

// handleDeleteKnowledge implements DELETE /api/guardian/knowledge/{topic}.
func (d *Dependencies) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "knowledge store not configured"})
		return
	}
	topic := knowledge.NormalizeTopic(r.PathValue("topic"))

	d.kbMu.Lock()
	defer d.kbMu.Unlock()

	err := d.Store.DeleteEntry(r.Context(), topic)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "topic not found"})
		return
	}
	if err != nil {
		d.Logger.Error("delete knowledge entry failed", zap.String("topic", topic), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to delete entry"})
		return
	}
	if next, ok := d.Engine.Knowledge().Without(topic, d.Logger); ok {
		d.Engine.ReloadKnowledge(next)
	}
	w.WriteHeader(http.StatusNoContent)
}
