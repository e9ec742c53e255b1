package api

import (
	"database/sql"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/guardian/internal/auth"
)

// handleRevokeKey implements DELETE /api/guardian/keys/{id}. The key is
// revoked in Postgres and evicted from the authenticator's cache, so it
// stops working at once instead of after the cache TTL.
func (d *Dependencies) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if d.Keys == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "key store not configured"})
		return
	}
	id := r.PathValue("id")

	err := d.Keys.RevokeAPIKey(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no active key with that id"})
		return
	}
	if err != nil {
		d.Logger.Error("revoke key failed", zap.String("key_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to revoke key"})
		return
	}
	if rv, ok := d.Auth.(auth.Revoker); ok {
		rv.Revoke(id)
	}
	d.Logger.Info("api key revoked", zap.String("key_id", id))
	w.WriteHeader(http.StatusNoContent)
}
