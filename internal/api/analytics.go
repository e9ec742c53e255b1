package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// handleAnalytics implements GET /api/guardian/analytics?days=N.
func (d *Dependencies) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "analytics not configured"})
		return
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "days must be a positive integer"})
			return
		}
		days = n
	}

	result, err := d.Reader.Analytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("analytics query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "analytics query failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
