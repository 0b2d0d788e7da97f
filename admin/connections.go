package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/branchsync/id"
)

// handleConnectionStats returns the live connection count
func (h *AdminHandlers) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"live": h.registry.CountConnections(),
	}, false, "")
}

// handleBranchConnections lists the subscribers of a branch in a mode
func (h *AdminHandlers) handleBranchConnections(w http.ResponseWriter, r *http.Request) {
	key, err := parseBranch(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := id.ModeBranch
	if raw := r.URL.Query().Get("mode"); raw != "" {
		if mode, err = id.ParseMode(raw); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSONResponse(w, h.registry.GetConnectionsByBranch(mode, key.RecordName, key.Inst, key.Branch), false, "")
}

// handleGetConnection returns a connection and its subscriptions
func (h *AdminHandlers) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	conn, ok := h.registry.GetConnection(connID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "connection not found")
		return
	}

	response := map[string]interface{}{
		"connection":    conn,
		"connected_at":  formatTimestamp(conn.ConnectedAt),
		"subscriptions": h.registry.GetConnections(connID),
	}
	if ts, ok := h.registry.GetConnectionRateLimitExceededTime(connID); ok {
		response["rate_limit_exceeded_at"] = formatTimestamp(ts)
	}
	writeJSONResponse(w, response, false, "")
}

// handleClearConnection drops every trace of a connection
func (h *AdminHandlers) handleClearConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	h.registry.ClearConnection(connID)
	writeJSONResponse(w, map[string]interface{}{"cleared": connID}, false, "")
}
