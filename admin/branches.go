package admin

import (
	"net/http"
	"strconv"

	"github.com/maxpert/branchsync/id"
)

// handleGetBranch returns branch info and log stats
func (h *AdminHandlers) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	key, err := parseBranch(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	branch, err := h.store.GetBranchByName(ctx, key)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if branch == nil {
		writeErrorResponse(w, http.StatusNotFound, "branch not found")
		return
	}
	updates, err := h.store.GetCurrentUpdates(ctx, key)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	var size int64
	if updates != nil {
		size = updates.BranchSizeInBytes
	}
	response := map[string]interface{}{
		"branch":            branch,
		"created_at":        formatTimestamp(branch.CreatedAt),
		"updates":           updates.Len(),
		"branch_size_bytes": size,
		"connections": map[string]int{
			id.ModeBranch.String():      h.registry.CountConnectionsByBranch(id.ModeBranch, key.RecordName, key.Inst, key.Branch),
			id.ModeWatchBranch.String(): h.registry.CountConnectionsByBranch(id.ModeWatchBranch, key.RecordName, key.Inst, key.Branch),
		},
	}
	writeJSONResponse(w, response, false, "")
}

// handleBranchUpdates returns the current log, or the full history with all=true
func (h *AdminHandlers) handleBranchUpdates(w http.ResponseWriter, r *http.Request) {
	key, err := parseBranch(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	all := false
	if raw := r.URL.Query().Get("all"); raw != "" {
		if all, err = strconv.ParseBool(raw); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid all parameter")
			return
		}
	}

	get := h.store.GetCurrentUpdates
	if all {
		get = h.store.GetAllUpdates
	}
	updates, err := get(r.Context(), key)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if updates == nil {
		writeErrorResponse(w, http.StatusNotFound, "branch has no updates")
		return
	}
	writeJSONResponse(w, updates, false, "")
}

// handleDeleteBranch removes a branch from both stores
func (h *AdminHandlers) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	key, err := parseBranch(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.DeleteBranch(r.Context(), key); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{"deleted": key.String()}, false, "")
}
