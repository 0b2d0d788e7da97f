package admin

import (
	"net/http"
)

// handleDirty reports the active dirty generation and its branches
func (h *AdminHandlers) handleDirty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cache := h.store.Cache()

	gen, err := cache.GetDirtyBranchGeneration(ctx)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	keys, err := cache.ListDirtyBranches(ctx, gen)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	branches := make([]string, 0, len(keys))
	for _, k := range keys {
		branches = append(branches, k.String())
	}
	writeJSONResponse(w, map[string]interface{}{
		"generation": gen,
		"count":      len(branches),
		"branches":   branches,
	}, false, "")
}

// handleFlush runs a flush pass and waits for its stats
func (h *AdminHandlers) handleFlush(w http.ResponseWriter, r *http.Request) {
	if h.flusher == nil {
		stats, err := h.store.FlushDirtyBranches(r.Context())
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONResponse(w, stats, false, "")
		return
	}

	stats, err := h.flusher.FlushNow().Get()
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSONResponse(w, stats, false, "")
}
