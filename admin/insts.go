package admin

import (
	"net/http"

	"github.com/maxpert/branchsync/id"
)

// handleListInsts pages the insts of a record. The null record is "".
func (h *AdminHandlers) handleListInsts(w http.ResponseWriter, r *http.Request) {
	recordName := r.URL.Query().Get("record")

	insts, err := h.store.ListInstsByRecord(r.Context(), recordName, parseFrom(r))
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	lastKey := ""
	if len(insts) > 0 {
		lastKey = insts[len(insts)-1].Inst
	}
	writeJSONResponse(w, insts, len(insts) > 0, lastKey)
}

// handleGetInst returns an inst with its branches and size
func (h *AdminHandlers) handleGetInst(w http.ResponseWriter, r *http.Request) {
	recordName, inst, err := parseInst(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	rec, err := h.store.GetInstByName(ctx, recordName, inst)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	branches, err := h.store.ListBranches(ctx, recordName, inst)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil && len(branches) == 0 {
		writeErrorResponse(w, http.StatusNotFound, "inst not found")
		return
	}
	size, err := h.store.GetInstSize(ctx, recordName, inst)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{
		"id":              id.FormatInstID(recordName, inst),
		"inst":            rec,
		"branches":        branches,
		"inst_size_bytes": size,
		"inst_created_at": "",
		"inst_updated_at": "",
	}
	if rec != nil {
		response["inst_created_at"] = formatTimestamp(rec.CreatedAt)
		response["inst_updated_at"] = formatTimestamp(rec.UpdatedAt)
	}
	writeJSONResponse(w, response, false, "")
}

// handleDeleteInst removes an inst and its branches from both stores
func (h *AdminHandlers) handleDeleteInst(w http.ResponseWriter, r *http.Request) {
	recordName, inst, err := parseInst(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.DeleteInst(r.Context(), recordName, inst); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{"deleted": id.FormatInstID(recordName, inst)}, false, "")
}
