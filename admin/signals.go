package admin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/maxpert/branchsync/id"
	"github.com/maxpert/branchsync/notify"
)

const signalKeepAlive = 15 * time.Second

// handleSignals streams branch change signals as server-sent events until
// the client goes away. ?inst=record/inst narrows the stream to one inst.
func (h *AdminHandlers) handleSignals(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusNotFound, "signals are not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var filter notify.Filter
	if r.URL.Query().Get("inst") != "" {
		recordName, inst, err := parseInst(r)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Insts = []id.InstKey{{RecordName: recordName, Inst: inst}}
	}

	signals, cancel := h.hub.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(signalKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case sig, ok := <-signals:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Kind, sig.Key.String())
			flusher.Flush()
		}
	}
}
