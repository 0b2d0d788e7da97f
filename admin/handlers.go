package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/branchsync/connections"
	"github.com/maxpert/branchsync/id"
	"github.com/maxpert/branchsync/notify"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/splitstore"
	"github.com/rs/zerolog/log"
)

// FlushTrigger runs a flush pass on demand. *splitstore.Flusher satisfies it.
type FlushTrigger interface {
	FlushNow() *future.Future[splitstore.FlushStats]
}

// AdminHandlers serves the operator API over the split store and the
// connection registry
type AdminHandlers struct {
	store    *splitstore.Store
	registry *connections.Registry
	hub      *notify.Hub
	flusher  FlushTrigger
}

// NewAdminHandlers creates handlers. A nil flusher makes POST /flush run the
// pass inline; a nil hub disables GET /signals.
func NewAdminHandlers(store *splitstore.Store, registry *connections.Registry, hub *notify.Hub, flusher FlushTrigger) *AdminHandlers {
	return &AdminHandlers{
		store:    store,
		registry: registry,
		hub:      hub,
		flusher:  flusher,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

// parseInst reads the "inst" query parameter in "record/inst" form. Bare
// names are taken as insts of the null record.
func parseInst(r *http.Request) (recordName, inst string, err error) {
	raw := id.NormalizeInstID(r.URL.Query().Get("inst"))
	recordName, inst, ok := id.ParseInstID(raw)
	if !ok || inst == "" {
		return "", "", fmt.Errorf("inst parameter is required, as record/inst")
	}
	if err := records.ValidateInstKey(recordName, inst); err != nil {
		return "", "", err
	}
	return recordName, inst, nil
}

// parseBranch reads the "inst" and "branch" query parameters
func parseBranch(r *http.Request) (records.BranchKey, error) {
	recordName, inst, err := parseInst(r)
	if err != nil {
		return records.BranchKey{}, err
	}
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		return records.BranchKey{}, fmt.Errorf("branch parameter is required")
	}
	return records.BranchKey{RecordName: recordName, Inst: inst, Branch: branch}, nil
}

// formatTimestamp converts unix millis to an ISO 8601 string
func formatTimestamp(millis int64) string {
	if millis <= 0 {
		return ""
	}
	return time.UnixMilli(millis).UTC().Format(time.RFC3339Nano)
}
