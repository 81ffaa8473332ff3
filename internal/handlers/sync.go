package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rovermatic/fieldsync/internal/queue"
	"github.com/rovermatic/fieldsync/internal/syncer"
	"github.com/gorilla/mux"
)

// SyncHandler exposes sync engine control and queue management
type SyncHandler struct {
	engine *syncer.Engine
	queue  *queue.Queue
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(engine *syncer.Engine, q *queue.Queue) *SyncHandler {
	return &SyncHandler{
		engine: engine,
		queue:  q,
	}
}

// RegisterRoutes registers sync routes
func (sh *SyncHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/sync/status", sh.GetSyncStatus).Methods("GET")
	r.HandleFunc("/api/sync/now", sh.TriggerSync).Methods("POST")

	r.HandleFunc("/api/sync/queue/failed", sh.ListFailed).Methods("GET")
	r.HandleFunc("/api/sync/queue/{id}/retry", sh.RetryFailed).Methods("POST")
	r.HandleFunc("/api/sync/queue/{id}/discard", sh.DiscardFailed).Methods("POST")
}

// GetSyncStatus returns pending/failed/conflict counts and engine state
func (sh *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := sh.engine.Status()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// TriggerSync runs a sync cycle and reports its result
func (sh *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	result, err := sh.engine.TriggerSync(ctx)
	if err != nil {
		if errors.Is(err, syncer.ErrEngineStopped) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		// The cycle ran but failed; still report what it got done
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"result": result,
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ListFailed returns queue items that exhausted their retry budget
func (sh *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	items, err := sh.queue.Failed()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(items),
		"items": items,
	})
}

// RetryFailed puts a failed queue item back into rotation
func (sh *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := sh.queue.RetryFailed(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "queue item not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sh.engine.Kick("manual retry")
	respondJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

// DiscardFailed drops a failed queue item permanently
func (sh *SyncHandler) DiscardFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := sh.queue.DiscardFailed(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "queue item not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}
