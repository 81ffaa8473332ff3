package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rovermatic/fieldsync/internal/models"
	"github.com/rovermatic/fieldsync/internal/syncer"
	"github.com/gorilla/mux"
)

// ConflictHandler exposes conflict inspection and resolution
type ConflictHandler struct {
	resolver *syncer.Resolver
	engine   *syncer.Engine
}

// NewConflictHandler creates a new conflict handler
func NewConflictHandler(resolver *syncer.Resolver, engine *syncer.Engine) *ConflictHandler {
	return &ConflictHandler{
		resolver: resolver,
		engine:   engine,
	}
}

// RegisterRoutes registers conflict routes
func (ch *ConflictHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/conflicts", ch.ListConflicts).Methods("GET")
	r.HandleFunc("/api/conflicts/{id}", ch.GetConflict).Methods("GET")
	r.HandleFunc("/api/conflicts/{id}/resolve", ch.ResolveConflict).Methods("POST")
}

// ListConflicts returns all unresolved conflicts
func (ch *ConflictHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := ch.resolver.Pending()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(conflicts),
		"conflicts": conflicts,
	})
}

// GetConflict returns one conflict with both data versions
func (ch *ConflictHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := ch.resolver.Get(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, syncer.ErrConflictNotFound) {
			respondError(w, http.StatusNotFound, "conflict not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, conflict)
}

// ResolveConflict applies the chosen resolution and unblocks the entity
func (ch *ConflictHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Resolution models.Resolution `json:"resolution"`
		MergedData json.RawMessage   `json:"mergedData,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch req.Resolution {
	case models.ResolveUseLocal, models.ResolveUseServer, models.ResolveMerged:
	default:
		respondError(w, http.StatusBadRequest, "resolution must be UseLocal, UseServer or Merged")
		return
	}
	if req.Resolution == models.ResolveMerged && len(req.MergedData) == 0 {
		respondError(w, http.StatusBadRequest, "Merged resolution requires mergedData")
		return
	}

	if err := ch.resolver.Resolve(r.Context(), id, req.Resolution, req.MergedData); err != nil {
		if errors.Is(err, syncer.ErrConflictNotFound) {
			respondError(w, http.StatusNotFound, "conflict not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// UseLocal and Merged leave a queue item behind that wants pushing
	ch.engine.Kick("conflict resolved")
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
