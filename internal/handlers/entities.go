package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rovermatic/fieldsync/internal/models"
	"github.com/rovermatic/fieldsync/internal/recorder"
	"github.com/rovermatic/fieldsync/internal/store"
	"github.com/rovermatic/fieldsync/internal/syncer"
	"github.com/gorilla/mux"
)

// EntityHandler exposes local entity CRUD. Writes go through the mutation
// recorder so every change lands in the offline queue.
type EntityHandler struct {
	store    *store.Store
	recorder *recorder.Recorder
	engine   *syncer.Engine
}

// NewEntityHandler creates a new entity handler
func NewEntityHandler(s *store.Store, rec *recorder.Recorder, engine *syncer.Engine) *EntityHandler {
	return &EntityHandler{
		store:    s,
		recorder: rec,
		engine:   engine,
	}
}

// RegisterRoutes registers entity routes
func (eh *EntityHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/entities/{type}", eh.ListEntities).Methods("GET")
	r.HandleFunc("/api/entities/{type}", eh.CreateEntity).Methods("POST")
	r.HandleFunc("/api/entities/{type}/{id}", eh.GetEntity).Methods("GET")
	r.HandleFunc("/api/entities/{type}/{id}", eh.UpdateEntity).Methods("PUT")
	r.HandleFunc("/api/entities/{type}/{id}", eh.DeleteEntity).Methods("DELETE")
}

// ListEntities returns entities of one type. ?dirty=true limits the result
// to entities with unsynced changes, ?prefix= filters by human number.
func (eh *EntityHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entityType := mux.Vars(r)["type"]
	if _, ok := models.KindFor(entityType); !ok {
		respondError(w, http.StatusNotFound, "unknown entity type: "+entityType)
		return
	}

	filter := store.Filter{
		DirtyOnly:    r.URL.Query().Get("dirty") == "true",
		NumberPrefix: r.URL.Query().Get("prefix"),
	}

	entities, err := eh.store.List(entityType, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(entities),
		"entities": entities,
	})
}

// GetEntity returns a single entity by ID
func (eh *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	entity, err := eh.store.Get(vars["type"], vars["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entity not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// CreateEntity records a new entity and queues it for sync
func (eh *EntityHandler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	entityType := mux.Vars(r)["type"]

	payload, err := readPayload(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entity, err := eh.recorder.Create(entityType, payload)
	if err != nil {
		if errors.Is(err, recorder.ErrInvalidPayload) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	eh.engine.Kick("local create")
	respondJSON(w, http.StatusCreated, entity)
}

// UpdateEntity records a change to an existing entity
func (eh *EntityHandler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	payload, err := readPayload(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entity, err := eh.recorder.Update(vars["type"], vars["id"], payload)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "entity not found")
		case errors.Is(err, store.ErrVersionMismatch):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, recorder.ErrInvalidPayload):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	eh.engine.Kick("local update")
	respondJSON(w, http.StatusOK, entity)
}

// DeleteEntity records a delete. The entity becomes invisible locally right
// away and is removed on the server at the next sync.
func (eh *EntityHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := eh.recorder.Delete(vars["type"], vars["id"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entity not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	eh.engine.Kick("local delete")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// readPayload reads and syntax-checks the request body
func readPayload(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return body, nil
}
