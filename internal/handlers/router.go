package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/gorilla/mux"
)

// Router wraps the mux router and database
type Router struct {
	*mux.Router
	db *database.DB
}

// NewRouter creates a new HTTP router with the health endpoint. Area handlers
// register their own routes on top via RegisterRoutes.
func NewRouter(db *database.DB) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		db:     db,
	}

	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	return r
}

// healthCheck returns the health status of the agent
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"server": "agent",
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
