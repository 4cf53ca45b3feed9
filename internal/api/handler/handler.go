package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cantonwatch/acs-indexer/internal/scheduler"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
)

// Handler holds the dependencies for API handlers
type Handler struct {
	Store      snapshots.Store
	Scheduler  *scheduler.Scheduler
	Logger     *zap.Logger
	AdminToken string
}

// NewHandler creates a new Handler instance
func NewHandler(store snapshots.Store, sched *scheduler.Scheduler, logger *zap.Logger, adminToken string) *Handler {
	return &Handler{
		Store:      store,
		Scheduler:  sched,
		Logger:     logger,
		AdminToken: adminToken,
	}
}

// NewRouter creates and configures the HTTP router with all API routes
func (h *Handler) NewRouter() *mux.Router {
	r := mux.NewRouter()

	// Public health check endpoint
	r.HandleFunc("/api/health", h.HandleHealth).Methods(http.MethodGet)

	// Protected snapshot control endpoints
	r.HandleFunc("/api/snapshots/start", h.RequireAuth(h.HandleStartOrResume)).Methods(http.MethodPost)
	r.HandleFunc("/api/snapshots/latest", h.RequireAuth(h.HandleLatestBaseline)).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshots/{id}", h.RequireAuth(h.HandleSnapshotDetail)).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshots/{id}/templates", h.RequireAuth(h.HandleTemplateStats)).Methods(http.MethodGet)

	return r
}

// RequireAuth is a middleware that validates the bearer token
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		expected := "Bearer " + h.AdminToken

		if auth != expected {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}

		next(w, r)
	}
}

// HandleHealth returns a simple health check response
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
