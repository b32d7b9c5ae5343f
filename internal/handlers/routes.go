package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the public routes on r and the internal ones behind protect.
func RegisterRoutes(h *Handler, r *mux.Router, protect func(http.Handler) http.Handler) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	internal := r.NewRoute().Subrouter()
	if protect != nil {
		internal.Use(protect)
	}
	internal.HandleFunc("/api/enforcement/run", h.RunEnforcement).Methods("POST")
	internal.HandleFunc("/api/quota/user/{userId}", h.GetQuotaForUser).Methods("GET")
	internal.HandleFunc("/api/billing/sync/plans", h.SyncPlans).Methods("POST")
	internal.HandleFunc("/api/events/ws/user/{userId}", h.EventsWebSocket)
}
