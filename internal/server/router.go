package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portcullis-systems/portcullis/internal/handlers"
	"github.com/portcullis-systems/portcullis/internal/middleware"
)

// NewRouter constructs a ServeMux with device, admin and operational routes
// registered. The device API relies on mTLS plus session HMACs for
// authentication; the admin API requires an administrator bearer token.
func NewRouter(h *handlers.Handler, auth *middleware.AuthMiddleware) http.Handler {
	mux := http.NewServeMux()

	// Device protocol endpoints
	mux.HandleFunc("POST /api/device/handshake", h.Handshake)
	mux.HandleFunc("POST /api/device/verify-access", h.VerifyAccess)
	mux.HandleFunc("POST /api/device/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /api/device/door-opened", h.DoorOpened)
	mux.HandleFunc("POST /api/device/door-closed", h.DoorClosed)
	mux.HandleFunc("GET /api/device/authorized-badges/", h.AuthorizedBadges)
	mux.HandleFunc("GET /api/device/sync-time", h.SyncTime)

	// Admin API endpoints
	mux.HandleFunc("GET /api/v1/alerts", auth.RequireAuth(h.ListAlerts))
	mux.HandleFunc("GET /api/v1/alerts/stats", auth.RequireAuth(h.AlertStats))
	mux.HandleFunc("PATCH /api/v1/alerts/", auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/read") {
			h.MarkAlertRead(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
	}))
	mux.HandleFunc("GET /api/v1/doors/status", auth.RequireAuth(h.DoorsStatus))
	mux.HandleFunc("GET /api/v1/doors/", auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/history") {
			h.DoorHistory(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
	}))

	// Operational endpoints
	mux.HandleFunc("/healthz", h.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
