// Package handlers exposes the device and administrator HTTP APIs.
package handlers

import (
	"net/http"

	"github.com/portcullis-systems/portcullis/internal/alerts"
	"github.com/portcullis-systems/portcullis/internal/anomaly"
	"github.com/portcullis-systems/portcullis/internal/httputil"
	"github.com/portcullis-systems/portcullis/internal/liveness"
	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/policy"
	"github.com/portcullis-systems/portcullis/internal/ratelimit"
	"github.com/portcullis-systems/portcullis/internal/repository"
	"github.com/portcullis-systems/portcullis/internal/session"
)

// Handler carries the wired core components behind the HTTP surface.
type Handler struct {
	evaluator *policy.Evaluator
	sessions  *session.Manager
	monitor   *liveness.Monitor
	engine    *anomaly.Engine
	alerts    *alerts.Service
	store     repository.Store
	limiter   ratelimit.RateLimiter
	log       *logging.Logger
}

// New wires a handler over the core components.
func New(
	evaluator *policy.Evaluator,
	sessions *session.Manager,
	monitor *liveness.Monitor,
	engine *anomaly.Engine,
	alertSvc *alerts.Service,
	store repository.Store,
	limiter ratelimit.RateLimiter,
	log *logging.Logger,
) *Handler {
	return &Handler{
		evaluator: evaluator,
		sessions:  sessions,
		monitor:   monitor,
		engine:    engine,
		alerts:    alertSvc,
		store:     store,
		limiter:   limiter,
		log:       log,
	}
}

// HealthCheck handles health check requests.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
