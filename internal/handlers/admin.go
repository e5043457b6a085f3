package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/portcullis-systems/portcullis/internal/httputil"
	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

// ListAlerts handles GET /api/v1/alerts with unread_only, type, severity,
// page and limit query filters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := &models.ListAlertsRequest{
		UnreadOnly: q.Get("unread_only") == "true",
		Type:       q.Get("type"),
		Severity:   q.Get("severity"),
	}
	req.Page, _ = strconv.Atoi(q.Get("page"))
	req.Limit, _ = strconv.Atoi(q.Get("limit"))

	alerts, total, err := h.alerts.List(r.Context(), req)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to list alerts", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  total,
		"page":   req.Page,
		"limit":  req.Limit,
	})
}

// AlertStats handles GET /api/v1/alerts/stats?days=N (default 7).
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days < 1 || days > 365 {
		days = 7
	}

	stats, err := h.alerts.Stats(r.Context(), days)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to get alert stats", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get alert stats")
		return
	}
	if stats == nil {
		stats = []models.AlertStat{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"days":  days,
		"stats": stats,
	})
}

// MarkAlertRead handles PATCH /api/v1/alerts/{id}/read.
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/"), "/read")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "alert id required")
		return
	}

	if err := h.alerts.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "alert not found")
			return
		}
		h.log.ErrorContext(r.Context(), "failed to mark alert read", "alert_id", id, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update alert")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// DoorsStatus handles GET /api/v1/doors/status: fleet summary plus per-door
// connectivity. Session keys never leave the server; the model hides them
// from serialization.
func (h *Handler) DoorsStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.DoorStats(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to get door stats", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get door status")
		return
	}

	doors, err := h.store.ListDoors(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to list doors", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get door status")
		return
	}
	if doors == nil {
		doors = []models.Door{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"stats": stats,
		"doors": doors,
	})
}

// DoorHistory handles GET /api/v1/doors/{id}/history?limit=N.
func (h *Handler) DoorHistory(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/doors/"), "/history")
	doorID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid door id")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.store.StatusHistory(r.Context(), doorID, limit)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to get door history", "door_id", doorID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get door history")
		return
	}
	if history == nil {
		history = []models.DoorStatus{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"door_id": doorID,
		"history": history,
	})
}
