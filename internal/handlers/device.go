package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/portcullis-systems/portcullis/internal/alerts"
	"github.com/portcullis-systems/portcullis/internal/anomaly"
	"github.com/portcullis-systems/portcullis/internal/httputil"
	"github.com/portcullis-systems/portcullis/internal/liveness"
	"github.com/portcullis-systems/portcullis/internal/metrics"
	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/policy"
	"github.com/portcullis-systems/portcullis/internal/repository"
	"github.com/portcullis-systems/portcullis/internal/session"
)

// HandshakeRequest is the session establishment payload.
type HandshakeRequest struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version"`
	Nonce           string `json:"nonce"`
}

// Handshake handles POST /api/device/handshake. The transport must have
// presented a verified client certificate; the protocol layer rejects the
// handshake when that proof is absent.
func (h *Handler) Handshake(w http.ResponseWriter, r *http.Request) {
	var req HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "device_id required")
		return
	}

	clientCertPresent := r.TLS != nil && len(r.TLS.PeerCertificates) > 0

	hs, err := h.sessions.Establish(r.Context(), req.DeviceID, clientCertPresent)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoClientCert):
			metrics.HandshakesTotal.WithLabelValues("no_cert").Inc()
			httputil.WriteError(w, http.StatusUnauthorized, "client certificate required")
		case errors.Is(err, session.ErrUnknownDevice):
			metrics.HandshakesTotal.WithLabelValues("unknown_device").Inc()
			h.log.WarnContext(r.Context(), "handshake from unregistered device", "device_id", req.DeviceID)
			h.emitAlert(r, &models.Alert{
				Type:     models.AlertUnregisteredDevice,
				Severity: models.SeverityHigh,
				Message:  "handshake attempt from unregistered device " + req.DeviceID,
				Metadata: map[string]any{"device_id": req.DeviceID},
			})
			httputil.WriteError(w, http.StatusForbidden, "device not authorized")
		default:
			h.log.ErrorContext(r.Context(), "handshake failed", "device_id", req.DeviceID, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "server error")
		}
		return
	}

	metrics.HandshakesTotal.WithLabelValues("ok").Inc()
	h.log.InfoContext(r.Context(), "device session established",
		"device_id", req.DeviceID, "firmware_version", req.FirmwareVersion)

	httputil.WriteJSON(w, http.StatusOK, hs)
}

// VerifyAccessRequest is the signed access check payload. EncryptionKey is
// the per-badge secret the controller read from the tag, optional on readers
// that cannot access the protected sector.
type VerifyAccessRequest struct {
	session.SignedRequest
	EncryptionKey string `json:"encryption_key,omitempty"`
}

// VerifyAccessResponse is the signed decision returned to the controller.
type VerifyAccessResponse struct {
	Granted   bool      `json:"access_granted"`
	UserName  string    `json:"user_name,omitempty"`
	Reason    string    `json:"reason"`
	Nonce     string    `json:"nonce"`
	HMAC      string    `json:"hmac"`
	Timestamp time.Time `json:"timestamp"`
}

// VerifyAccess handles POST /api/device/verify-access: session verification,
// policy evaluation, event logging, anomaly analysis, and a signed response.
func (h *Handler) VerifyAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BadgeUID == "" || req.DeviceID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "badge_uid and device_id required")
		return
	}

	if !h.allow(w, r, req.DeviceID) {
		return
	}

	secret, ok := h.verifySession(w, r, &req.SignedRequest)
	if !ok {
		return
	}

	start := time.Now()
	decision, err := h.evaluator.Evaluate(ctx, req.BadgeUID, req.DeviceID, req.EncryptionKey)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Fail closed: the decision carries a deny, the error is operational.
		h.log.ErrorContext(ctx, "evaluation error", "badge_uid", req.BadgeUID, "error", err)
	}

	outcome := "denied"
	if decision.Granted {
		outcome = "granted"
	}
	metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()

	door, doorErr := h.store.GetDoorByDeviceID(ctx, req.DeviceID)
	if doorErr != nil {
		h.log.ErrorContext(ctx, "door lookup failed after session verify", "device_id", req.DeviceID, "error", doorErr)
	}

	ev := &models.AccessEvent{
		BadgeID:  decision.BadgeID,
		DoorID:   decision.DoorID,
		BadgeUID: req.BadgeUID,
		UserName: decision.SubjectName,
		Granted:  decision.Granted,
		Reason:   decision.Reason,
	}
	if ev.DoorID == nil && door != nil {
		ev.DoorID = &door.ID
	}
	if err := h.store.InsertEvent(ctx, ev); err != nil {
		h.log.ErrorContext(ctx, "failed to log access event", "badge_uid", req.BadgeUID, "error", err)
	}

	h.analyze(r, &req, decision, door)

	h.alerts.NotifyAccessAttempt(ctx, &alerts.AccessAttemptNotification{
		BadgeUID: req.BadgeUID,
		UserName: decision.SubjectName,
		DeviceID: req.DeviceID,
		Granted:  decision.Granted,
		Reason:   decision.Reason,
	})

	h.log.InfoContext(ctx, "access verification",
		"badge_uid", req.BadgeUID, "device_id", req.DeviceID,
		"access_granted", decision.Granted, "reason", decision.Reason)

	httputil.WriteJSON(w, http.StatusOK, &VerifyAccessResponse{
		Granted:   decision.Granted,
		UserName:  decision.SubjectName,
		Reason:    decision.Reason,
		Nonce:     req.Nonce,
		HMAC:      session.SignResponse(secret, req.Nonce, decision.Granted),
		Timestamp: time.Now().UTC(),
	})
}

// analyze feeds the decision to the anomaly engine and raises the direct
// alerts that bypass the sliding-window detectors.
func (h *Handler) analyze(r *http.Request, req *VerifyAccessRequest, decision *policy.Decision, door *models.Door) {
	ctx := r.Context()

	doorName := decision.DoorName
	doorID := decision.DoorID
	if door != nil {
		doorName = door.Name
		if doorID == nil {
			doorID = &door.ID
		}
	}

	if decision.CloneSignal {
		h.engine.ReportInvalidKey(ctx, req.BadgeUID, doorID, doorName)
	}

	// A deny with no resolved subject means the badge is unknown here.
	if !decision.Granted && decision.SubjectName == "" {
		h.emitAlert(r, &models.Alert{
			Type:     models.AlertUnknownBadge,
			Severity: models.SeverityMedium,
			Message:  "unknown badge presented: " + req.BadgeUID,
			DoorID:   doorID,
			BadgeUID: req.BadgeUID,
			Metadata: map[string]any{"device_id": req.DeviceID},
		})
	}

	if doorID == nil {
		return
	}
	h.engine.ProcessEvent(ctx, &anomaly.Event{
		BadgeUID: req.BadgeUID,
		UserName: decision.SubjectName,
		DoorID:   *doorID,
		DoorName: doorName,
		Granted:  decision.Granted,
	})
}

// HeartbeatRequest is the signed liveness payload.
type HeartbeatRequest struct {
	session.SignedRequest
	Address         string `json:"address,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Heartbeat handles POST /api/device/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "device_id required")
		return
	}

	if _, ok := h.verifySession(w, r, &req.SignedRequest); !ok {
		return
	}

	err := h.monitor.RecordHeartbeat(r.Context(), req.DeviceID, req.Address, req.FirmwareVersion)
	if err != nil {
		if errors.Is(err, liveness.ErrUnknownDevice) {
			h.log.WarnContext(r.Context(), "heartbeat from unknown device", "device_id", req.DeviceID)
			httputil.WriteError(w, http.StatusNotFound, "device not registered")
			return
		}
		h.log.ErrorContext(r.Context(), "heartbeat failed", "device_id", req.DeviceID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "server error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"server_time": time.Now().UTC(),
	})
}

// DoorOpened handles POST /api/device/door-opened: the controller confirms
// the lock actuated after a grant.
func (h *Handler) DoorOpened(w http.ResponseWriter, r *http.Request) {
	h.confirmDoor(w, r, h.store.MarkDoorOpened)
}

// DoorClosed handles POST /api/device/door-closed.
func (h *Handler) DoorClosed(w http.ResponseWriter, r *http.Request) {
	h.confirmDoor(w, r, h.store.MarkDoorClosed)
}

func (h *Handler) confirmDoor(w http.ResponseWriter, r *http.Request, mark func(ctx context.Context, badgeUID, deviceID string) error) {
	var req struct {
		session.SignedRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BadgeUID == "" || req.DeviceID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "badge_uid and device_id required")
		return
	}

	if _, ok := h.verifySession(w, r, &req.SignedRequest); !ok {
		return
	}

	if err := mark(r.Context(), req.BadgeUID, req.DeviceID); err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "no matching access event")
			return
		}
		h.log.ErrorContext(r.Context(), "door confirmation failed", "device_id", req.DeviceID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "server error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AuthorizedBadges handles GET /api/device/authorized-badges/{device_id}:
// the offline fallback list controllers cache locally.
func (h *Handler) AuthorizedBadges(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimPrefix(r.URL.Path, "/api/device/authorized-badges/")
	if deviceID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "device_id required")
		return
	}

	badges, err := h.store.AuthorizedBadges(r.Context(), deviceID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to list authorized badges", "device_id", deviceID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "server error")
		return
	}

	type entry struct {
		BadgeUID      string `json:"badge_uid"`
		EncryptionKey string `json:"encryption_key"`
		UserName      string `json:"user_name"`
	}
	out := make([]entry, 0, len(badges))
	for _, b := range badges {
		out = append(out, entry{BadgeUID: b.UID, EncryptionKey: b.EncryptionKey, UserName: b.UserName})
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"badges": out})
}

// SyncTime handles GET /api/device/sync-time.
func (h *Handler) SyncTime(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"timestamp": now.UTC(),
		"unix_time": now.Unix(),
	})
}

// verifySession checks the signed tuple on a device request and writes the
// protocol error response on failure. A signature mismatch is a security
// event; it gets the same generic body as other failures so a compromised
// device learns nothing from the response.
func (h *Handler) verifySession(w http.ResponseWriter, r *http.Request, req *session.SignedRequest) (string, bool) {
	secret, err := h.sessions.Verify(r.Context(), req)
	if err == nil {
		return secret, true
	}

	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrUnknownDevice):
		httputil.WriteError(w, http.StatusUnauthorized, "session invalid")
	case errors.Is(err, session.ErrBadSignature):
		metrics.SignatureFailures.Inc()
		h.log.ErrorContext(r.Context(), "request signature mismatch",
			"device_id", req.DeviceID, "badge_uid", req.BadgeUID)
		httputil.WriteError(w, http.StatusForbidden, "integrity compromised")
	default:
		h.log.ErrorContext(r.Context(), "session verification failed", "device_id", req.DeviceID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "server error")
	}
	return "", false
}

// allow applies the per-device rate limit.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, deviceID string) bool {
	allowed, err := h.limiter.Allow(r.Context(), deviceID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "rate limit check failed", "device_id", deviceID, "error", err)
		return true // fail open on limiter errors; policy still decides access
	}
	if !allowed {
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) emitAlert(r *http.Request, a *models.Alert) {
	if err := h.alerts.Emit(r.Context(), a); err != nil {
		h.log.ErrorContext(r.Context(), "failed to emit alert", "type", a.Type, "error", err)
	}
}
