package handlers

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portcullis-systems/portcullis/internal/alerts"
	"github.com/portcullis-systems/portcullis/internal/anomaly"
	"github.com/portcullis-systems/portcullis/internal/liveness"
	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/messaging"
	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/policy"
	"github.com/portcullis-systems/portcullis/internal/ratelimit"
	"github.com/portcullis-systems/portcullis/internal/repository"
	"github.com/portcullis-systems/portcullis/internal/session"
)

// stubStore is an in-memory repository.Store for handler tests.
type stubStore struct {
	rules    []models.ResolvedRule
	rulesErr error

	door       *models.Door
	sessionKey string
	badges     []models.Badge

	events   []*models.AccessEvent
	outcomes []bool
	opened   [][2]string
	closed   [][2]string

	alerts []*models.Alert
}

func (s *stubStore) ResolveRules(ctx context.Context, badgeUID, deviceID string) ([]models.ResolvedRule, error) {
	return s.rules, s.rulesErr
}

func (s *stubStore) GetBadgeByUID(ctx context.Context, uid string) (*models.Badge, error) {
	return nil, repository.ErrBadgeNotFound
}

func (s *stubStore) AuthorizedBadges(ctx context.Context, deviceID string) ([]models.Badge, error) {
	return s.badges, nil
}

func (s *stubStore) GetDoorByDeviceID(ctx context.Context, deviceID string) (*models.Door, error) {
	if s.door == nil || s.door.DeviceID != deviceID {
		return nil, repository.ErrDoorNotFound
	}
	return s.door, nil
}

func (s *stubStore) SetSessionKey(ctx context.Context, deviceID, key string) error {
	if s.door == nil || s.door.DeviceID != deviceID {
		return repository.ErrDoorNotFound
	}
	s.sessionKey = key
	return nil
}

func (s *stubStore) GetSessionKey(ctx context.Context, deviceID string) (string, error) {
	if s.door == nil || s.door.DeviceID != deviceID {
		return "", repository.ErrDoorNotFound
	}
	return s.sessionKey, nil
}

func (s *stubStore) SetOnlineStatus(ctx context.Context, deviceID string, online bool, address, firmware string) error {
	if s.door == nil || s.door.DeviceID != deviceID {
		return repository.ErrDoorNotFound
	}
	s.door.IsOnline = online
	return nil
}

func (s *stubStore) RefreshHeartbeat(ctx context.Context, deviceID, address, firmware string) error {
	now := time.Now()
	s.door.LastHeartbeat = &now
	return nil
}

func (s *stubStore) StaleOnlineDoors(ctx context.Context, thresholdMinutes int) ([]models.Door, error) {
	return nil, nil
}

func (s *stubStore) DoorsShareGroup(ctx context.Context, doorID1, doorID2 int64) (bool, error) {
	return true, nil
}

func (s *stubStore) ListDoors(ctx context.Context) ([]models.Door, error) {
	if s.door == nil {
		return nil, nil
	}
	return []models.Door{*s.door}, nil
}

func (s *stubStore) DoorStats(ctx context.Context) (*models.DoorStats, error) {
	return &models.DoorStats{Total: 1, Online: 1, Active: 1}, nil
}

func (s *stubStore) StatusHistory(ctx context.Context, doorID int64, limit int) ([]models.DoorStatus, error) {
	return nil, nil
}

func (s *stubStore) InsertEvent(ctx context.Context, ev *models.AccessEvent) error {
	ev.ID = int64(len(s.events) + 1)
	ev.CreatedAt = time.Now()
	s.events = append(s.events, ev)
	return nil
}

func (s *stubStore) RecentOutcomes(ctx context.Context, badgeUID string, doorID int64, limit int) ([]bool, error) {
	return s.outcomes, nil
}

func (s *stubStore) MarkDoorOpened(ctx context.Context, badgeUID, deviceID string) error {
	if len(s.events) == 0 {
		return repository.ErrEventNotFound
	}
	s.opened = append(s.opened, [2]string{badgeUID, deviceID})
	return nil
}

func (s *stubStore) MarkDoorClosed(ctx context.Context, badgeUID, deviceID string) error {
	if len(s.opened) == 0 {
		return repository.ErrEventNotFound
	}
	s.closed = append(s.closed, [2]string{badgeUID, deviceID})
	return nil
}

func (s *stubStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	a.CreatedAt = time.Now()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *stubStore) ListAlerts(ctx context.Context, req *models.ListAlertsRequest) ([]models.Alert, int, error) {
	out := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, *a)
	}
	return out, len(out), nil
}

func (s *stubStore) MarkAlertRead(ctx context.Context, id string) error {
	for _, a := range s.alerts {
		if a.ID == id {
			a.IsRead = true
			return nil
		}
	}
	return repository.ErrAlertNotFound
}

func (s *stubStore) AlertStats(ctx context.Context, days int) ([]models.AlertStat, error) {
	return nil, nil
}

func (s *stubStore) alertsOfType(t models.AlertType) []*models.Alert {
	var out []*models.Alert
	for _, a := range s.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// allDayRule grants around the clock so handler tests are independent of the
// wall clock.
func allDayRule() models.ResolvedRule {
	return models.ResolvedRule{
		RuleID:        1,
		RuleType:      models.RuleIndividualBadge,
		BadgeID:       10,
		BadgeUID:      "AABBCC",
		EncryptionKey: "badge-key",
		BadgeActive:   true,
		UserID:        20,
		UserName:      "Ada Lovelace",
		UserActive:    true,
		DoorID:        1,
		DoorName:      "Main Entrance",
		DoorActive:    true,
		RuleActive:    true,
		StartTime:     "00:00:00",
		EndTime:       "23:59:59",
		Weekdays:      "1,2,3,4,5,6,7",
		ValidFrom:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testDoor() *models.Door {
	return &models.Door{ID: 1, Name: "Main Entrance", DeviceID: "ESP32-01", IsActive: true, IsOnline: true}
}

func newTestHandler(store *stubStore) *Handler {
	log := logging.New(slog.LevelError, "text")
	alertSvc := alerts.NewService(store, messaging.NopPublisher{}, log)
	engine := anomaly.NewEngine(anomaly.DefaultConfig(), store, store, alertSvc, log)
	monitor := liveness.NewMonitor(liveness.DefaultConfig(), store, alertSvc, log)
	return New(
		policy.NewEvaluator(store),
		session.NewManager(store),
		monitor,
		engine,
		alertSvc,
		store,
		&ratelimit.NoOpRateLimiter{},
		log,
	)
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any, withCert bool) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	if withCert {
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{}}}
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func deviceRequest(badgeUID, nonce, secret string) session.SignedRequest {
	return session.SignedRequest{
		BadgeUID:     badgeUID,
		DeviceID:     "ESP32-01",
		Nonce:        nonce,
		SessionToken: secret,
		HMAC:         session.Sign(secret, badgeUID+"ESP32-01"+nonce+secret),
	}
}

func TestHandshake(t *testing.T) {
	t.Run("no client certificate", func(t *testing.T) {
		store := &stubStore{door: testDoor()}
		h := newTestHandler(store)

		rec := postJSON(t, h.Handshake, "/api/device/handshake", HandshakeRequest{DeviceID: "ESP32-01"}, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown device", func(t *testing.T) {
		store := &stubStore{}
		h := newTestHandler(store)

		rec := postJSON(t, h.Handshake, "/api/device/handshake", HandshakeRequest{DeviceID: "ESP32-99"}, true)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Len(t, store.alertsOfType(models.AlertUnregisteredDevice), 1)
	})

	t.Run("success", func(t *testing.T) {
		store := &stubStore{door: testDoor()}
		h := newTestHandler(store)

		rec := postJSON(t, h.Handshake, "/api/device/handshake", HandshakeRequest{DeviceID: "ESP32-01"}, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var hs session.Handshake
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
		assert.Len(t, hs.SessionToken, 64)
		assert.Equal(t, hs.SessionToken, store.sessionKey)
	})

	t.Run("missing device id", func(t *testing.T) {
		h := newTestHandler(&stubStore{})
		rec := postJSON(t, h.Handshake, "/api/device/handshake", HandshakeRequest{}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerifyAccess(t *testing.T) {
	t.Run("granted with signed response", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "secret", rules: []models.ResolvedRule{allDayRule()}}
		h := newTestHandler(store)

		body := VerifyAccessRequest{SignedRequest: deviceRequest("AABBCC", "nonce-1", "secret")}
		rec := postJSON(t, h.VerifyAccess, "/api/device/verify-access", body, false)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp VerifyAccessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Granted)
		assert.Equal(t, "Ada Lovelace", resp.UserName)
		assert.Equal(t, "nonce-1", resp.Nonce)
		assert.Equal(t, session.SignResponse("secret", "nonce-1", true), resp.HMAC)

		require.Len(t, store.events, 1)
		assert.True(t, store.events[0].Granted)
		assert.Equal(t, "AABBCC", store.events[0].BadgeUID)
	})

	t.Run("tampered signature", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "secret", rules: []models.ResolvedRule{allDayRule()}}
		h := newTestHandler(store)

		req := deviceRequest("AABBCC", "nonce-1", "secret")
		req.HMAC = "deadbeef"
		rec := postJSON(t, h.VerifyAccess, "/api/device/verify-access", VerifyAccessRequest{SignedRequest: req}, false)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, store.events, "no event is logged before session verification")
	})

	t.Run("stale session token", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "fresh-secret", rules: []models.ResolvedRule{allDayRule()}}
		h := newTestHandler(store)

		body := VerifyAccessRequest{SignedRequest: deviceRequest("AABBCC", "nonce-1", "old-secret")}
		rec := postJSON(t, h.VerifyAccess, "/api/device/verify-access", body, false)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown badge raises alert", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "secret"}
		h := newTestHandler(store)

		body := VerifyAccessRequest{SignedRequest: deviceRequest("FFFFFF", "nonce-1", "secret")}
		rec := postJSON(t, h.VerifyAccess, "/api/device/verify-access", body, false)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp VerifyAccessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Granted)
		assert.Equal(t, session.SignResponse("secret", "nonce-1", false), resp.HMAC)

		assert.Len(t, store.alertsOfType(models.AlertUnknownBadge), 1)
		require.Len(t, store.events, 1)
		assert.False(t, store.events[0].Granted)
	})

	t.Run("wrong badge key raises cloning alert", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "secret", rules: []models.ResolvedRule{allDayRule()}}
		h := newTestHandler(store)

		body := VerifyAccessRequest{
			SignedRequest: deviceRequest("AABBCC", "nonce-1", "secret"),
			EncryptionKey: "wrong-key",
		}
		rec := postJSON(t, h.VerifyAccess, "/api/device/verify-access", body, false)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp VerifyAccessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Granted)
		assert.Len(t, store.alertsOfType(models.AlertInvalidKey), 1)
	})

	t.Run("rate limited", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "secret"}
		h := newTestHandler(store)
		h.limiter = denyAllLimiter{}

		body := VerifyAccessRequest{SignedRequest: deviceRequest("AABBCC", "nonce-1", "secret")}
		rec := postJSON(t, h.VerifyAccess, "/api/device/verify-access", body, false)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Empty(t, store.events)
	})
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(ctx context.Context, key string) (bool, error) { return false, nil }
func (denyAllLimiter) Close() error                                        { return nil }

func TestHeartbeat(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "secret"}
		h := newTestHandler(store)

		body := HeartbeatRequest{SignedRequest: deviceRequest("", "nonce-1", "secret")}
		rec := postJSON(t, h.Heartbeat, "/api/device/heartbeat", body, false)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unsigned rejected", func(t *testing.T) {
		store := &stubStore{door: testDoor(), sessionKey: "secret"}
		h := newTestHandler(store)

		body := HeartbeatRequest{SignedRequest: session.SignedRequest{DeviceID: "ESP32-01", SessionToken: "secret"}}
		rec := postJSON(t, h.Heartbeat, "/api/device/heartbeat", body, false)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestDoorConfirmations(t *testing.T) {
	store := &stubStore{door: testDoor(), sessionKey: "secret", rules: []models.ResolvedRule{allDayRule()}}
	h := newTestHandler(store)

	// Grant first so there is an event to confirm.
	body := VerifyAccessRequest{SignedRequest: deviceRequest("AABBCC", "nonce-1", "secret")}
	rec := postJSON(t, h.VerifyAccess, "/api/device/verify-access", body, false)
	require.Equal(t, http.StatusOK, rec.Code)

	opened := struct {
		session.SignedRequest
	}{deviceRequest("AABBCC", "nonce-2", "secret")}
	rec = postJSON(t, h.DoorOpened, "/api/device/door-opened", opened, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.opened, 1)
	assert.Equal(t, [2]string{"AABBCC", "ESP32-01"}, store.opened[0])

	closed := struct {
		session.SignedRequest
	}{deviceRequest("AABBCC", "nonce-3", "secret")}
	rec = postJSON(t, h.DoorClosed, "/api/device/door-closed", closed, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.closed, 1)
}

func TestAuthorizedBadges(t *testing.T) {
	store := &stubStore{
		door: testDoor(),
		badges: []models.Badge{
			{UID: "AABBCC", EncryptionKey: "key-1", UserName: "Ada Lovelace"},
			{UID: "DDEEFF", EncryptionKey: "key-2", UserName: "Grace Hopper"},
		},
	}
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/device/authorized-badges/ESP32-01", nil)
	rec := httptest.NewRecorder()
	h.AuthorizedBadges(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Badges []struct {
			BadgeUID      string `json:"badge_uid"`
			EncryptionKey string `json:"encryption_key"`
			UserName      string `json:"user_name"`
		} `json:"badges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Badges, 2)
	assert.Equal(t, "AABBCC", resp.Badges[0].BadgeUID)
	assert.Equal(t, "key-1", resp.Badges[0].EncryptionKey)
}

func TestSyncTime(t *testing.T) {
	h := newTestHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/device/sync-time", nil)
	rec := httptest.NewRecorder()
	h.SyncTime(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UnixTime int64 `json:"unix_time"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, time.Now().Unix(), resp.UnixTime, 5)
}
