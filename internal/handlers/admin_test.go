package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portcullis-systems/portcullis/internal/models"
)

func TestListAlerts(t *testing.T) {
	store := &stubStore{alerts: []*models.Alert{
		{ID: "a1", Type: models.AlertSpamAttempts, Severity: models.SeverityHigh, Message: "spam detected"},
		{ID: "a2", Type: models.AlertDoorOffline, Severity: models.SeverityHigh, Message: "door offline"},
	}}
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?page=1&limit=20", nil)
	rec := httptest.NewRecorder()
	h.ListAlerts(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Alerts []models.Alert `json:"alerts"`
		Total  int            `json:"total"`
		Page   int            `json:"page"`
		Limit  int            `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Alerts, 2)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 20, resp.Limit)
}

func TestListAlerts_EmptyResultIsAnArray(t *testing.T) {
	h := newTestHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	rec := httptest.NewRecorder()
	h.ListAlerts(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Body.String(), `"alerts":[]`)
}

func TestAlertStats_DefaultWindow(t *testing.T) {
	h := newTestHandler(&stubStore{})

	for _, q := range []string{"", "?days=0", "?days=9999", "?days=abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/stats"+q, nil)
		rec := httptest.NewRecorder()
		h.AlertStats(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Days int `json:"days"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 7, resp.Days, "query %q should fall back to the default window", q)
	}
}

func TestMarkAlertRead(t *testing.T) {
	store := &stubStore{alerts: []*models.Alert{
		{ID: "a1", Type: models.AlertSpamAttempts, Severity: models.SeverityHigh},
	}}
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/alerts/a1/read", nil)
	rec := httptest.NewRecorder()
	h.MarkAlertRead(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.alerts[0].IsRead)
}

func TestMarkAlertRead_NotFound(t *testing.T) {
	h := newTestHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/alerts/no-such-id/read", nil)
	rec := httptest.NewRecorder()
	h.MarkAlertRead(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDoorsStatus(t *testing.T) {
	store := &stubStore{door: testDoor()}
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/doors/status", nil)
	rec := httptest.NewRecorder()
	h.DoorsStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Stats models.DoorStats `json:"stats"`
		Doors []models.Door    `json:"doors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.Total)
	require.Len(t, resp.Doors, 1)
	assert.Equal(t, "ESP32-01", resp.Doors[0].DeviceID)

	// The session secret must not appear in admin responses.
	assert.NotContains(t, rec.Body.String(), "session_key")
}

func TestDoorHistory_InvalidID(t *testing.T) {
	h := newTestHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/doors/abc/history", nil)
	rec := httptest.NewRecorder()
	h.DoorHistory(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDoorHistory(t *testing.T) {
	h := newTestHandler(&stubStore{door: testDoor()})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/doors/1/history?limit=10", nil)
	rec := httptest.NewRecorder()
	h.DoorHistory(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Body.String(), `"door_id":1`)
	assert.Contains(t, rec.Body.String(), `"history":[]`)
}
