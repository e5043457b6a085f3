package liveness

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portcullis-systems/portcullis/internal/alerts"
	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

type recordingSink struct {
	alerts        []*models.Alert
	notifications []*alerts.DoorStatusNotification
}

func (r *recordingSink) Emit(ctx context.Context, a *models.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingSink) NotifyDoorStatus(ctx context.Context, n *alerts.DoorStatusNotification) {
	r.notifications = append(r.notifications, n)
}

// memDoorStore tracks online flags and heartbeat refreshes in memory.
type memDoorStore struct {
	repository.DoorStore
	doors     map[string]*models.Door
	refreshed []string
}

func newMemDoorStore(doors ...*models.Door) *memDoorStore {
	m := &memDoorStore{doors: make(map[string]*models.Door)}
	for _, d := range doors {
		m.doors[d.DeviceID] = d
	}
	return m
}

func (m *memDoorStore) GetDoorByDeviceID(ctx context.Context, deviceID string) (*models.Door, error) {
	d, ok := m.doors[deviceID]
	if !ok {
		return nil, repository.ErrDoorNotFound
	}
	return d, nil
}

func (m *memDoorStore) SetOnlineStatus(ctx context.Context, deviceID string, online bool, address, firmware string) error {
	d, ok := m.doors[deviceID]
	if !ok {
		return repository.ErrDoorNotFound
	}
	d.IsOnline = online
	return nil
}

func (m *memDoorStore) RefreshHeartbeat(ctx context.Context, deviceID, address, firmware string) error {
	m.refreshed = append(m.refreshed, deviceID)
	return nil
}

func (m *memDoorStore) StaleOnlineDoors(ctx context.Context, thresholdMinutes int) ([]models.Door, error) {
	cutoff := time.Now().Add(-time.Duration(thresholdMinutes) * time.Minute)
	var stale []models.Door
	for _, d := range m.doors {
		if d.IsOnline && (d.LastHeartbeat == nil || d.LastHeartbeat.Before(cutoff)) {
			stale = append(stale, *d)
		}
	}
	return stale, nil
}

func (m *memDoorStore) DoorStats(ctx context.Context) (*models.DoorStats, error) {
	s := &models.DoorStats{}
	for _, d := range m.doors {
		s.Total++
		if d.IsOnline {
			s.Online++
		}
	}
	s.Offline = s.Total - s.Online
	return s, nil
}

func newTestMonitor(store *memDoorStore, sink *recordingSink) *Monitor {
	return NewMonitor(DefaultConfig(), store, sink, logging.New(slog.LevelError, "text"))
}

func alertsOfType(list []*models.Alert, t models.AlertType) []*models.Alert {
	var out []*models.Alert
	for _, a := range list {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func TestSweep_MarksStaleDoorsOffline(t *testing.T) {
	old := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()
	store := newMemDoorStore(
		&models.Door{ID: 1, Name: "Main Entrance", DeviceID: "ESP32-01", IsOnline: true, LastHeartbeat: &old},
		&models.Door{ID: 2, Name: "Annex Door", DeviceID: "ESP32-02", IsOnline: true, LastHeartbeat: &fresh},
	)
	sink := &recordingSink{}
	m := newTestMonitor(store, sink)

	require.NoError(t, m.Sweep(context.Background()))

	assert.False(t, store.doors["ESP32-01"].IsOnline)
	assert.True(t, store.doors["ESP32-02"].IsOnline)

	offline := alertsOfType(sink.alerts, models.AlertDoorOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, models.SeverityHigh, offline[0].Severity)
	require.Len(t, sink.notifications, 1)
	assert.False(t, sink.notifications[0].Online)
}

func TestSweep_NeverSeenHeartbeatCountsAsStale(t *testing.T) {
	store := newMemDoorStore(
		&models.Door{ID: 1, Name: "Main Entrance", DeviceID: "ESP32-01", IsOnline: true},
	)
	sink := &recordingSink{}
	m := newTestMonitor(store, sink)

	require.NoError(t, m.Sweep(context.Background()))

	assert.False(t, store.doors["ESP32-01"].IsOnline)
	require.Len(t, alertsOfType(sink.alerts, models.AlertDoorOffline), 1)
	assert.Contains(t, alertsOfType(sink.alerts, models.AlertDoorOffline)[0].Metadata, "last_heartbeat")
}

func TestSweep_AlertsOncePerOutage(t *testing.T) {
	old := time.Now().Add(-10 * time.Minute)
	store := newMemDoorStore(
		&models.Door{ID: 1, Name: "Main Entrance", DeviceID: "ESP32-01", IsOnline: true, LastHeartbeat: &old},
	)
	sink := &recordingSink{}
	m := newTestMonitor(store, sink)

	require.NoError(t, m.Sweep(context.Background()))
	require.NoError(t, m.Sweep(context.Background()))
	require.NoError(t, m.Sweep(context.Background()))

	assert.Len(t, alertsOfType(sink.alerts, models.AlertDoorOffline), 1)
}

func TestRecordHeartbeat_UnknownDevice(t *testing.T) {
	m := newTestMonitor(newMemDoorStore(), &recordingSink{})

	err := m.RecordHeartbeat(context.Background(), "ESP32-99", "", "")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestRecordHeartbeat_OnlineDoorOnlyRefreshes(t *testing.T) {
	store := newMemDoorStore(
		&models.Door{ID: 1, Name: "Main Entrance", DeviceID: "ESP32-01", IsOnline: true},
	)
	sink := &recordingSink{}
	m := newTestMonitor(store, sink)

	require.NoError(t, m.RecordHeartbeat(context.Background(), "ESP32-01", "10.0.0.5", "1.2.0"))

	assert.Equal(t, []string{"ESP32-01"}, store.refreshed)
	assert.Empty(t, sink.alerts)
	assert.Empty(t, sink.notifications)
}

func TestRecordHeartbeat_OfflineDoorComesBackOnline(t *testing.T) {
	store := newMemDoorStore(
		&models.Door{ID: 1, Name: "Main Entrance", DeviceID: "ESP32-01", IsOnline: false},
	)
	sink := &recordingSink{}
	m := newTestMonitor(store, sink)

	require.NoError(t, m.RecordHeartbeat(context.Background(), "ESP32-01", "10.0.0.5", "1.2.0"))

	assert.True(t, store.doors["ESP32-01"].IsOnline)

	online := alertsOfType(sink.alerts, models.AlertDoorOnline)
	require.Len(t, online, 1)
	assert.Equal(t, models.SeverityInfo, online[0].Severity)
	require.Len(t, sink.notifications, 1)
	assert.True(t, sink.notifications[0].Online)

	// A second heartbeat on the now-online door stays silent.
	require.NoError(t, m.RecordHeartbeat(context.Background(), "ESP32-01", "10.0.0.5", "1.2.0"))
	assert.Len(t, alertsOfType(sink.alerts, models.AlertDoorOnline), 1)
}
