// Package liveness tracks door controller availability from heartbeats and
// flags controllers that go quiet.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portcullis-systems/portcullis/internal/alerts"
	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/metrics"
	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

// ErrUnknownDevice is returned for heartbeats from unregistered controllers.
var ErrUnknownDevice = errors.New("heartbeat from unknown device")

// AlertSink receives offline/online alerts. Satisfied by *alerts.Service.
type AlertSink interface {
	Emit(ctx context.Context, a *models.Alert) error
	NotifyDoorStatus(ctx context.Context, n *alerts.DoorStatusNotification)
}

// Config holds sweep cadence and staleness threshold.
type Config struct {
	SweepInterval    time.Duration
	OfflineThreshold time.Duration
}

// DefaultConfig returns the standard sweep settings: check every minute,
// offline after two silent minutes.
func DefaultConfig() Config {
	return Config{
		SweepInterval:    time.Minute,
		OfflineThreshold: 2 * time.Minute,
	}
}

// Monitor is the heartbeat-driven availability state machine. The sweep runs
// on its own goroutine and never blocks request handling.
type Monitor struct {
	cfg    Config
	doors  repository.DoorStore
	alerts AlertSink
	log    *logging.Logger
}

// NewMonitor returns a monitor over the given door store.
func NewMonitor(cfg Config, doors repository.DoorStore, sink AlertSink, log *logging.Logger) *Monitor {
	return &Monitor{cfg: cfg, doors: doors, alerts: sink, log: log}
}

// Run sweeps on the configured interval until ctx is done. The first sweep
// happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	if err := m.Sweep(ctx); err != nil {
		m.log.ErrorContext(ctx, "liveness sweep failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.ErrorContext(ctx, "liveness sweep failed", "error", err)
			}
		}
	}
}

// Sweep marks every door with a stale heartbeat offline. The store only
// returns doors still flagged online, so each outage produces exactly one
// transition and one alert, not one per sweep.
func (m *Monitor) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	thresholdMinutes := int(m.cfg.OfflineThreshold / time.Minute)
	stale, err := m.doors.StaleOnlineDoors(ctx, thresholdMinutes)
	if err != nil {
		return fmt.Errorf("failed to find stale doors: %w", err)
	}

	for i := range stale {
		door := &stale[i]
		if err := m.markOffline(ctx, door); err != nil {
			m.log.ErrorContext(ctx, "failed to mark door offline",
				"door_id", door.ID, "error", err)
		}
	}

	if stats, err := m.doors.DoorStats(ctx); err == nil {
		metrics.DoorsOnline.Set(float64(stats.Online))
	}

	return nil
}

func (m *Monitor) markOffline(ctx context.Context, door *models.Door) error {
	if err := m.doors.SetOnlineStatus(ctx, door.DeviceID, false, "", ""); err != nil {
		return err
	}

	lastSeen := "never"
	if door.LastHeartbeat != nil {
		lastSeen = door.LastHeartbeat.Format(time.RFC3339)
	}

	if err := m.alerts.Emit(ctx, &models.Alert{
		Type:     models.AlertDoorOffline,
		Severity: models.SeverityHigh,
		Message: fmt.Sprintf("door offline: %q (%s) stopped responding; last heartbeat %s; check network or power",
			door.Name, door.DeviceID, lastSeen),
		DoorID: &door.ID,
		Metadata: map[string]any{
			"device_id":      door.DeviceID,
			"last_heartbeat": lastSeen,
			"address":        door.Address,
			"detection_rule": "DOOR_OFFLINE",
		},
	}); err != nil {
		m.log.ErrorContext(ctx, "failed to emit offline alert", "door_id", door.ID, "error", err)
	}

	m.alerts.NotifyDoorStatus(ctx, &alerts.DoorStatusNotification{
		DoorID:   door.ID,
		DoorName: door.Name,
		DeviceID: door.DeviceID,
		Online:   false,
	})

	m.log.WarnContext(ctx, "door offline", "door_id", door.ID, "door_name", door.Name)
	return nil
}

// RecordHeartbeat processes one accepted heartbeat. A previously offline door
// transitions back online with a single alert; an already-online door only
// refreshes its heartbeat and metadata.
func (m *Monitor) RecordHeartbeat(ctx context.Context, deviceID, address, firmware string) error {
	door, err := m.doors.GetDoorByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrDoorNotFound) {
			return ErrUnknownDevice
		}
		return fmt.Errorf("device lookup failed: %w", err)
	}

	metrics.HeartbeatsTotal.Inc()

	if door.IsOnline {
		return m.doors.RefreshHeartbeat(ctx, deviceID, address, firmware)
	}

	if err := m.doors.SetOnlineStatus(ctx, deviceID, true, address, firmware); err != nil {
		return fmt.Errorf("failed to mark door online: %w", err)
	}

	if err := m.alerts.Emit(ctx, &models.Alert{
		Type:     models.AlertDoorOnline,
		Severity: models.SeverityInfo,
		Message:  fmt.Sprintf("door reconnected: %q (%s) is back online", door.Name, deviceID),
		DoorID:   &door.ID,
		Metadata: map[string]any{
			"device_id":      deviceID,
			"address":        address,
			"detection_rule": "DOOR_ONLINE",
		},
	}); err != nil {
		m.log.ErrorContext(ctx, "failed to emit online alert", "door_id", door.ID, "error", err)
	}

	m.alerts.NotifyDoorStatus(ctx, &alerts.DoorStatusNotification{
		DoorID:   door.ID,
		DoorName: door.Name,
		DeviceID: deviceID,
		Online:   true,
	})

	m.log.InfoContext(ctx, "door online", "door_id", door.ID, "door_name", door.Name)
	return nil
}
