// Package alerts is the shared alert sink: it persists alerts and pushes
// live notifications to subscribed administrator sessions. Both the anomaly
// engine and the liveness monitor write through it.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/messaging"
	"github.com/portcullis-systems/portcullis/internal/metrics"
	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

// Service persists alerts and fans out live notifications.
type Service struct {
	store repository.AlertStore
	pub   messaging.Publisher
	log   *logging.Logger
}

// NewService returns an alert service writing to store and notifying over pub.
func NewService(store repository.AlertStore, pub messaging.Publisher, log *logging.Logger) *Service {
	return &Service{store: store, pub: pub, log: log}
}

// Emit persists the alert and pushes it to the live feed. Notification
// failures are logged, never fatal; the durable record is what matters.
func (s *Service) Emit(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		id, _ := uuid.NewV7()
		a.ID = id.String()
	}
	if a.Severity == "" {
		a.Severity = models.SeverityMedium
	}

	if err := s.store.CreateAlert(ctx, a); err != nil {
		return fmt.Errorf("failed to persist alert: %w", err)
	}

	metrics.AlertsTotal.WithLabelValues(string(a.Type), a.Severity).Inc()
	s.log.InfoContext(ctx, "alert created", "type", a.Type, "severity", a.Severity)

	s.publish(ctx, messaging.SubjectAlertsCreated, a)
	return nil
}

// AccessAttemptNotification is the live access feed payload.
type AccessAttemptNotification struct {
	BadgeUID  string    `json:"badge_uid"`
	UserName  string    `json:"user_name,omitempty"`
	DeviceID  string    `json:"device_id"`
	Granted   bool      `json:"access_granted"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NotifyAccessAttempt pushes one evaluation outcome to the live feed.
func (s *Service) NotifyAccessAttempt(ctx context.Context, n *AccessAttemptNotification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	s.publish(ctx, messaging.SubjectAccessAttempt, n)
}

// DoorStatusNotification is the door transition feed payload.
type DoorStatusNotification struct {
	DoorID    int64     `json:"door_id"`
	DoorName  string    `json:"door_name"`
	DeviceID  string    `json:"device_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// NotifyDoorStatus pushes one online/offline transition to the live feed.
func (s *Service) NotifyDoorStatus(ctx context.Context, n *DoorStatusNotification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	s.publish(ctx, messaging.SubjectDoorStatus, n)
}

// List returns a filtered, paginated alert listing.
func (s *Service) List(ctx context.Context, req *models.ListAlertsRequest) ([]models.Alert, int, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit < 1 || req.Limit > 100 {
		req.Limit = 50
	}
	return s.store.ListAlerts(ctx, req)
}

// MarkRead marks one alert read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkAlertRead(ctx, id)
}

// Stats aggregates alerts by type and severity over the trailing days.
func (s *Service) Stats(ctx context.Context, days int) ([]models.AlertStat, error) {
	return s.store.AlertStats(ctx, days)
}

func (s *Service) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to marshal notification", "subject", subject, "error", err)
		return
	}
	if err := s.pub.Publish(ctx, subject, data); err != nil {
		s.log.WarnContext(ctx, "failed to publish notification", "subject", subject, "error", err)
	}
}
