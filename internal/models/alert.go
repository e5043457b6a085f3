package models

import "time"

// AlertType tags the detection rule that produced an alert.
type AlertType string

const (
	AlertSpamAttempts        AlertType = "spam_attempts"
	AlertCloningAttempt      AlertType = "cloning_attempt"
	AlertConsecutiveFailures AlertType = "consecutive_failures"
	AlertInvalidKey          AlertType = "invalid_encryption_key"
	AlertDoorOffline         AlertType = "door_offline"
	AlertDoorOnline          AlertType = "door_online"
	AlertUnknownBadge        AlertType = "unknown_badge"
	AlertUnregisteredDevice  AlertType = "unregistered_device"
)

// Severity levels, ordered from most to least urgent.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Alert is a durable security or availability alert. Created only by the
// anomaly engine and the liveness monitor; mark-read is the only mutation
// exposed to administrators.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	DoorID    *int64         `json:"door_id,omitempty"`
	BadgeUID  string         `json:"badge_uid,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

// AlertStat is one row of the alert statistics aggregation.
type AlertStat struct {
	Type        AlertType `json:"type"`
	Severity    string    `json:"severity"`
	Count       int       `json:"count"`
	UnreadCount int       `json:"unread_count"`
}

// ListAlertsRequest carries admin alert listing filters.
type ListAlertsRequest struct {
	UnreadOnly bool
	Type       string
	Severity   string
	Page       int
	Limit      int
}
