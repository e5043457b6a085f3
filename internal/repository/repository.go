package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/portcullis-systems/portcullis/internal/models"
)

// Sentinel errors returned by repository implementations.
var (
	ErrBadgeNotFound = errors.New("badge not found")
	ErrDoorNotFound  = errors.New("door not found")
	ErrAlertNotFound = errors.New("alert not found")
	ErrEventNotFound = errors.New("access event not found")
)

// DB is the subset of pgxpool.Pool the repositories use. Declared as an
// interface so tests can substitute pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RuleStore resolves access rules for the policy evaluator.
type RuleStore interface {
	// ResolveRules returns every rule binding the badge to the door, across
	// all subject/target shapes, in priority order (individual badge first,
	// door-group target last). An empty slice means the badge is not
	// registered for the door.
	ResolveRules(ctx context.Context, badgeUID, deviceID string) ([]models.ResolvedRule, error)
}

// BadgeStore reads credentials. The core never writes badges.
type BadgeStore interface {
	GetBadgeByUID(ctx context.Context, uid string) (*models.Badge, error)
	// AuthorizedBadges lists active badges holding a currently-active rule
	// for the door, used by controllers for offline fallback.
	AuthorizedBadges(ctx context.Context, deviceID string) ([]models.Badge, error)
}

// DoorStore reads and updates door controller state.
type DoorStore interface {
	GetDoorByDeviceID(ctx context.Context, deviceID string) (*models.Door, error)
	// SetSessionKey overwrites the door's session secret; the previous
	// session, if any, is invalidated.
	SetSessionKey(ctx context.Context, deviceID, key string) error
	GetSessionKey(ctx context.Context, deviceID string) (string, error)
	// SetOnlineStatus flips the online flag, refreshes last_heartbeat and
	// optional metadata, and appends a status-history row.
	SetOnlineStatus(ctx context.Context, deviceID string, online bool, address, firmware string) error
	// RefreshHeartbeat updates last_heartbeat and metadata without a status
	// transition or history row.
	RefreshHeartbeat(ctx context.Context, deviceID, address, firmware string) error
	// StaleOnlineDoors returns doors still marked online whose last
	// heartbeat is older than thresholdMinutes (or was never recorded).
	StaleOnlineDoors(ctx context.Context, thresholdMinutes int) ([]models.Door, error)
	// DoorsShareGroup reports whether two doors belong to at least one
	// common door group.
	DoorsShareGroup(ctx context.Context, doorID1, doorID2 int64) (bool, error)
	// ListDoors returns the whole fleet, name order.
	ListDoors(ctx context.Context) ([]models.Door, error)
	DoorStats(ctx context.Context) (*models.DoorStats, error)
	StatusHistory(ctx context.Context, doorID int64, limit int) ([]models.DoorStatus, error)
}

// EventStore appends to and reads the access log.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *models.AccessEvent) error
	// RecentOutcomes returns the granted flags of the most recent events for
	// the (badge, door) pair, newest first.
	RecentOutcomes(ctx context.Context, badgeUID string, doorID int64, limit int) ([]bool, error)
	// MarkDoorOpened flags the latest event for the pair as opened.
	MarkDoorOpened(ctx context.Context, badgeUID, deviceID string) error
	// MarkDoorClosed stamps the close time on the latest opened event.
	MarkDoorClosed(ctx context.Context, badgeUID, deviceID string) error
}

// AlertStore persists and reads alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, req *models.ListAlertsRequest) ([]models.Alert, int, error)
	MarkAlertRead(ctx context.Context, id string) error
	AlertStats(ctx context.Context, days int) ([]models.AlertStat, error)
}

// Store aggregates all repository interfaces behind one implementation.
type Store interface {
	RuleStore
	BadgeStore
	DoorStore
	EventStore
	AlertStore
}
