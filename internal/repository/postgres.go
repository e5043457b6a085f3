package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portcullis-systems/portcullis/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db DB
}

// NewPostgres wraps an existing pool (or a pgxmock in tests).
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pgx pool against the given connection string and verifies
// it with a ping.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// GetBadgeByUID retrieves a badge and its owner by the UID the controller read
// from the tag.
func (p *Postgres) GetBadgeByUID(ctx context.Context, uid string) (*models.Badge, error) {
	query := `
		SELECT b.id, b.badge_uid, b.encryption_key, b.user_id,
		       u.first_name || ' ' || u.last_name AS user_name,
		       b.is_active, b.expires_at, b.created_at
		FROM badges b
		JOIN users u ON u.id = b.user_id
		WHERE b.badge_uid = $1
	`

	b := &models.Badge{}
	err := p.db.QueryRow(ctx, query, uid).Scan(
		&b.ID, &b.UID, &b.EncryptionKey, &b.UserID, &b.UserName,
		&b.IsActive, &b.ExpiresAt, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBadgeNotFound
		}
		return nil, fmt.Errorf("failed to get badge: %w", err)
	}

	return b, nil
}

// AuthorizedBadges lists active badges with a currently-active rule for the
// door, across every subject/target shape.
func (p *Postgres) AuthorizedBadges(ctx context.Context, deviceID string) ([]models.Badge, error) {
	query := `
		SELECT DISTINCT b.id, b.badge_uid, b.encryption_key, b.user_id,
		       u.first_name || ' ' || u.last_name AS user_name,
		       b.is_active, b.expires_at, b.created_at
		FROM badges b
		JOIN users u ON u.id = b.user_id
		JOIN access_rules r ON r.is_active = TRUE AND (
			r.badge_id = b.id
			OR r.user_group_id IN (SELECT group_id FROM user_group_members WHERE user_id = u.id)
			OR r.badge_group_id IN (SELECT group_id FROM badge_group_members WHERE badge_id = b.id)
		)
		JOIN doors d ON d.device_id = $1 AND d.is_active = TRUE AND (
			r.door_id = d.id
			OR r.door_group_id IN (SELECT group_id FROM door_group_members WHERE door_id = d.id)
		)
		WHERE b.is_active = TRUE AND u.is_active = TRUE
		ORDER BY b.badge_uid
	`

	rows, err := p.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorized badges: %w", err)
	}
	defer rows.Close()

	var badges []models.Badge
	for rows.Next() {
		var b models.Badge
		if err := rows.Scan(
			&b.ID, &b.UID, &b.EncryptionKey, &b.UserID, &b.UserName,
			&b.IsActive, &b.ExpiresAt, &b.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		badges = append(badges, b)
	}

	return badges, rows.Err()
}

// GetDoorByDeviceID retrieves a door by its controller identifier.
func (p *Postgres) GetDoorByDeviceID(ctx context.Context, deviceID string) (*models.Door, error) {
	query := `
		SELECT id, name, location, device_id, address, firmware_version,
		       is_active, is_online, last_heartbeat, COALESCE(session_key, ''), created_at
		FROM doors
		WHERE device_id = $1
	`

	d := &models.Door{}
	err := p.db.QueryRow(ctx, query, deviceID).Scan(
		&d.ID, &d.Name, &d.Location, &d.DeviceID, &d.Address, &d.FirmwareVersion,
		&d.IsActive, &d.IsOnline, &d.LastHeartbeat, &d.SessionKey, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoorNotFound
		}
		return nil, fmt.Errorf("failed to get door: %w", err)
	}

	return d, nil
}

// SetSessionKey overwrites the door's session secret. Establishing a new
// session invalidates the previous one.
func (p *Postgres) SetSessionKey(ctx context.Context, deviceID, key string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE doors SET session_key = $1, session_key_updated_at = NOW() WHERE device_id = $2`,
		key, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to set session key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDoorNotFound
	}
	return nil
}

// GetSessionKey returns the door's current session secret, empty when no
// session has been established.
func (p *Postgres) GetSessionKey(ctx context.Context, deviceID string) (string, error) {
	var key string
	err := p.db.QueryRow(ctx,
		`SELECT COALESCE(session_key, '') FROM doors WHERE device_id = $1`,
		deviceID,
	).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrDoorNotFound
		}
		return "", fmt.Errorf("failed to get session key: %w", err)
	}
	return key, nil
}

// SetOnlineStatus flips the online flag, refreshes heartbeat metadata and
// appends a status-history row in one transaction-free sequence (history is
// best-effort observability, the flag is the source of truth).
func (p *Postgres) SetOnlineStatus(ctx context.Context, deviceID string, online bool, address, firmware string) error {
	query := `
		UPDATE doors
		SET is_online = $1,
		    last_heartbeat = NOW(),
		    address = COALESCE(NULLIF($2, ''), address),
		    firmware_version = COALESCE(NULLIF($3, ''), firmware_version)
		WHERE device_id = $4
		RETURNING id
	`

	var doorID int64
	err := p.db.QueryRow(ctx, query, online, address, firmware, deviceID).Scan(&doorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDoorNotFound
		}
		return fmt.Errorf("failed to update online status: %w", err)
	}

	status := "offline"
	if online {
		status = "online"
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO door_status_history (door_id, status, address, firmware_version) VALUES ($1, $2, $3, $4)`,
		doorID, status, address, firmware,
	)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}

	return nil
}

// RefreshHeartbeat updates last_heartbeat and metadata for an already-online
// door without a transition or history row.
func (p *Postgres) RefreshHeartbeat(ctx context.Context, deviceID, address, firmware string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE doors
		SET last_heartbeat = NOW(),
		    address = COALESCE(NULLIF($1, ''), address),
		    firmware_version = COALESCE(NULLIF($2, ''), firmware_version)
		WHERE device_id = $3
	`, address, firmware, deviceID)
	if err != nil {
		return fmt.Errorf("failed to refresh heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDoorNotFound
	}
	return nil
}

// StaleOnlineDoors returns doors still marked online with no heartbeat inside
// the threshold. The is_online filter makes the offline transition fire once
// per outage, not once per sweep.
func (p *Postgres) StaleOnlineDoors(ctx context.Context, thresholdMinutes int) ([]models.Door, error) {
	query := `
		SELECT id, name, location, device_id, address, firmware_version,
		       is_active, is_online, last_heartbeat, COALESCE(session_key, ''), created_at
		FROM doors
		WHERE is_online = TRUE
		  AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - make_interval(mins => $1))
	`

	rows, err := p.db.Query(ctx, query, thresholdMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale doors: %w", err)
	}
	defer rows.Close()

	var doors []models.Door
	for rows.Next() {
		var d models.Door
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Location, &d.DeviceID, &d.Address, &d.FirmwareVersion,
			&d.IsActive, &d.IsOnline, &d.LastHeartbeat, &d.SessionKey, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan door: %w", err)
		}
		doors = append(doors, d)
	}

	return doors, rows.Err()
}

// DoorsShareGroup reports whether the two doors belong to at least one common
// door group.
func (p *Postgres) DoorsShareGroup(ctx context.Context, doorID1, doorID2 int64) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM door_group_members m1
		JOIN door_group_members m2 ON m1.group_id = m2.group_id
		WHERE m1.door_id = $1 AND m2.door_id = $2
	`

	var shared int
	if err := p.db.QueryRow(ctx, query, doorID1, doorID2).Scan(&shared); err != nil {
		return false, fmt.Errorf("failed to check shared door groups: %w", err)
	}
	return shared > 0, nil
}

// ListDoors returns the whole fleet, name order.
func (p *Postgres) ListDoors(ctx context.Context) ([]models.Door, error) {
	query := `
		SELECT id, name, location, device_id, address, firmware_version,
		       is_active, is_online, last_heartbeat, COALESCE(session_key, ''), created_at
		FROM doors
		ORDER BY name
	`

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list doors: %w", err)
	}
	defer rows.Close()

	var doors []models.Door
	for rows.Next() {
		var d models.Door
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Location, &d.DeviceID, &d.Address, &d.FirmwareVersion,
			&d.IsActive, &d.IsOnline, &d.LastHeartbeat, &d.SessionKey, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan door: %w", err)
		}
		doors = append(doors, d)
	}

	return doors, rows.Err()
}

// DoorStats summarises the fleet for the admin status endpoint.
func (p *Postgres) DoorStats(ctx context.Context) (*models.DoorStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_online),
		       COUNT(*) FILTER (WHERE is_active)
		FROM doors
	`

	s := &models.DoorStats{}
	if err := p.db.QueryRow(ctx, query).Scan(&s.Total, &s.Online, &s.Active); err != nil {
		return nil, fmt.Errorf("failed to get door stats: %w", err)
	}
	s.Offline = s.Total - s.Online
	s.Inactive = s.Total - s.Active
	return s, nil
}

// StatusHistory returns the most recent status transitions for a door.
func (p *Postgres) StatusHistory(ctx context.Context, doorID int64, limit int) ([]models.DoorStatus, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.Query(ctx, `
		SELECT id, door_id, status, COALESCE(address, ''), COALESCE(firmware_version, ''), timestamp
		FROM door_status_history
		WHERE door_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, doorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var history []models.DoorStatus
	for rows.Next() {
		var h models.DoorStatus
		if err := rows.Scan(&h.ID, &h.DoorID, &h.Status, &h.Address, &h.FirmwareVersion, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		history = append(history, h)
	}

	return history, rows.Err()
}
