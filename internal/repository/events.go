package repository

import (
	"context"
	"fmt"

	"github.com/portcullis-systems/portcullis/internal/models"
)

// InsertEvent appends one evaluation outcome to the access log.
func (p *Postgres) InsertEvent(ctx context.Context, ev *models.AccessEvent) error {
	query := `
		INSERT INTO access_events (badge_id, door_id, badge_uid, user_name, access_granted, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := p.db.QueryRow(ctx, query,
		ev.BadgeID, ev.DoorID, ev.BadgeUID, ev.UserName, ev.Granted, ev.Reason,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert access event: %w", err)
	}

	return nil
}

// RecentOutcomes returns the granted flags of the most recent events for the
// (badge, door) pair, newest first. Feeds the consecutive-failure detector.
func (p *Postgres) RecentOutcomes(ctx context.Context, badgeUID string, doorID int64, limit int) ([]bool, error) {
	rows, err := p.db.Query(ctx, `
		SELECT access_granted
		FROM access_events
		WHERE badge_uid = $1 AND door_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, badgeUID, doorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []bool
	for rows.Next() {
		var granted bool
		if err := rows.Scan(&granted); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, granted)
	}

	return outcomes, rows.Err()
}

// MarkDoorOpened flags the latest event for the pair as opened. The opened
// flag and close timestamp are the only mutations the log permits.
func (p *Postgres) MarkDoorOpened(ctx context.Context, badgeUID, deviceID string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE access_events SET door_opened = TRUE
		WHERE id = (
			SELECT e.id FROM access_events e
			JOIN doors d ON d.id = e.door_id
			WHERE e.badge_uid = $1 AND d.device_id = $2
			ORDER BY e.created_at DESC
			LIMIT 1
		)
	`, badgeUID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to mark door opened: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkDoorClosed stamps the close time on the latest opened, not-yet-closed
// event for the pair.
func (p *Postgres) MarkDoorClosed(ctx context.Context, badgeUID, deviceID string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE access_events SET door_closed_at = NOW()
		WHERE id = (
			SELECT e.id FROM access_events e
			JOIN doors d ON d.id = e.door_id
			WHERE e.badge_uid = $1 AND d.device_id = $2
			  AND e.door_opened = TRUE AND e.door_closed_at IS NULL
			ORDER BY e.created_at DESC
			LIMIT 1
		)
	`, badgeUID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to mark door closed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}
