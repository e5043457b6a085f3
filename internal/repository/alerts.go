package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/portcullis-systems/portcullis/internal/models"
)

// CreateAlert persists an alert. Metadata is stored as JSONB.
func (p *Postgres) CreateAlert(ctx context.Context, a *models.Alert) error {
	var metadata []byte
	if a.Metadata != nil {
		var err error
		metadata, err = json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal alert metadata: %w", err)
		}
	}

	query := `
		INSERT INTO alerts (id, type, severity, message, door_id, badge_uid, metadata, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		RETURNING created_at
	`

	err := p.db.QueryRow(ctx, query,
		a.ID, string(a.Type), a.Severity, a.Message, a.DoorID, nullIfEmpty(a.BadgeUID), metadata,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// ListAlerts returns a filtered, paginated alert listing ordered by severity
// then recency, unread first.
func (p *Postgres) ListAlerts(ctx context.Context, req *models.ListAlertsRequest) ([]models.Alert, int, error) {
	whereClause := "WHERE 1=1"
	args := []any{}
	argPos := 1

	if req.UnreadOnly {
		whereClause += " AND is_read = FALSE"
	}
	if req.Type != "" {
		whereClause += fmt.Sprintf(" AND type = $%d", argPos)
		args = append(args, req.Type)
		argPos++
	}
	if req.Severity != "" {
		whereClause += fmt.Sprintf(" AND severity = $%d", argPos)
		args = append(args, req.Severity)
		argPos++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM alerts " + whereClause
	if err := p.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, type, severity, message, door_id, COALESCE(badge_uid, ''), metadata, is_read, created_at
		FROM alerts
		%s
		ORDER BY is_read ASC,
			CASE severity
				WHEN 'critical' THEN 1
				WHEN 'high' THEN 2
				WHEN 'medium' THEN 3
				WHEN 'low' THEN 4
				ELSE 5
			END,
			created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argPos, argPos+1)
	args = append(args, req.Limit, (req.Page-1)*req.Limit)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a        models.Alert
			metadata []byte
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Message, &a.DoorID, &a.BadgeUID, &metadata, &a.IsRead, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal alert metadata: %w", err)
			}
		}
		alerts = append(alerts, a)
	}

	return alerts, total, rows.Err()
}

// MarkAlertRead is the only mutation the alert log permits.
func (p *Postgres) MarkAlertRead(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `UPDATE alerts SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// AlertStats aggregates alerts by type and severity over the trailing
// window.
func (p *Postgres) AlertStats(ctx context.Context, days int) ([]models.AlertStat, error) {
	if days <= 0 {
		days = 7
	}

	rows, err := p.db.Query(ctx, `
		SELECT type, severity, COUNT(*),
		       COUNT(*) FILTER (WHERE is_read = FALSE)
		FROM alerts
		WHERE created_at >= NOW() - make_interval(days => $1)
		GROUP BY type, severity
		ORDER BY COUNT(*) DESC
	`, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AlertStat
	for rows.Next() {
		var s models.AlertStat
		if err := rows.Scan(&s.Type, &s.Severity, &s.Count, &s.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan alert stat: %w", err)
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
