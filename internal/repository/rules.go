package repository

import (
	"context"
	"fmt"

	"github.com/portcullis-systems/portcullis/internal/models"
)

// resolveRulesQuery is the prioritized rule lookup. Each branch covers one
// subject/target shape; the priority column fixes the "first matching rule
// wins" order: individual badge, then user group, then badge group, then any
// rule targeting the door through a door group.
const resolveRulesQuery = `
SELECT * FROM (
	SELECT 1 AS priority, 'individual_badge' AS rule_type, '' AS group_name,
	       r.id, b.id, b.badge_uid, b.encryption_key, b.is_active, b.expires_at,
	       u.id, u.first_name || ' ' || u.last_name, u.is_active,
	       d.id, d.name, d.is_active,
	       r.is_active, r.start_time::text, r.end_time::text, r.weekdays,
	       r.valid_from, r.valid_until
	FROM access_rules r
	JOIN badges b ON b.id = r.badge_id
	JOIN users u ON u.id = b.user_id
	JOIN doors d ON d.id = r.door_id
	WHERE b.badge_uid = $1 AND d.device_id = $2

	UNION ALL

	SELECT 2, 'user_group', g.name,
	       r.id, b.id, b.badge_uid, b.encryption_key, b.is_active, b.expires_at,
	       u.id, u.first_name || ' ' || u.last_name, u.is_active,
	       d.id, d.name, d.is_active,
	       r.is_active, r.start_time::text, r.end_time::text, r.weekdays,
	       r.valid_from, r.valid_until
	FROM access_rules r
	JOIN user_groups g ON g.id = r.user_group_id
	JOIN user_group_members m ON m.group_id = g.id
	JOIN users u ON u.id = m.user_id
	JOIN badges b ON b.user_id = u.id
	JOIN doors d ON d.id = r.door_id
	WHERE b.badge_uid = $1 AND d.device_id = $2

	UNION ALL

	SELECT 3, 'badge_group', g.name,
	       r.id, b.id, b.badge_uid, b.encryption_key, b.is_active, b.expires_at,
	       u.id, u.first_name || ' ' || u.last_name, u.is_active,
	       d.id, d.name, d.is_active,
	       r.is_active, r.start_time::text, r.end_time::text, r.weekdays,
	       r.valid_from, r.valid_until
	FROM access_rules r
	JOIN badge_groups g ON g.id = r.badge_group_id
	JOIN badge_group_members m ON m.group_id = g.id
	JOIN badges b ON b.id = m.badge_id
	JOIN users u ON u.id = b.user_id
	JOIN doors d ON d.id = r.door_id
	WHERE b.badge_uid = $1 AND d.device_id = $2

	UNION ALL

	SELECT 4, 'door_group', g.name,
	       r.id, b.id, b.badge_uid, b.encryption_key, b.is_active, b.expires_at,
	       u.id, u.first_name || ' ' || u.last_name, u.is_active,
	       d.id, d.name, d.is_active,
	       r.is_active, r.start_time::text, r.end_time::text, r.weekdays,
	       r.valid_from, r.valid_until
	FROM access_rules r
	JOIN door_groups g ON g.id = r.door_group_id
	JOIN door_group_members dm ON dm.group_id = g.id
	JOIN doors d ON d.id = dm.door_id
	JOIN badges b ON b.badge_uid = $1
	JOIN users u ON u.id = b.user_id
	WHERE d.device_id = $2 AND (
		r.badge_id = b.id
		OR r.user_group_id IN (SELECT group_id FROM user_group_members WHERE user_id = u.id)
		OR r.badge_group_id IN (SELECT group_id FROM badge_group_members WHERE badge_id = b.id)
	)
) AS resolved (priority, rule_type, group_name, rule_id, badge_id, badge_uid,
               encryption_key, badge_active, badge_expires, user_id, user_name,
               user_active, door_id, door_name, door_active, rule_active,
               start_time, end_time, weekdays, valid_from, valid_until)
ORDER BY priority, rule_id
`

// ResolveRules returns every rule binding the badge to the door in priority
// order. The evaluator walks the slice and the first rule that survives all
// checks grants.
func (p *Postgres) ResolveRules(ctx context.Context, badgeUID, deviceID string) ([]models.ResolvedRule, error) {
	rows, err := p.db.Query(ctx, resolveRulesQuery, badgeUID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access rules: %w", err)
	}
	defer rows.Close()

	var rules []models.ResolvedRule
	for rows.Next() {
		var (
			r        models.ResolvedRule
			priority int
			ruleType string
		)
		if err := rows.Scan(
			&priority, &ruleType, &r.GroupName,
			&r.RuleID, &r.BadgeID, &r.BadgeUID, &r.EncryptionKey, &r.BadgeActive, &r.BadgeExpires,
			&r.UserID, &r.UserName, &r.UserActive,
			&r.DoorID, &r.DoorName, &r.DoorActive,
			&r.RuleActive, &r.StartTime, &r.EndTime, &r.Weekdays,
			&r.ValidFrom, &r.ValidUntil,
		); err != nil {
			return nil, fmt.Errorf("failed to scan resolved rule: %w", err)
		}
		r.RuleType = models.RuleType(ruleType)
		rules = append(rules, r)
	}

	return rules, rows.Err()
}
