package models

import (
	"strconv"
	"strings"
	"time"
)

// RuleType identifies which subject/target shape a matched access rule binds.
// A rule references exactly one subject (badge, badge group, or user group)
// and one target (door or door group); group membership and individual
// rights are mutually exclusive by construction at rule creation.
type RuleType string

const (
	RuleIndividualBadge RuleType = "individual_badge"
	RuleUserGroup       RuleType = "user_group"
	RuleBadgeGroup      RuleType = "badge_group"
	RuleDoorGroup       RuleType = "door_group"
)

// ResolvedRule is one row of the prioritized rule lookup: an access rule
// already joined against the presenting badge and the target door, carrying
// everything the evaluator needs to decide without further round trips.
type ResolvedRule struct {
	RuleID     int64
	RuleType   RuleType
	GroupName  string // populated for the three group shapes

	BadgeID       int64
	BadgeUID      string
	EncryptionKey string
	BadgeActive   bool
	BadgeExpires  *time.Time

	UserID     int64
	UserName   string
	UserActive bool

	DoorID     int64
	DoorName   string
	DoorActive bool

	RuleActive bool
	StartTime  string // "HH:MM:SS", inclusive
	EndTime    string // "HH:MM:SS", inclusive
	Weekdays   string // comma-separated ISO day numbers, Monday=1
	ValidFrom  time.Time
	ValidUntil *time.Time
}

// AllowsDay reports whether the rule's weekday mask includes the given ISO
// day number (Monday=1, Sunday=7).
func (r *ResolvedRule) AllowsDay(isoDay int) bool {
	for _, part := range strings.Split(r.Weekdays, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if d == isoDay {
			return true
		}
	}
	return false
}
