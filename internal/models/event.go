package models

import "time"

// AccessEvent is one evaluation outcome appended to the access log. Rows are
// immutable once written except for the door-opened/door-closed confirmation
// fields, which the controller reports after actuating the lock.
type AccessEvent struct {
	ID           int64      `json:"id"`
	BadgeID      *int64     `json:"badge_id,omitempty"`
	DoorID       *int64     `json:"door_id,omitempty"`
	BadgeUID     string     `json:"badge_uid"`
	UserName     string     `json:"user_name,omitempty"`
	Granted      bool       `json:"access_granted"`
	Reason       string     `json:"reason"`
	DoorOpened   bool       `json:"door_opened"`
	DoorClosedAt *time.Time `json:"door_closed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
