package models

import "time"

// Badge is a physical credential presented at a door controller. The
// encryption key is a per-badge secret the controller reads from the tag and
// presents alongside the UID; a mismatch against the stored key is treated as
// a cloning signal.
type Badge struct {
	ID            int64      `json:"id"`
	UID           string     `json:"badge_uid"`
	EncryptionKey string     `json:"-"`
	UserID        int64      `json:"user_id"`
	UserName      string     `json:"user_name,omitempty"`
	IsActive      bool       `json:"is_active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Expired reports whether the badge has an expiry in the past relative to now.
func (b *Badge) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}
