package models

import "time"

// Door is a registered door controller. DeviceID is the identifier the
// controller presents on the wire (burned into firmware); SessionKey is the
// current session secret established by the last successful handshake, empty
// when no session exists.
type Door struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Location        string     `json:"location,omitempty"`
	DeviceID        string     `json:"device_id"`
	Address         string     `json:"address,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	IsActive        bool       `json:"is_active"`
	IsOnline        bool       `json:"is_online"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	SessionKey      string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
}

// DoorStatus is one row of the door status history, appended on every
// online/offline transition.
type DoorStatus struct {
	ID              int64     `json:"id"`
	DoorID          int64     `json:"door_id"`
	Status          string    `json:"status"` // "online" or "offline"
	Address         string    `json:"address,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// DoorStats summarises the door fleet for the admin status endpoint.
type DoorStats struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Offline  int `json:"offline"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}
