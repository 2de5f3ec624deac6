package models

import "time"

// DefaultDisplayName is used when a new device reports no name of its own
const DefaultDisplayName = "Unknown Sensor"

// DeviceIdentity maps a device identifier to a room/display assignment.
// A nil UnassignedAt means the assignment is active.
type DeviceIdentity struct {
	ID           int64      `db:"id" json:"id"`
	DeviceID     string     `db:"device_id" json:"device_id"`
	DisplayName  string     `db:"display_name" json:"display_name"`
	RoomName     *string    `db:"room_name" json:"room_name"`
	AssignedAt   time.Time  `db:"assigned_at" json:"assigned_at"`
	UnassignedAt *time.Time `db:"unassigned_at" json:"unassigned_at"`
}

// IsActive reports whether the assignment is current
func (d *DeviceIdentity) IsActive() bool {
	return d.UnassignedAt == nil
}
