package models

import (
	"slices"
	"time"
)

// Origin tags where a device state change came from.
type Origin string

const (
	OriginUser            Origin = "user"
	OriginScheduler       Origin = "scheduler"
	OriginHardware        Origin = "hardware"
	OriginHardwareCompact Origin = "hardware-compact"
	OriginAssistant       Origin = "assistant"
)

// Device represents a controllable unit inside a room
type Device struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	RoomID       string          `json:"roomId"`
	OwnerID      string          `json:"ownerId"`
	AccessList   []string        `json:"accessList"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	// Order is the hardware slot (1-6); zero means unassigned.
	Order         int       `json:"order,omitempty"`
	Active        bool      `json:"active"`
	ComponentHash string    `json:"-"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CanBeControlledBy reports whether the user owns the device or is on its access list.
func (d *Device) CanBeControlledBy(userID string) bool {
	if userID == "" {
		return false
	}
	return d.OwnerID == userID || slices.Contains(d.AccessList, userID)
}

// Room groups devices and carries the hardware bridge connectivity flag
type Room struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OwnerID      string `json:"ownerId"`
	PasswordHash string `json:"-"`
	ESPConnected bool   `json:"espComponentConnected"`
}

// StateUpdate is the notification fanned out for every accepted state change
type StateUpdate struct {
	DeviceID  string    `json:"deviceId"`
	RoomID    string    `json:"roomId,omitempty"`
	Order     int       `json:"order,omitempty"`
	State     string    `json:"state"`
	Origin    Origin    `json:"origin"`
	ActorID   string    `json:"actorId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
