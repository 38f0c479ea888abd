package store

import (
	"context"
	"fmt"

	"homehub/auth"
	"homehub/internal/models"
)

// Seed describes rooms and devices to provision at startup. Secrets are
// given in clear and hashed before they are stored.
type Seed struct {
	Rooms   []SeedRoom   `mapstructure:"rooms"`
	Devices []SeedDevice `mapstructure:"devices"`
}

type SeedRoom struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	OwnerID  string `mapstructure:"owner_id"`
	Password string `mapstructure:"password"`
}

type SeedDevice struct {
	ID              string          `mapstructure:"id"`
	Name            string          `mapstructure:"name"`
	Type            string          `mapstructure:"type"`
	Status          string          `mapstructure:"status"`
	RoomID          string          `mapstructure:"room_id"`
	OwnerID         string          `mapstructure:"owner_id"`
	AccessList      []string        `mapstructure:"access_list"`
	Capabilities    map[string]bool `mapstructure:"capabilities"`
	Order           int             `mapstructure:"order"`
	Inactive        bool            `mapstructure:"inactive"`
	ComponentNumber string          `mapstructure:"component_number"`
}

type Seeder interface {
	SeedRoom(ctx context.Context, r models.Room) error
	SeedDevice(ctx context.Context, d models.Device) error
}

// ApplySeed writes rooms before devices so device rows can reference them.
func ApplySeed(ctx context.Context, s Seeder, seed *Seed) error {
	for _, r := range seed.Rooms {
		room := models.Room{ID: r.ID, Name: r.Name, OwnerID: r.OwnerID}
		if r.Password != "" {
			hash, err := auth.HashSecret(r.Password)
			if err != nil {
				return fmt.Errorf("hash password of room %s: %w", r.ID, err)
			}
			room.PasswordHash = hash
		}
		if err := s.SeedRoom(ctx, room); err != nil {
			return fmt.Errorf("seed room %s: %w", r.ID, err)
		}
	}
	for _, d := range seed.Devices {
		if d.Order < 0 || d.Order > 6 {
			return fmt.Errorf("seed device %s: order %d out of range", d.ID, d.Order)
		}
		dev := models.Device{
			ID:           d.ID,
			Name:         d.Name,
			Type:         d.Type,
			Status:       d.Status,
			RoomID:       d.RoomID,
			OwnerID:      d.OwnerID,
			AccessList:   d.AccessList,
			Capabilities: d.Capabilities,
			Order:        d.Order,
			Active:       !d.Inactive,
		}
		if dev.Status == "" {
			dev.Status = "off"
		}
		if d.ComponentNumber != "" {
			hash, err := auth.HashSecret(d.ComponentNumber)
			if err != nil {
				return fmt.Errorf("hash component number of device %s: %w", d.ID, err)
			}
			dev.ComponentHash = hash
		}
		if err := s.SeedDevice(ctx, dev); err != nil {
			return fmt.Errorf("seed device %s: %w", d.ID, err)
		}
	}
	return nil
}
