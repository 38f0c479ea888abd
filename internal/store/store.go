// Package store declares the repositories the hub core depends on.
package store

import (
	"context"
	"errors"
	"time"

	"homehub/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOrderTaken reports that another active device already holds the slot.
	ErrOrderTaken = errors.New("order already taken in room")
)

type TaskRepository interface {
	FindTask(ctx context.Context, id string) (*models.Task, error)
	SaveTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasksByOwner(ctx context.Context, ownerID string) ([]models.Task, error)
	// FindActiveTasksBefore returns active tasks with nextExecution <= t.
	FindActiveTasksBefore(ctx context.Context, t time.Time) ([]models.Task, error)
	// FindActiveTasksAfter returns active tasks with nextExecution > t.
	FindActiveTasksAfter(ctx context.Context, t time.Time) ([]models.Task, error)
}

type DeviceRepository interface {
	FindDevice(ctx context.Context, id string) (*models.Device, error)
	UpdateDeviceStatus(ctx context.Context, id, status string, at time.Time) error
	UpdateDeviceOrder(ctx context.Context, id string, order int) error
	FindActiveDeviceByOrder(ctx context.Context, roomID string, order int) (*models.Device, error)
	ListRoomDevices(ctx context.Context, roomID string) ([]models.Device, error)
}

type RoomRepository interface {
	FindRoom(ctx context.Context, id string) (*models.Room, error)
	SetRoomConnected(ctx context.Context, id string, connected bool) error
}

// Repository bundles every store the hub needs.
type Repository interface {
	TaskRepository
	DeviceRepository
	RoomRepository
}
