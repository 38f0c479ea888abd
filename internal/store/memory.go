package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"homehub/internal/models"
)

// Memory is an in-process Repository used for development and tests.
type Memory struct {
	mu      sync.RWMutex
	tasks   map[string]models.Task
	devices map[string]models.Device
	rooms   map[string]models.Room
}

func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]models.Task),
		devices: make(map[string]models.Device),
		rooms:   make(map[string]models.Room),
	}
}

// PutDevice inserts or replaces a device record.
func (m *Memory) PutDevice(d models.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.AccessList = slices.Clone(d.AccessList)
	m.devices[d.ID] = d
}

// PutRoom inserts or replaces a room record.
func (m *Memory) PutRoom(r models.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = r
}

func (m *Memory) FindTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := t.Clone()
	return &c, nil
}

func (m *Memory) SaveTask(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) ListTasksByOwner(ctx context.Context, ownerID string) ([]models.Task, error) {
	return m.filterTasks(func(t models.Task) bool { return t.OwnerID == ownerID }), nil
}

func (m *Memory) FindActiveTasksBefore(ctx context.Context, at time.Time) ([]models.Task, error) {
	return m.filterTasks(func(t models.Task) bool {
		return t.Status == models.TaskActive && t.NextExecution != nil && !t.NextExecution.After(at)
	}), nil
}

func (m *Memory) FindActiveTasksAfter(ctx context.Context, at time.Time) ([]models.Task, error) {
	return m.filterTasks(func(t models.Task) bool {
		return t.Status == models.TaskActive && t.NextExecution != nil && t.NextExecution.After(at)
	}), nil
}

func (m *Memory) filterTasks(keep func(models.Task) bool) []models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) FindDevice(ctx context.Context, id string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.AccessList = slices.Clone(d.AccessList)
	return &d, nil
}

func (m *Memory) UpdateDeviceStatus(ctx context.Context, id, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = at
	m.devices[id] = d
	return nil
}

func (m *Memory) UpdateDeviceOrder(ctx context.Context, id string, order int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.Active && order != 0 {
		for _, other := range m.devices {
			if other.ID != id && other.Active && other.RoomID == d.RoomID && other.Order == order {
				return ErrOrderTaken
			}
		}
	}
	d.Order = order
	m.devices[id] = d
	return nil
}

func (m *Memory) FindActiveDeviceByOrder(ctx context.Context, roomID string, order int) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.Active && d.RoomID == roomID && d.Order == order {
			d.AccessList = slices.Clone(d.AccessList)
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListRoomDevices(ctx context.Context, roomID string) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Device
	for _, d := range m.devices {
		if d.RoomID == roomID {
			d.AccessList = slices.Clone(d.AccessList)
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindRoom(ctx context.Context, id string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) SetRoomConnected(ctx context.Context, id string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	r.ESPConnected = connected
	m.rooms[id] = r
	return nil
}

var _ Repository = (*Memory)(nil)

func (m *Memory) SeedRoom(ctx context.Context, r models.Room) error {
	m.PutRoom(r)
	return nil
}

func (m *Memory) SeedDevice(ctx context.Context, d models.Device) error {
	m.PutDevice(d)
	return nil
}
