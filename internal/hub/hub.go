// Package hub is the single entry point for device state changes. Every
// accepted change is normalized, persisted, cached and fanned out to the
// device channel, subscribed user channels, the room channel and the broker.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"homehub/internal/channels"
	"homehub/internal/metrics"
	"homehub/internal/models"
	"homehub/internal/state"
	"homehub/internal/store"
)

var (
	// ErrForbidden is returned when the actor may not control the device.
	ErrForbidden = errors.New("actor is not allowed to control this device")
	// ErrInvalidState wraps values the normalizer rejects.
	ErrInvalidState = errors.New("invalid device state")
)

// Fan-out destinations, used as log fields and metric labels.
const (
	DestinationDevice   = "device"
	DestinationUser     = "user"
	DestinationRoom     = "room"
	DestinationBroker   = "broker"
	DestinationListener = "listener"
)

// Emitter pushes named events to keyed channel groups.
type Emitter interface {
	Emit(group channels.Group, key, event string, payload any) error
}

// Publisher publishes the retained per-device state topic.
type Publisher interface {
	PublishState(ctx context.Context, u models.StateUpdate) error
}

// Cache keeps the last canonical state per device.
type Cache interface {
	Store(ctx context.Context, u models.StateUpdate) error
	Load(ctx context.Context, deviceID string) (models.StateUpdate, bool, error)
	Forget(ctx context.Context, deviceID string) error
}

// Listener observes accepted updates after they are persisted.
type Listener func(ctx context.Context, u models.StateUpdate)

type Hub struct {
	devices   store.DeviceRepository
	cache     Cache
	emitter   Emitter
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a hub. cache and publisher may be nil when redis or the broker
// are not configured.
func New(devices store.DeviceRepository, cache Cache, emitter Emitter, publisher Publisher, logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		devices:   devices,
		cache:     cache,
		emitter:   emitter,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

func (h *Hub) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// ApplyStateChange normalizes proposed, checks that actorID may control the
// device, persists the canonical state and fans the update out. Concurrent
// changes to one device are not serialized; the last persisted write wins
// and every update carries its timestamp.
func (h *Hub) ApplyStateChange(ctx context.Context, deviceID string, proposed any, origin models.Origin, actorID string) (models.StateUpdate, error) {
	canonical, err := state.Normalize(proposed)
	if err != nil {
		return models.StateUpdate{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	device, err := h.devices.FindDevice(ctx, deviceID)
	if err != nil {
		return models.StateUpdate{}, fmt.Errorf("device %s: %w", deviceID, err)
	}
	if err := authorize(device, origin, actorID); err != nil {
		return models.StateUpdate{}, err
	}

	now := h.now().UTC()
	if err := h.devices.UpdateDeviceStatus(ctx, deviceID, canonical, now); err != nil {
		return models.StateUpdate{}, fmt.Errorf("persist state of %s: %w", deviceID, err)
	}

	u := models.StateUpdate{
		DeviceID:  device.ID,
		RoomID:    device.RoomID,
		Order:     device.Order,
		State:     canonical,
		Origin:    origin,
		ActorID:   actorID,
		Timestamp: now,
	}
	if h.cache != nil {
		if err := h.cache.Store(ctx, u); err != nil {
			h.logger.Warn("state cache write failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	h.metrics.StateChanged(string(origin))
	h.logger.Info("state changed",
		zap.String("device_id", deviceID),
		zap.String("state", canonical),
		zap.String("origin", string(origin)),
		zap.String("actor_id", actorID))

	h.fanOut(ctx, u)
	return u, nil
}

// authorize lets hardware origins through: those callers authenticated the
// hardware credential or room before reaching the hub.
func authorize(d *models.Device, origin models.Origin, actorID string) error {
	switch origin {
	case models.OriginUser, models.OriginAssistant, models.OriginScheduler:
		if !d.CanBeControlledBy(actorID) {
			return ErrForbidden
		}
	}
	return nil
}

func (h *Hub) fanOut(ctx context.Context, u models.StateUpdate) {
	var wg sync.WaitGroup
	deliver := func(dest string, send func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					h.deliveryFailed(dest, u, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := send(); err != nil {
				h.deliveryFailed(dest, u, err)
			}
		}()
	}

	deliver(DestinationDevice, func() error {
		return h.emitter.Emit(channels.GroupDevice, u.DeviceID, channels.EventStateUpdate, u)
	})
	deliver(DestinationUser, func() error {
		return h.emitter.Emit(channels.GroupUser, u.DeviceID, channels.EventStateUpdated, u)
	})
	if u.RoomID != "" {
		deliver(DestinationRoom, func() error {
			return h.emitter.Emit(channels.GroupUserRoom, u.RoomID, channels.EventRoomDevicesUpdated, u)
		})
	}
	if h.publisher != nil {
		deliver(DestinationBroker, func() error {
			return h.publisher.PublishState(ctx, u)
		})
	}

	h.mu.RLock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		deliver(DestinationListener, func() error {
			l(ctx, u)
			return nil
		})
	}
	wg.Wait()
}

func (h *Hub) deliveryFailed(dest string, u models.StateUpdate, err error) {
	h.metrics.FanoutFailed(dest)
	h.logger.Warn("state update delivery failed",
		zap.String("destination", dest),
		zap.String("device_id", u.DeviceID),
		zap.Error(err))
}

// CurrentState returns the cached canonical state, falling back to the
// device record.
func (h *Hub) CurrentState(ctx context.Context, deviceID string) (string, error) {
	if h.cache != nil {
		u, ok, err := h.cache.Load(ctx, deviceID)
		if err != nil {
			h.logger.Debug("state cache read failed", zap.String("device_id", deviceID), zap.Error(err))
		} else if ok {
			return u.State, nil
		}
	}
	d, err := h.devices.FindDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return d.Status, nil
}

// QueryState returns the current state of a device the actor may control.
func (h *Hub) QueryState(ctx context.Context, deviceID, actorID string) (models.StateUpdate, error) {
	d, err := h.devices.FindDevice(ctx, deviceID)
	if err != nil {
		return models.StateUpdate{}, fmt.Errorf("device %s: %w", deviceID, err)
	}
	if !d.CanBeControlledBy(actorID) {
		return models.StateUpdate{}, ErrForbidden
	}
	u := models.StateUpdate{
		DeviceID:  d.ID,
		RoomID:    d.RoomID,
		Order:     d.Order,
		State:     d.Status,
		Timestamp: d.UpdatedAt,
	}
	if h.cache == nil {
		return u, nil
	}
	cached, ok, err := h.cache.Load(ctx, deviceID)
	switch {
	case err != nil || !ok:
	case cached.Timestamp.Before(d.UpdatedAt):
		// the record was written without passing through the hub
		if err := h.cache.Forget(ctx, deviceID); err != nil {
			h.logger.Debug("stale state cache entry kept", zap.String("device_id", deviceID), zap.Error(err))
		}
	default:
		u.State, u.Origin, u.ActorID, u.Timestamp = cached.State, cached.Origin, cached.ActorID, cached.Timestamp
	}
	return u, nil
}
