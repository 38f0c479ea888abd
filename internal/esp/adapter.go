// Package esp speaks the compact protocol of room-level hardware bridges.
package esp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homehub/auth"
	"homehub/internal/channels"
	"homehub/internal/hub"
	"homehub/internal/metrics"
	"homehub/internal/models"
	"homehub/internal/state"
	"homehub/internal/store"
)

var (
	ErrBadRoomPassword = errors.New("room password rejected")
	ErrRoomNotFound    = errors.New("room not found")
	ErrInvalidOrder    = fmt.Errorf("order must be between 0 and %d", MaxOrder)
)

// SlotConflictError names the active device already holding a slot.
type SlotConflictError struct {
	RoomID     string `json:"roomId"`
	Order      int    `json:"order"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("order %d in room %s is taken by %s (%s)", e.Order, e.RoomID, e.DeviceName, e.DeviceID)
}

// StateApplier is the synchronization hub as seen by hardware.
type StateApplier interface {
	ApplyStateChange(ctx context.Context, deviceID string, proposed any, origin models.Origin, actorID string) (models.StateUpdate, error)
}

type Emitter interface {
	Emit(group channels.Group, key, event string, payload any) error
}

// Publisher reaches hardware subscribed on the broker.
type Publisher interface {
	PublishRoomState(roomID string, u models.StateUpdate) error
	PublishRoomCompact(roomID, code string) error
	PublishRoomConnection(roomID string, connected bool) error
	PublishRoomBulk(roomID string, roster any) error
}

// DeviceSlot is one roster entry handed to hardware after authentication.
type DeviceSlot struct {
	Order        int    `json:"order"`
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	CurrentState string `json:"currentState"`
}

type AuthResult struct {
	Success          bool         `json:"success"`
	SessionID        string       `json:"sessionId,omitempty"`
	RoomID           string       `json:"roomId,omitempty"`
	AvailableDevices []DeviceSlot `json:"availableDevices,omitempty"`
	Error            string       `json:"error,omitempty"`
}

type Adapter struct {
	devices   store.DeviceRepository
	rooms     store.RoomRepository
	hub       StateApplier
	emitter   Emitter
	publisher Publisher
	sessions  *sessionTable
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	flagsMu sync.Mutex
	flags   map[string]*roomFlag
}

// roomFlag is the last connectivity written for a room. Its lock is held
// while the flag is recomputed, persisted and broadcast.
type roomFlag struct {
	mu        sync.Mutex
	known     bool
	connected bool
}

// NewAdapter creates the adapter; publisher may be nil without a broker.
func NewAdapter(devices store.DeviceRepository, rooms store.RoomRepository, h StateApplier, emitter Emitter, publisher Publisher, logger *zap.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{
		devices:   devices,
		rooms:     rooms,
		hub:       h,
		emitter:   emitter,
		publisher: publisher,
		sessions:  newSessionTable(),
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		flags:     make(map[string]*roomFlag),
	}
}

// NewSessionID returns an id for a connection that has none of its own.
func NewSessionID(transport string) string {
	return transport + ":" + uuid.NewString()
}

// Authenticate binds sessionID to roomID once the room password matches,
// and returns the room roster. Rooms without a password accept any caller.
func (a *Adapter) Authenticate(ctx context.Context, sessionID, espID, roomID, password, transport string) (AuthResult, error) {
	room, err := a.rooms.FindRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return AuthResult{Error: ErrRoomNotFound.Error()}, ErrRoomNotFound
	}
	if err != nil {
		return AuthResult{}, fmt.Errorf("room %s: %w", roomID, err)
	}
	if room.PasswordHash != "" {
		if err := auth.CompareSecret(room.PasswordHash, password); err != nil {
			a.logger.Warn("hardware authentication rejected",
				zap.String("session_id", sessionID),
				zap.String("room_id", roomID))
			return AuthResult{Error: ErrBadRoomPassword.Error()}, ErrBadRoomPassword
		}
	}

	roster, err := a.Roster(ctx, roomID)
	if err != nil {
		return AuthResult{}, err
	}

	vacated := a.sessions.bind(Session{
		ID:          sessionID,
		ESPID:       espID,
		RoomID:      roomID,
		Transport:   transport,
		ConnectedAt: a.now().UTC(),
	})
	a.metrics.SetESPSessions(a.sessions.len())
	a.logger.Info("hardware session bound",
		zap.String("session_id", sessionID),
		zap.String("esp_id", espID),
		zap.String("room_id", roomID),
		zap.String("transport", transport))
	if vacated != "" {
		a.syncConnected(ctx, vacated)
	}
	a.syncConnected(ctx, roomID)

	return AuthResult{
		Success:          true,
		SessionID:        sessionID,
		RoomID:           roomID,
		AvailableDevices: roster,
	}, nil
}

// Roster lists the active devices of a room that hold a slot, by order.
func (a *Adapter) Roster(ctx context.Context, roomID string) ([]DeviceSlot, error) {
	devices, err := a.devices.ListRoomDevices(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list devices of room %s: %w", roomID, err)
	}
	roster := make([]DeviceSlot, 0, len(devices))
	for _, d := range devices {
		if !d.Active || d.Order < 1 || d.Order > MaxOrder {
			continue
		}
		roster = append(roster, DeviceSlot{
			Order:        d.Order,
			DeviceID:     d.ID,
			DeviceName:   d.Name,
			CurrentState: d.Status,
		})
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].Order < roster[j].Order })
	return roster, nil
}

// HandleCompact applies a compact code reported by an authenticated session.
// Malformed codes and unknown slots come back as *ProtocolError and leave
// every device untouched.
func (a *Adapter) HandleCompact(ctx context.Context, sessionID, code string) (models.StateUpdate, error) {
	sess, ok := a.sessions.get(sessionID)
	if !ok {
		return models.StateUpdate{}, &ProtocolError{Code: CodeNotAuthenticated, Message: "authenticate with a room before sending state"}
	}
	order, on, err := Decode(code)
	if err != nil {
		a.logger.Warn("compact code rejected",
			zap.String("session_id", sessionID),
			zap.String("code", code),
			zap.Error(err))
		return models.StateUpdate{}, err
	}
	device, err := a.devices.FindActiveDeviceByOrder(ctx, sess.RoomID, order)
	if errors.Is(err, store.ErrNotFound) {
		return models.StateUpdate{}, &ProtocolError{Code: CodeUnknownSlot, Message: fmt.Sprintf("no active device at order %d in room %s", order, sess.RoomID)}
	}
	if err != nil {
		return models.StateUpdate{}, err
	}
	return a.hub.ApplyStateChange(ctx, device.ID, on, models.OriginHardwareCompact, sess.ESPID)
}

// Disconnect ends a session. The room's connected flag is recomputed and
// broadcast only when the room loses its last session.
func (a *Adapter) Disconnect(ctx context.Context, sessionID string) {
	sess, remaining, ok := a.sessions.unbind(sessionID)
	if !ok {
		return
	}
	a.metrics.SetESPSessions(a.sessions.len())
	a.logger.Info("hardware session ended",
		zap.String("session_id", sessionID),
		zap.String("room_id", sess.RoomID),
		zap.Int("remaining", remaining))
	a.syncConnected(ctx, sess.RoomID)
}

// Connected reports whether any session is bound to the room.
func (a *Adapter) Connected(roomID string) bool {
	return a.sessions.roomCount(roomID) > 0
}

func (a *Adapter) Session(sessionID string) (Session, bool) {
	return a.sessions.get(sessionID)
}

// syncConnected recomputes the room's connected flag from the session table
// and writes it when it changed. Concurrent binds and unbinds of one room
// are serialized here, so the last write always matches the table.
func (a *Adapter) syncConnected(ctx context.Context, roomID string) {
	a.flagsMu.Lock()
	f, ok := a.flags[roomID]
	if !ok {
		f = &roomFlag{}
		a.flags[roomID] = f
	}
	a.flagsMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	connected := a.sessions.roomCount(roomID) > 0
	if f.known && f.connected == connected {
		return
	}
	f.known, f.connected = true, connected
	a.setConnected(ctx, roomID, connected)
}

func (a *Adapter) setConnected(ctx context.Context, roomID string, connected bool) {
	if err := a.rooms.SetRoomConnected(ctx, roomID, connected); err != nil {
		a.logger.Error("failed to persist room connectivity", zap.String("room_id", roomID), zap.Error(err))
	}
	payload := map[string]any{"roomId": roomID, "connected": connected}
	if err := a.emitter.Emit(channels.GroupUserRoom, roomID, channels.EventESPConnection, payload); err != nil {
		a.logger.Warn("connectivity broadcast failed", zap.String("room_id", roomID), zap.Error(err))
	}
	if a.publisher != nil {
		if err := a.publisher.PublishRoomConnection(roomID, connected); err != nil {
			a.logger.Warn("connectivity publish failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// AssignOrder moves a device to a slot; order 0 clears its slot. A slot held
// by another active device of the same room yields *SlotConflictError.
func (a *Adapter) AssignOrder(ctx context.Context, actorID, deviceID string, order int) (*models.Device, error) {
	if order < 0 || order > MaxOrder {
		return nil, ErrInvalidOrder
	}
	device, err := a.devices.FindDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	if !device.CanBeControlledBy(actorID) {
		return nil, hub.ErrForbidden
	}
	if order != 0 && device.Active {
		if err := a.checkSlot(ctx, device, order); err != nil {
			return nil, err
		}
	}
	if err := a.devices.UpdateDeviceOrder(ctx, deviceID, order); err != nil {
		if errors.Is(err, store.ErrOrderTaken) {
			if cerr := a.checkSlot(ctx, device, order); cerr != nil {
				return nil, cerr
			}
		}
		return nil, fmt.Errorf("assign order to %s: %w", deviceID, err)
	}
	device.Order = order
	a.logger.Info("device slot assigned",
		zap.String("device_id", deviceID),
		zap.String("room_id", device.RoomID),
		zap.Int("order", order))
	a.rosterChanged(ctx, device.RoomID)
	return device, nil
}

func (a *Adapter) checkSlot(ctx context.Context, device *models.Device, order int) error {
	holder, err := a.devices.FindActiveDeviceByOrder(ctx, device.RoomID, order)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.ID == device.ID {
		return nil
	}
	return &SlotConflictError{
		RoomID:     device.RoomID,
		Order:      order,
		DeviceID:   holder.ID,
		DeviceName: holder.Name,
	}
}

func (a *Adapter) rosterChanged(ctx context.Context, roomID string) {
	roster, err := a.Roster(ctx, roomID)
	if err != nil {
		a.logger.Warn("roster reload failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	for _, g := range []channels.Group{channels.GroupUserRoom, channels.GroupESPRoom} {
		if err := a.emitter.Emit(g, roomID, channels.EventRoomDevicesUpdated, roster); err != nil {
			a.logger.Warn("roster broadcast failed", zap.String("group", string(g)), zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.PublishRoomBulk(roomID, roster); err != nil {
			a.logger.Warn("roster publish failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// OnStateUpdate re-encodes changes made by other origins for the room's
// hardware. Register it as a hub listener.
func (a *Adapter) OnStateUpdate(ctx context.Context, u models.StateUpdate) {
	if u.Origin == models.OriginHardwareCompact || u.RoomID == "" || u.Order == 0 {
		return
	}
	if !a.Connected(u.RoomID) {
		return
	}
	if a.publisher != nil {
		if err := a.publisher.PublishRoomState(u.RoomID, u); err != nil {
			a.logger.Warn("room state publish failed", zap.String("room_id", u.RoomID), zap.Error(err))
		}
	}
	on, ok := state.Binary(u.State)
	if !ok {
		a.logger.Debug("state has no compact form", zap.String("device_id", u.DeviceID), zap.String("state", u.State))
		return
	}
	code, err := Encode(u.Order, on)
	if err != nil {
		a.logger.Debug("device slot has no compact form", zap.String("device_id", u.DeviceID), zap.Error(err))
		return
	}
	if err := a.emitter.Emit(channels.GroupESPRoom, u.RoomID, channels.EventCompactState, code); err != nil {
		a.logger.Warn("compact push failed", zap.String("room_id", u.RoomID), zap.Error(err))
	}
	if a.publisher != nil {
		if err := a.publisher.PublishRoomCompact(u.RoomID, code); err != nil {
			a.logger.Warn("compact publish failed", zap.String("room_id", u.RoomID), zap.Error(err))
		}
	}
}
