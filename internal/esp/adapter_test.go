package esp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"homehub/auth"
	"homehub/internal/channels"
	"homehub/internal/hub"
	"homehub/internal/models"
	"homehub/internal/store"
)

type emission struct {
	group   channels.Group
	key     string
	event   string
	payload any
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []emission
}

func (f *fakeEmitter) Emit(group channels.Group, key, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emission{group, key, event, payload})
	return nil
}

func (f *fakeEmitter) events(group channels.Group, event string) []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emission
	for _, e := range f.sent {
		if e.group == group && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakePublisher struct {
	mu          sync.Mutex
	states      []models.StateUpdate
	compact     []string
	connections []bool
	bulk        int
}

func (f *fakePublisher) PublishRoomState(roomID string, u models.StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, u)
	return nil
}

func (f *fakePublisher) PublishRoomCompact(roomID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compact = append(f.compact, roomID+"/"+code)
	return nil
}

func (f *fakePublisher) PublishRoomConnection(roomID string, connected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = append(f.connections, connected)
	return nil
}

func (f *fakePublisher) PublishRoomBulk(roomID string, roster any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulk++
	return nil
}

type harness struct {
	repo      *store.Memory
	hub       *hub.Hub
	adapter   *Adapter
	emitter   *fakeEmitter
	publisher *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := store.NewMemory()
	hash, err := auth.HashSecret("room-pass")
	if err != nil {
		t.Fatal(err)
	}
	repo.PutRoom(models.Room{ID: "r1", OwnerID: "alice", PasswordHash: hash})
	repo.PutRoom(models.Room{ID: "open"})
	repo.PutDevice(models.Device{ID: "lamp", Name: "Lamp", RoomID: "r1", OwnerID: "alice", Order: 1, Active: true, Status: "off"})
	repo.PutDevice(models.Device{ID: "fan", Name: "Fan", RoomID: "r1", OwnerID: "alice", Order: 2, Active: true, Status: "on"})
	repo.PutDevice(models.Device{ID: "heater", Name: "Heater", RoomID: "r1", OwnerID: "alice", Active: true})

	logger := zaptest.NewLogger(t)
	emitter := &fakeEmitter{}
	publisher := &fakePublisher{}
	h := hub.New(repo, nil, emitter, nil, logger, nil)
	a := NewAdapter(repo, repo, h, emitter, publisher, logger, nil)
	h.AddListener(a.OnStateUpdate)
	return &harness{repo: repo, hub: h, adapter: a, emitter: emitter, publisher: publisher}
}

func (h *harness) auth(t *testing.T, sessionID string) AuthResult {
	t.Helper()
	res, err := h.adapter.Authenticate(context.Background(), sessionID, "esp-"+sessionID, "r1", "room-pass", "mqtt")
	if err != nil {
		t.Fatalf("Authenticate(%s): %v", sessionID, err)
	}
	return res
}

func TestAuthenticateReturnsRoster(t *testing.T) {
	h := newHarness(t)
	res := h.auth(t, "s1")
	if !res.Success || len(res.AvailableDevices) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if first := res.AvailableDevices[0]; first.Order != 1 || first.DeviceID != "lamp" || first.CurrentState != "off" {
		t.Errorf("first slot = %+v", first)
	}
	room, _ := h.repo.FindRoom(context.Background(), "r1")
	if !room.ESPConnected {
		t.Error("room not marked connected")
	}
}

func TestAuthenticateRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.adapter.Authenticate(ctx, "s1", "esp", "r1", "nope", "mqtt"); !errors.Is(err, ErrBadRoomPassword) {
		t.Errorf("bad password: err = %v", err)
	}
	if _, err := h.adapter.Authenticate(ctx, "s1", "esp", "nowhere", "", "mqtt"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("unknown room: err = %v", err)
	}
	if _, err := h.adapter.Authenticate(ctx, "s1", "esp", "open", "", "mqtt"); err != nil {
		t.Errorf("room without password: %v", err)
	}
	if _, err := h.adapter.HandleCompact(ctx, "ghost", "11"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("unauthenticated compact: err = %v", err)
	}
}

func TestHandleCompactRoutesThroughHub(t *testing.T) {
	h := newHarness(t)
	h.auth(t, "s1")
	ctx := context.Background()

	u, err := h.adapter.HandleCompact(ctx, "s1", "11")
	if err != nil {
		t.Fatal(err)
	}
	if u.DeviceID != "lamp" || u.State != "on" || u.Origin != models.OriginHardwareCompact || u.ActorID != "esp-s1" {
		t.Errorf("update = %+v", u)
	}
	d, _ := h.repo.FindDevice(ctx, "lamp")
	if d.Status != "on" {
		t.Errorf("lamp status = %q", d.Status)
	}
	if len(h.publisher.compact) != 0 {
		t.Errorf("hardware change echoed back: %v", h.publisher.compact)
	}

	if _, err := h.adapter.HandleCompact(ctx, "s1", "41"); err == nil {
		t.Error("unknown slot accepted")
	}
}

func TestHandleCompactRejectsOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.auth(t, "s1")
	ctx := context.Background()
	before, _ := h.repo.ListRoomDevices(ctx, "r1")

	_, err := h.adapter.HandleCompact(ctx, "s1", "71")
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CodeOrderOutOfRange {
		t.Fatalf("err = %v, want order_out_of_range", err)
	}
	after, _ := h.repo.ListRoomDevices(ctx, "r1")
	for i := range before {
		if before[i].Status != after[i].Status || !before[i].UpdatedAt.Equal(after[i].UpdatedAt) {
			t.Errorf("device %s mutated", before[i].ID)
		}
	}
	if got := h.emitter.events(channels.GroupUser, channels.EventStateUpdated); len(got) != 0 {
		t.Errorf("rejected code was broadcast: %v", got)
	}
}

func TestOtherOriginsPushCompact(t *testing.T) {
	h := newHarness(t)
	h.auth(t, "s1")
	if _, err := h.hub.ApplyStateChange(context.Background(), "fan", false, models.OriginUser, "alice"); err != nil {
		t.Fatal(err)
	}
	pushed := h.emitter.events(channels.GroupESPRoom, channels.EventCompactState)
	if len(pushed) != 1 || pushed[0].payload != "20" {
		t.Errorf("pushed = %+v", pushed)
	}
	if len(h.publisher.compact) != 1 || h.publisher.compact[0] != "r1/20" {
		t.Errorf("published = %v", h.publisher.compact)
	}
	if len(h.publisher.states) != 1 || h.publisher.states[0].DeviceID != "fan" || h.publisher.states[0].State != "off" {
		t.Errorf("room states = %+v", h.publisher.states)
	}
}

func TestModesReachRoomStateTopicOnly(t *testing.T) {
	h := newHarness(t)
	h.auth(t, "s1")
	if _, err := h.hub.ApplyStateChange(context.Background(), "lamp", "eco", models.OriginAssistant, "alice"); err != nil {
		t.Fatal(err)
	}
	if len(h.publisher.states) != 1 || h.publisher.states[0].State != "eco" {
		t.Errorf("room states = %+v", h.publisher.states)
	}
	if len(h.publisher.compact) != 0 {
		t.Errorf("mode without compact form was encoded: %v", h.publisher.compact)
	}
}

func TestDisconnectBroadcastsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.auth(t, "s1")
	h.auth(t, "s2")

	h.adapter.Disconnect(ctx, "s1")
	room, _ := h.repo.FindRoom(ctx, "r1")
	if !room.ESPConnected {
		t.Error("room disconnected while a session remains")
	}

	h.adapter.Disconnect(ctx, "s2")
	h.adapter.Disconnect(ctx, "s2")
	room, _ = h.repo.FindRoom(ctx, "r1")
	if room.ESPConnected {
		t.Error("room still connected after last session ended")
	}

	var offline int
	for _, e := range h.emitter.events(channels.GroupUserRoom, channels.EventESPConnection) {
		if !e.payload.(map[string]any)["connected"].(bool) {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("offline broadcasts = %d, want 1", offline)
	}
	if want := []bool{true, false}; len(h.publisher.connections) != 2 || h.publisher.connections[1] {
		t.Errorf("published connections = %v, want %v", h.publisher.connections, want)
	}
}

func TestAssignOrderConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.adapter.AssignOrder(ctx, "alice", "heater", 1)
	var conflict *SlotConflictError
	if !errors.As(err, &conflict) || conflict.DeviceID != "lamp" || conflict.DeviceName != "Lamp" {
		t.Fatalf("err = %v, want conflict naming lamp", err)
	}

	if _, err := h.adapter.AssignOrder(ctx, "alice", "lamp", 3); err != nil {
		t.Fatal(err)
	}
	d, err := h.adapter.AssignOrder(ctx, "alice", "heater", 1)
	if err != nil || d.Order != 1 {
		t.Fatalf("AssignOrder after reassign = %+v, %v", d, err)
	}

	// deactivated holders free their slot
	h.repo.PutDevice(models.Device{ID: "fan", Name: "Fan", RoomID: "r1", OwnerID: "alice", Order: 2, Active: false})
	if _, err := h.adapter.AssignOrder(ctx, "alice", "lamp", 2); err != nil {
		t.Errorf("slot of inactive device: %v", err)
	}

	if _, err := h.adapter.AssignOrder(ctx, "bob", "lamp", 4); !errors.Is(err, hub.ErrForbidden) {
		t.Errorf("non-owner: err = %v", err)
	}
	if _, err := h.adapter.AssignOrder(ctx, "alice", "lamp", 7); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("order 7: err = %v", err)
	}
	if got := h.emitter.events(channels.GroupESPRoom, channels.EventRoomDevicesUpdated); len(got) != 3 {
		t.Errorf("roster broadcasts = %d, want 3", len(got))
	}
}

// slowRooms holds writes of connected=false until released.
type slowRooms struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (r *slowRooms) SetRoomConnected(ctx context.Context, roomID string, connected bool) error {
	if !connected {
		close(r.entered)
		<-r.release
	}
	return r.Memory.SetRoomConnected(ctx, roomID, connected)
}

func TestConnectedFlagFollowsSessionsUnderRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rooms := &slowRooms{Memory: h.repo, entered: make(chan struct{}), release: make(chan struct{})}
	h.adapter.rooms = rooms
	h.auth(t, "s1")

	disconnected := make(chan struct{})
	go func() {
		h.adapter.Disconnect(ctx, "s1")
		close(disconnected)
	}()
	<-rooms.entered

	authed := make(chan error, 1)
	go func() {
		_, err := h.adapter.Authenticate(ctx, "s2", "esp-s2", "r1", "room-pass", "ws")
		authed <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(rooms.release)
	<-disconnected
	if err := <-authed; err != nil {
		t.Fatal(err)
	}

	room, _ := h.repo.FindRoom(ctx, "r1")
	if !h.adapter.Connected("r1") || !room.ESPConnected {
		t.Errorf("sessions bound=%v persisted connected=%v, want both true", h.adapter.Connected("r1"), room.ESPConnected)
	}
	if n := len(h.publisher.connections); n == 0 || !h.publisher.connections[n-1] {
		t.Errorf("last published connectivity = %v, want true", h.publisher.connections)
	}
}
