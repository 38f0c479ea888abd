package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"homehub/auth"
	"homehub/internal/channels"
	"homehub/internal/esp"
	"homehub/internal/events"
	"homehub/internal/hub"
	"homehub/internal/models"
	"homehub/internal/mqtt"
	"homehub/internal/store"
)

type fakeBroker struct {
	mu       sync.Mutex
	handlers map[string]mqtt.Handler
	auth     map[string]esp.AuthResult
	errs     map[string][]any
	tasks    []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers: make(map[string]mqtt.Handler),
		auth:     make(map[string]esp.AuthResult),
		errs:     make(map[string][]any),
	}
}

func (b *fakeBroker) Topics() mqtt.Topics { return mqtt.Topics{Prefix: "home-automation"} }

func (b *fakeBroker) Subscribe(filter string, h mqtt.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[filter] = h
	return nil
}

func (b *fakeBroker) PublishAuthResponse(espID string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth[espID] = payload.(esp.AuthResult)
	return nil
}

func (b *fakeBroker) PublishError(espID string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[espID] = append(b.errs[espID], payload)
	return nil
}

func (b *fakeBroker) PublishRoomTask(roomID string, ev models.TaskEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, roomID+"/"+ev.TaskID)
	return nil
}

func (b *fakeBroker) taskCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

func (b *fakeBroker) deliver(filter, topic, payload string) {
	b.mu.Lock()
	h := b.handlers[filter]
	b.mu.Unlock()
	h(topic, []byte(payload))
}

type emission struct {
	group channels.Group
	key   string
	event string
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []emission
}

func (f *fakeEmitter) Emit(group channels.Group, key, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emission{group, key, event})
	return nil
}

func (f *fakeEmitter) count(e emission) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == e {
			n++
		}
	}
	return n
}

type fakeScheduler struct{ started, stopped bool }

func (s *fakeScheduler) Start(context.Context) { s.started = true }
func (s *fakeScheduler) Stop() { s.stopped = true }

type fakeFailures struct {
	mu  sync.Mutex
	got []string
}

func (f *fakeFailures) EnqueueFailure(ctx context.Context, ev models.TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev.TaskID)
	return nil
}

func (f *fakeFailures) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type harness struct {
	engine   *Engine
	repo     *store.Memory
	broker   *fakeBroker
	emitter  *fakeEmitter
	bus      *events.Bus
	sched    *fakeScheduler
	failures *fakeFailures
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := store.NewMemory()
	roomHash, _ := auth.HashSecret("room-pass")
	componentHash, _ := auth.HashSecret("C-77")
	repo.PutRoom(models.Room{ID: "r1", PasswordHash: roomHash})
	repo.PutDevice(models.Device{ID: "lamp", Name: "Lamp", RoomID: "r1", OwnerID: "alice", Order: 1, Active: true, Status: "off"})
	repo.PutDevice(models.Device{ID: "meter", RoomID: "r1", OwnerID: "alice", Active: true, ComponentHash: componentHash})

	emitter := &fakeEmitter{}
	h := hub.New(repo, nil, emitter, nil, logger, nil)
	adapter := esp.NewAdapter(repo, repo, h, emitter, nil, logger, nil)
	h.AddListener(adapter.OnStateUpdate)

	hs := &harness{
		repo:     repo,
		broker:   newFakeBroker(),
		emitter:  emitter,
		bus:      events.NewBus(8, logger, nil),
		sched:    &fakeScheduler{},
		failures: &fakeFailures{},
	}
	hs.engine = NewEngine(Deps{
		Hub:       h,
		ESP:       adapter,
		Devices:   repo,
		Events:    hs.bus,
		Emitter:   emitter,
		Broker:    hs.broker,
		Failures:  hs.failures,
		Scheduler: hs.sched,
		Logger:    logger,
	})
	if err := hs.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hs.engine.Stop)
	return hs
}

const (
	authFilter    = "home-automation/esp/+/auth"
	compactFilter = "home-automation/esp/+/compact-state"
	statusFilter  = "home-automation/esp/+/status"
	reportFilter  = "home-automation/+/report"
)

func TestStartSubscribesAndStartsScheduler(t *testing.T) {
	h := newHarness(t)
	for _, f := range []string{authFilter, compactFilter, statusFilter, reportFilter} {
		if h.broker.handlers[f] == nil {
			t.Errorf("no subscription for %s", f)
		}
	}
	if !h.sched.started {
		t.Error("scheduler not started")
	}
}

func TestESPOverMQTT(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.broker.deliver(compactFilter, "home-automation/esp/esp-1/compact-state", "11")
	if errs := h.broker.errs["esp-1"]; len(errs) != 1 || errs[0].(*esp.ProtocolError).Code != esp.CodeNotAuthenticated {
		t.Fatalf("unauthenticated compact errors = %v", errs)
	}

	h.broker.deliver(authFilter, "home-automation/esp/esp-1/auth", `{"roomId":"r1","roomPassword":"wrong"}`)
	if res := h.broker.auth["esp-1"]; res.Success || res.Error == "" {
		t.Errorf("bad password response = %+v", res)
	}
	h.broker.deliver(authFilter, "home-automation/esp/esp-1/auth", `{"roomId":"r1","roomPassword":"room-pass"}`)
	res := h.broker.auth["esp-1"]
	if !res.Success || len(res.AvailableDevices) != 1 || res.AvailableDevices[0].DeviceID != "lamp" {
		t.Fatalf("auth response = %+v", res)
	}

	h.broker.deliver(compactFilter, "home-automation/esp/esp-1/compact-state", "11\n")
	if d, _ := h.repo.FindDevice(ctx, "lamp"); d.Status != "on" {
		t.Errorf("lamp = %q, want on", d.Status)
	}

	h.broker.deliver(compactFilter, "home-automation/esp/esp-1/compact-state", "71")
	if errs := h.broker.errs["esp-1"]; len(errs) != 2 || errs[1].(*esp.ProtocolError).Code != esp.CodeOrderOutOfRange {
		t.Errorf("errors = %v", errs)
	}

	h.broker.deliver(statusFilter, "home-automation/esp/esp-1/status", "offline")
	if r, _ := h.repo.FindRoom(ctx, "r1"); r.ESPConnected {
		t.Error("room still connected after LWT")
	}
}

func TestDeviceReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.broker.deliver(reportFilter, "home-automation/lamp/report", `{"state": 1}`)
	if d, _ := h.repo.FindDevice(ctx, "lamp"); d.Status != "on" {
		t.Errorf("lamp = %q", d.Status)
	}

	h.broker.deliver(reportFilter, "home-automation/meter/report", `{"state": "on", "componentNumber": "wrong"}`)
	if d, _ := h.repo.FindDevice(ctx, "meter"); d.Status != "" {
		t.Errorf("report with wrong component number applied: %q", d.Status)
	}
	h.broker.deliver(reportFilter, "home-automation/meter/report", `{"state": "on", "componentNumber": "C-77"}`)
	if d, _ := h.repo.FindDevice(ctx, "meter"); d.Status != "on" {
		t.Errorf("meter = %q", d.Status)
	}
}

func TestTaskEventsReachEveryConsumer(t *testing.T) {
	h := newHarness(t)
	h.bus.Publish(models.TaskEvent{
		ID: "e1", Kind: models.EventTaskFailed, TaskID: "t1", DeviceID: "lamp",
		NotificationsEnabled: true, NotifyOnFailure: true, Recipients: []string{"42"},
	})
	h.bus.Publish(models.TaskEvent{ID: "e2", Kind: models.EventTaskExecuted, TaskID: "t2", DeviceID: "lamp"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.emitter.count(emission{channels.GroupESPRoom, "r1", channels.EventTaskUpdate}) == 2 &&
			h.emitter.count(emission{channels.GroupUser, "lamp", channels.EventTaskUpdate}) == 2 &&
			h.failures.len() == 1 && h.broker.taskCount() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.emitter.count(emission{channels.GroupUser, "lamp", channels.EventTaskUpdate}); n != 2 {
		t.Errorf("user broadcasts = %d", n)
	}
	if n := h.emitter.count(emission{channels.GroupDevice, "lamp", channels.EventTaskUpdate}); n != 2 {
		t.Errorf("device broadcasts = %d", n)
	}
	if h.failures.len() != 1 {
		t.Errorf("failure notifications = %d, want 1", h.failures.len())
	}
	if n := h.broker.taskCount(); n != 2 {
		t.Errorf("broker task updates = %d, want 2", n)
	}
}

func TestFailureNoticesNeedNotificationsEnabled(t *testing.T) {
	h := newHarness(t)
	for _, ev := range []models.TaskEvent{
		{ID: "e1", TaskID: "muted", NotifyOnFailure: true, Recipients: []string{"42"}},
		{ID: "e2", TaskID: "loud", NotificationsEnabled: true, NotifyOnFailure: true, Recipients: []string{"42"}},
	} {
		ev.Kind = models.EventTaskFailed
		ev.DeviceID = "lamp"
		h.bus.Publish(ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.failures.len() < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	h.failures.mu.Lock()
	defer h.failures.mu.Unlock()
	if len(h.failures.got) != 1 || h.failures.got[0] != "loud" {
		t.Errorf("queued failures = %v, want [loud]", h.failures.got)
	}
}

func TestNotifierDeliversToOwnerInbox(t *testing.T) {
	emitter := &fakeEmitter{}
	n := Notifier{Emitter: emitter}
	note := models.Notification{OwnerID: "alice", DeviceID: "lamp", Recipients: []string{"42"}}
	if err := n.Deliver(context.Background(), note); err != nil {
		t.Fatal(err)
	}
	if emitter.count(emission{channels.GroupUserInbox, "alice", channels.EventTaskUpdate}) != 1 {
		t.Error("notification not pushed to owner inbox")
	}
	if emitter.count(emission{channels.GroupUser, "lamp", channels.EventTaskUpdate}) != 0 {
		t.Error("notification pushed to device viewers")
	}
}
