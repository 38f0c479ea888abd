package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"homehub/auth"
	"homehub/internal/automation"
	"homehub/internal/channels"
	"homehub/internal/esp"
	"homehub/internal/hub"
	"homehub/internal/metrics"
	"homehub/internal/models"
	"homehub/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type tokens map[string]string

func (t tokens) ValidateToken(ctx context.Context, token string) (string, error) {
	id, ok := t[strings.TrimPrefix(token, "Bearer ")]
	if !ok {
		return "", auth.ErrInvalidToken
	}
	return id, nil
}

type nopScheduler struct{}

func (nopScheduler) ScheduleTask(task *models.Task) bool { return true }
func (nopScheduler) Unschedule(taskID string) {}

func (nopScheduler) Exclusive(ctx context.Context, taskID string, fn func() error) error {
	return fn()
}

const taskDoc = `{
	"name": "Evening lamp",
	"deviceId": "lamp",
	"timezone": "Europe/Berlin",
	"action": {"type": "status_change", "value": "on"},
	"schedule": {"startTime": "19:30", "recurrence": {"type": "daily"}},
	"conditions": [],
	"notifications": {"enabled": false, "notifyOnFailure": false}
}`

func newTestServer(t *testing.T) (*WebServer, *store.Memory) {
	t.Helper()
	ws, repo, _ := newTestStack(t)
	return ws, repo
}

func newTestStack(t *testing.T) (*WebServer, *store.Memory, *channels.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	roomHash, err := auth.HashSecret("open-sesame")
	if err != nil {
		t.Fatal(err)
	}
	componentHash, err := auth.HashSecret("c-123")
	if err != nil {
		t.Fatal(err)
	}
	repo := store.NewMemory()
	repo.PutRoom(models.Room{ID: "living", OwnerID: "alice", PasswordHash: roomHash})
	repo.PutDevice(models.Device{ID: "lamp", Name: "Lamp", RoomID: "living", OwnerID: "alice", Order: 1, Active: true, Status: "off", ComponentHash: componentHash})
	repo.PutDevice(models.Device{ID: "fan", Name: "Fan", RoomID: "living", OwnerID: "alice", AccessList: []string{"bob"}, Order: 2, Active: true, Status: "off"})
	repo.PutDevice(models.Device{ID: "heater", Name: "Heater", RoomID: "living", OwnerID: "carol", Active: true, Status: "off"})

	registry := channels.NewRegistry(logger)
	h := hub.New(repo, nil, registry, nil, logger, m)
	adapter := esp.NewAdapter(repo, repo, h, registry, nil, logger, m)
	h.AddListener(adapter.OnStateUpdate)

	validator, err := automation.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	tasks := automation.NewService(repo, repo, nopScheduler{}, validator, logger)

	ws := NewWebServer(Deps{
		Tokens:   tokens{"alice-token": "alice", "bob-token": "bob", "eve-token": "eve"},
		Hub:      h,
		Slots:    adapter,
		Devices:  repo,
		Rooms:    repo,
		Tasks:    tasks,
		Registry: registry,
		ESP:      adapter,
		Gatherer: reg,
		Logger:   logger,
	})
	return ws, repo, registry
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decode(t, rec, &body)
	if body.Message == "" {
		t.Errorf("error body without message: %s", rec.Body.String())
	}
	return body.Error
}

func TestHealthAndMetrics(t *testing.T) {
	ws, _ := newTestServer(t)
	h := ws.Handler()

	if rec := do(t, h, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("/health = %d", rec.Code)
	}
	do(t, h, http.MethodPut, "/devices/lamp/state", "alice-token", `{"state": "on"}`)
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "homehub_state_changes_total") {
		t.Errorf("/metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestRequireAuth(t *testing.T) {
	ws, _ := newTestServer(t)
	for _, token := range []string{"", "forged"} {
		rec := do(t, ws.Handler(), http.MethodGet, "/devices/lamp/state", token, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d", token, rec.Code)
		}
		if code := errorCode(t, rec); code != "unauthorized" {
			t.Errorf("token %q: error = %q", token, code)
		}
	}
}

func TestDeviceStateRoutes(t *testing.T) {
	ws, repo := newTestServer(t)
	h := ws.Handler()

	rec := do(t, h, http.MethodPut, "/devices/lamp/state", "alice-token", `{"state": "ON"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT state = %d %s", rec.Code, rec.Body.String())
	}
	var u models.StateUpdate
	decode(t, rec, &u)
	if u.State != "on" || u.Origin != models.OriginUser || u.ActorID != "alice" {
		t.Errorf("update = %+v", u)
	}
	if d, _ := repo.FindDevice(context.Background(), "lamp"); d.Status != "on" {
		t.Errorf("persisted status = %q", d.Status)
	}

	rec = do(t, h, http.MethodGet, "/devices/fan/state", "bob-token", "")
	if rec.Code != http.StatusOK {
		t.Errorf("GET shared device = %d", rec.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		status int
		code   string
	}{
		{"foreign device", http.MethodGet, "/devices/lamp/state", "bob-token", "", http.StatusForbidden, "forbidden"},
		{"unknown device", http.MethodPut, "/devices/ghost/state", "alice-token", `{"state": "on"}`, http.StatusNotFound, "not_found"},
		{"unrecognized state", http.MethodPut, "/devices/lamp/state", "alice-token", `{"state": "sideways"}`, http.StatusBadRequest, "invalid_state"},
		{"missing state", http.MethodPut, "/devices/lamp/state", "alice-token", `{}`, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.token, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("error = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestAssignOrder(t *testing.T) {
	ws, _ := newTestServer(t)
	h := ws.Handler()

	rec := do(t, h, http.MethodPatch, "/devices/fan/order", "alice-token", `{"order": 1}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("taken slot = %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error    string                `json:"error"`
		Conflict esp.SlotConflictError `json:"conflict"`
	}
	decode(t, rec, &body)
	if body.Error != "slot_conflict" || body.Conflict.DeviceID != "lamp" || body.Conflict.DeviceName != "Lamp" {
		t.Errorf("conflict body = %+v", body)
	}

	if rec := do(t, h, http.MethodPatch, "/devices/fan/order", "alice-token", `{"order": 9}`); rec.Code != http.StatusBadRequest {
		t.Errorf("out of range = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/devices/fan/order", "alice-token", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing order = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/devices/heater/order", "alice-token", `{"order": 4}`); rec.Code != http.StatusForbidden {
		t.Errorf("foreign device = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPatch, "/devices/fan/order", "alice-token", `{"order": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("free slot = %d %s", rec.Code, rec.Body.String())
	}
	var d models.Device
	decode(t, rec, &d)
	if d.Order != 3 {
		t.Errorf("order = %d", d.Order)
	}
}

func TestRoomDevices(t *testing.T) {
	ws, _ := newTestServer(t)
	h := ws.Handler()

	tests := []struct {
		token  string
		status int
		count  int
	}{
		{"alice-token", http.StatusOK, 3},
		{"bob-token", http.StatusOK, 1},
		{"eve-token", http.StatusForbidden, 0},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, "/rooms/living/devices", tt.token, "")
		if rec.Code != tt.status {
			t.Errorf("%s: status = %d", tt.token, rec.Code)
			continue
		}
		if tt.status != http.StatusOK {
			continue
		}
		var list []models.Device
		decode(t, rec, &list)
		if len(list) != tt.count {
			t.Errorf("%s: %d devices, want %d", tt.token, len(list), tt.count)
		}
	}
	if rec := do(t, h, http.MethodGet, "/rooms/attic/devices", "alice-token", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown room = %d", rec.Code)
	}
}

func TestTaskRoutes(t *testing.T) {
	ws, _ := newTestServer(t)
	h := ws.Handler()

	rec := do(t, h, http.MethodPost, "/tasks", "alice-token", taskDoc)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var task models.Task
	decode(t, rec, &task)
	if task.ID == "" || task.Status != models.TaskActive || task.NextExecution == nil {
		t.Fatalf("created task = %+v", task)
	}

	rec = do(t, h, http.MethodPost, "/tasks", "alice-token", `{"name": "broken"}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "validation_failed" {
		t.Errorf("invalid create = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/tasks", "alice-token", "")
	var list []models.Task
	decode(t, rec, &list)
	if len(list) != 1 {
		t.Errorf("list = %d tasks", len(list))
	}
	rec = do(t, h, http.MethodGet, "/tasks", "bob-token", "")
	if rec.Body.String() != "[]" {
		t.Errorf("bob's list = %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/tasks/"+task.ID, "bob-token", ""); rec.Code != http.StatusForbidden {
		t.Errorf("foreign get = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPatch, "/tasks/"+task.ID, "alice-token", `{"name": "Late lamp"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &task)
	if task.Name != "Late lamp" {
		t.Errorf("name = %q", task.Name)
	}

	rec = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/cancel", "alice-token", "")
	decode(t, rec, &task)
	if rec.Code != http.StatusOK || task.Status != models.TaskCancelled || task.NextExecution != nil {
		t.Errorf("cancel = %d %+v", rec.Code, task)
	}

	if rec := do(t, h, http.MethodDelete, "/tasks/"+task.ID, "alice-token", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/tasks/"+task.ID, "alice-token", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestUserSocket(t *testing.T) {
	ws, _ := newTestServer(t)
	srv := httptest.NewServer(ws.Handler())
	defer srv.Close()

	if _, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/user", nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous dial: err = %v", err)
	}

	conn := dial(t, srv, "/ws/user?token=bob-token")
	send(t, conn, map[string]string{"action": "join-device", "id": "lamp"})
	if f := next(t, conn); f.Event != "error" || !strings.Contains(string(f.Data), "forbidden") {
		t.Errorf("foreign join = %s %s", f.Event, f.Data)
	}
	send(t, conn, map[string]string{"action": "join-device", "id": "fan"})
	if f := next(t, conn); f.Event != "joined" {
		t.Fatalf("join = %s %s", f.Event, f.Data)
	}

	rec := do(t, ws.Handler(), http.MethodPut, "/devices/fan/state", "alice-token", `{"state": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d", rec.Code)
	}
	f := next(t, conn)
	if f.Event != channels.EventStateUpdated {
		t.Fatalf("event = %s", f.Event)
	}
	var u models.StateUpdate
	json.Unmarshal(f.Data, &u)
	if u.DeviceID != "fan" || u.State != "on" || u.ActorID != "alice" {
		t.Errorf("pushed update = %+v", u)
	}

	send(t, conn, map[string]any{"action": "set-state", "id": "fan", "state": false})
	f = next(t, conn)
	json.Unmarshal(f.Data, &u)
	if f.Event != channels.EventStateUpdated || u.State != "off" || u.ActorID != "bob" {
		t.Errorf("own change = %s %+v", f.Event, u)
	}
}

func TestUserSocketJoinsOwnInbox(t *testing.T) {
	ws, _, registry := newTestStack(t)
	srv := httptest.NewServer(ws.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws/user?token=alice-token")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && registry.Members(channels.GroupUserInbox, "alice") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := registry.Members(channels.GroupUserInbox, "bob"); n != 0 {
		t.Errorf("bob inbox members = %d", n)
	}

	note := models.Notification{OwnerID: "alice", TaskID: "t1", Message: "failed"}
	if err := registry.Emit(channels.GroupUserInbox, "alice", channels.EventTaskUpdate, note); err != nil {
		t.Fatal(err)
	}
	f := next(t, conn)
	var got models.Notification
	json.Unmarshal(f.Data, &got)
	if f.Event != channels.EventTaskUpdate || got.TaskID != "t1" {
		t.Errorf("inbox frame = %s %s", f.Event, f.Data)
	}
}

func TestDeviceSocket(t *testing.T) {
	ws, repo := newTestServer(t)
	srv := httptest.NewServer(ws.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/device?deviceId=lamp&component=wrong", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad component: err = %v", err)
	}

	conn := dial(t, srv, "/ws/device?deviceId=lamp&component=c-123")
	f := next(t, conn)
	var u models.StateUpdate
	json.Unmarshal(f.Data, &u)
	if f.Event != channels.EventStateUpdate || u.State != "off" {
		t.Fatalf("initial = %s %+v", f.Event, u)
	}

	send(t, conn, map[string]any{"state": true})
	f = next(t, conn)
	json.Unmarshal(f.Data, &u)
	if f.Event != channels.EventStateUpdate || u.State != "on" || u.Origin != models.OriginHardware {
		t.Errorf("echo = %s %+v", f.Event, u)
	}
	if d, _ := repo.FindDevice(context.Background(), "lamp"); d.Status != "on" {
		t.Errorf("persisted = %q", d.Status)
	}
}

func TestESPSocket(t *testing.T) {
	ws, repo := newTestServer(t)
	srv := httptest.NewServer(ws.Handler())
	defer srv.Close()
	ctx := context.Background()

	conn := dial(t, srv, "/ws/esp")
	send(t, conn, map[string]string{"code": "21"})
	if f := next(t, conn); f.Event != "error" || !strings.Contains(string(f.Data), esp.CodeNotAuthenticated) {
		t.Errorf("unauthenticated code = %s %s", f.Event, f.Data)
	}

	send(t, conn, map[string]string{"espId": "esp-1", "roomId": "living", "password": "guess"})
	var res esp.AuthResult
	f := next(t, conn)
	json.Unmarshal(f.Data, &res)
	if f.Event != "auth-result" || res.Success {
		t.Fatalf("bad password = %s %+v", f.Event, res)
	}

	send(t, conn, map[string]string{"espId": "esp-1", "roomId": "living", "password": "open-sesame"})
	f = next(t, conn)
	json.Unmarshal(f.Data, &res)
	if !res.Success || len(res.AvailableDevices) != 2 {
		t.Fatalf("auth = %+v", res)
	}
	if r, _ := repo.FindRoom(ctx, "living"); !r.ESPConnected {
		t.Error("room not marked connected")
	}

	send(t, conn, map[string]string{"code": "21"})
	send(t, conn, map[string]string{"code": "71"})
	f = next(t, conn)
	if f.Event != "error" || !strings.Contains(string(f.Data), esp.CodeOrderOutOfRange) {
		t.Errorf("bad code = %s %s", f.Event, f.Data)
	}
	if d, _ := repo.FindDevice(ctx, "fan"); d.Status != "on" {
		t.Errorf("fan = %q after 21", d.Status)
	}

	do(t, ws.Handler(), http.MethodPut, "/devices/lamp/state", "alice-token", `{"state": "on"}`)
	f = next(t, conn)
	var code string
	json.Unmarshal(f.Data, &code)
	if f.Event != channels.EventCompactState || code != "11" {
		t.Errorf("push = %s %q", f.Event, code)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, _ := repo.FindRoom(ctx, "living"); !r.ESPConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("room still connected after the bridge left")
}
