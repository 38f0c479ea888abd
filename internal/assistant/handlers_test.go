package assistant

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap/zaptest"

	"homehub/internal/channels"
	"homehub/internal/hub"
	"homehub/internal/models"
	"homehub/internal/store"
)

type nopEmitter struct{}

func (nopEmitter) Emit(channels.Group, string, string, any) error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	repo := store.NewMemory()
	repo.PutDevice(models.Device{ID: "lamp", Name: "Lamp", RoomID: "r1", OwnerID: "alice", Active: true, Status: "off"})
	repo.PutDevice(models.Device{ID: "safe", Name: "Safe", RoomID: "r1", OwnerID: "carol", Active: true, Status: "locked"})
	logger := zaptest.NewLogger(t)
	h := hub.New(repo, nil, nopEmitter{}, nil, logger, nil)
	return NewServer(h, repo, logger), repo
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T", res.Content[0])
	}
	return tc.Text
}

func TestSetDeviceState(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := WithActor(context.Background(), "alice")

	res, err := s.handleSetDeviceState(ctx, call(map[string]any{"id": "lamp", "state": "sideways"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(text(t, res), "invalid device state") {
		t.Errorf("unknown token: result = %q", text(t, res))
	}

	res, _ = s.handleSetDeviceState(ctx, call(map[string]any{"id": "lamp", "state": "ON"}))
	if res.IsError {
		t.Fatalf("set on failed: %s", text(t, res))
	}
	var out deviceStateOutput
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil || out.State != "on" {
		t.Errorf("output = %+v, %v", out, err)
	}

	res, _ = s.handleSetDeviceState(ctx, call(map[string]any{"id": "lamp", "level": 40.0}))
	if res.IsError {
		t.Fatalf("set level failed: %s", text(t, res))
	}
	if d, _ := repo.FindDevice(ctx, "lamp"); d.Status != "40" {
		t.Errorf("lamp = %q, want 40", d.Status)
	}
}

func TestSetDeviceStateRejects(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name string
		ctx  context.Context
		args map[string]any
		want string
	}{
		{"anonymous", context.Background(), map[string]any{"id": "lamp", "state": "on"}, "bearer token"},
		{"foreign device", WithActor(context.Background(), "alice"), map[string]any{"id": "safe", "state": "unlocked"}, "not allowed"},
		{"unknown device", WithActor(context.Background(), "alice"), map[string]any{"id": "ghost", "state": "on"}, "not found"},
		{"no value", WithActor(context.Background(), "alice"), map[string]any{"id": "lamp"}, "state or level"},
		{"no id", WithActor(context.Background(), "alice"), map[string]any{"state": "on"}, "missing"},
	}
	for _, tt := range tests {
		res, err := s.handleSetDeviceState(tt.ctx, call(tt.args))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !res.IsError || !strings.Contains(text(t, res), tt.want) {
			t.Errorf("%s: result = %q, want error containing %q", tt.name, text(t, res), tt.want)
		}
	}
}

func TestGetDeviceStateAndRoomListing(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := WithActor(context.Background(), "alice")

	res, _ := s.handleGetDeviceState(ctx, call(map[string]any{"id": "lamp"}))
	if res.IsError || !strings.Contains(text(t, res), `"state": "off"`) {
		t.Errorf("get_device_state = %s", text(t, res))
	}

	res, _ = s.handleListRoomDevices(ctx, call(map[string]any{"room_id": "r1"}))
	var out listRoomDevicesOutput
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Devices[0].ID != "lamp" {
		t.Errorf("listing = %+v", out)
	}
}
