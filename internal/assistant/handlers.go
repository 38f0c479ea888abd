package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"homehub/internal/hub"
	"homehub/internal/models"
	"homehub/internal/state"
	"homehub/internal/store"
)

var errUnauthenticated = errors.New("a valid bearer token is required")

type deviceStateOutput struct {
	DeviceID  string `json:"deviceId"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp,omitempty"`
}

type roomDevice struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	State string `json:"state"`
	Order int    `json:"order,omitempty"`
}

type listRoomDevicesOutput struct {
	RoomID  string       `json:"roomId"`
	Devices []roomDevice `json:"devices"`
	Count   int          `json:"count"`
}

func (s *Server) handleSetDeviceState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := actorFrom(ctx)
	if actorID == "" {
		return mcp.NewToolResultError(errUnauthenticated.Error()), nil
	}
	id, err := requiredString(request, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var proposed any
	args := request.GetArguments()
	if v, ok := args["state"].(string); ok && v != "" {
		proposed = v
	} else if v, ok := args["level"].(float64); ok {
		proposed = state.Level(v)
	} else {
		return mcp.NewToolResultError("either state or level is required"), nil
	}

	u, err := s.hub.ApplyStateChange(ctx, id, proposed, models.OriginAssistant, actorID)
	if err != nil {
		s.logger.Info("assistant state change rejected", zap.String("device_id", id), zap.Error(err))
		return mcp.NewToolResultError(describe(err)), nil
	}
	return mcp.NewToolResultText(formatJSON(toOutput(u))), nil
}

func (s *Server) handleGetDeviceState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := actorFrom(ctx)
	if actorID == "" {
		return mcp.NewToolResultError(errUnauthenticated.Error()), nil
	}
	id, err := requiredString(request, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	u, err := s.hub.QueryState(ctx, id, actorID)
	if err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}
	return mcp.NewToolResultText(formatJSON(toOutput(u))), nil
}

func (s *Server) handleListRoomDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := actorFrom(ctx)
	if actorID == "" {
		return mcp.NewToolResultError(errUnauthenticated.Error()), nil
	}
	roomID, err := requiredString(request, "room_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	devices, err := s.devices.ListRoomDevices(ctx, roomID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list devices: %s", err)), nil
	}
	out := listRoomDevicesOutput{RoomID: roomID, Devices: []roomDevice{}}
	for i := range devices {
		d := &devices[i]
		if !d.Active || !d.CanBeControlledBy(actorID) {
			continue
		}
		out.Devices = append(out.Devices, roomDevice{ID: d.ID, Name: d.Name, Type: d.Type, State: d.Status, Order: d.Order})
	}
	out.Count = len(out.Devices)
	return mcp.NewToolResultText(formatJSON(out)), nil
}

func toOutput(u models.StateUpdate) deviceStateOutput {
	out := deviceStateOutput{DeviceID: u.DeviceID, State: u.State}
	if !u.Timestamp.IsZero() {
		out.Timestamp = u.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}

func describe(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "device not found"
	case errors.Is(err, hub.ErrForbidden):
		return "you are not allowed to control this device"
	case errors.Is(err, hub.ErrInvalidState):
		return err.Error()
	default:
		return fmt.Sprintf("device error: %s", err)
	}
}

func requiredString(request mcp.CallToolRequest, key string) (string, error) {
	v, ok := request.GetArguments()[key]
	if !ok || v == nil {
		return "", fmt.Errorf("required parameter %q is missing", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func formatJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal response: %s"}`, err)
	}
	return string(b)
}
