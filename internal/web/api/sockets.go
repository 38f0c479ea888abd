package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"homehub/auth"
	"homehub/internal/channels"
	"homehub/internal/esp"
	"homehub/internal/hub"
	"homehub/internal/models"
	"homehub/internal/store"
	"homehub/internal/web/middleware"
	webModels "homehub/internal/web/models"
)

// Events sent only to the connection that asked.
const (
	EventJoined     = "joined"
	EventLeft       = "left"
	EventError      = "error"
	EventAuthResult = "auth-result"
)

type Registry interface {
	Join(c channels.Conn, group channels.Group, key string)
	LeaveGroup(c channels.Conn, group channels.Group, key string)
	Leave(c channels.Conn)
}

// ESPGateway is the hardware adapter as seen by room bridges.
type ESPGateway interface {
	Authenticate(ctx context.Context, sessionID, espID, roomID, password, transport string) (esp.AuthResult, error)
	HandleCompact(ctx context.Context, sessionID, code string) (models.StateUpdate, error)
	Disconnect(ctx context.Context, sessionID string)
}

type SocketDeps struct {
	Registry Registry
	Hub      StateHub
	Devices  store.DeviceRepository
	Rooms    store.RoomRepository
	ESP      ESPGateway
	Logger   *zap.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type membershipFrame struct {
	Group channels.Group `json:"group"`
	Key   string         `json:"key"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func RegisterSocketRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, deps SocketDeps) {
	s := &sockets{SocketDeps: deps}
	ws := r.Group("/ws")
	{
		ws.GET("/user", middleware.RequireAuth(), s.user)
		ws.GET("/device", s.device)
		ws.GET("/esp", s.esp)
	}
}

type sockets struct {
	SocketDeps
}

func (s *sockets) user(c *gin.Context) {
	actorID := actor(c)
	conn, ok := s.upgrade(c)
	if !ok {
		return
	}
	defer s.release(conn)
	ctx := c.Request.Context()
	s.Registry.Join(conn, channels.GroupUserInbox, actorID)

	for {
		var frame webModels.UserFrame
		if !s.read(conn, &frame) {
			return
		}
		switch frame.Action {
		case webModels.ActionJoinDevice:
			s.join(conn, channels.GroupUser, frame.ID, s.canSeeDevice(ctx, frame.ID, actorID))
		case webModels.ActionJoinRoom:
			s.join(conn, channels.GroupUserRoom, frame.ID, s.canSeeRoom(ctx, frame.ID, actorID))
		case webModels.ActionLeaveDevice:
			s.Registry.LeaveGroup(conn, channels.GroupUser, frame.ID)
			reply(conn, EventLeft, membershipFrame{channels.GroupUser, frame.ID})
		case webModels.ActionLeaveRoom:
			s.Registry.LeaveGroup(conn, channels.GroupUserRoom, frame.ID)
			reply(conn, EventLeft, membershipFrame{channels.GroupUserRoom, frame.ID})
		case webModels.ActionSetState:
			if _, err := s.Hub.ApplyStateChange(ctx, frame.ID, frame.State, models.OriginUser, actorID); err != nil {
				replyError(conn, err)
			}
		default:
			reply(conn, EventError, errorFrame{Code: "unknown_action", Message: "unknown action " + frame.Action})
		}
	}
}

func (s *sockets) join(conn channels.Conn, group channels.Group, key string, err error) {
	if err != nil {
		replyError(conn, err)
		return
	}
	s.Registry.Join(conn, group, key)
	reply(conn, EventJoined, membershipFrame{group, key})
}

func (s *sockets) canSeeDevice(ctx context.Context, deviceID, actorID string) error {
	d, err := s.Devices.FindDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !d.CanBeControlledBy(actorID) {
		return hub.ErrForbidden
	}
	return nil
}

func (s *sockets) canSeeRoom(ctx context.Context, roomID, actorID string) error {
	_, err := visibleRoomDevices(ctx, DeviceDeps{Devices: s.Devices, Rooms: s.Rooms}, roomID, actorID)
	return err
}

// device serves a controller that proves itself with its component number.
func (s *sockets) device(c *gin.Context) {
	ctx := c.Request.Context()
	deviceID := c.Query("deviceId")
	d, err := s.Devices.FindDevice(ctx, deviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	if d.ComponentHash != "" {
		if err := auth.CompareSecret(d.ComponentHash, c.Query("component")); err != nil {
			respondError(c, auth.ErrInvalidToken)
			return
		}
	}

	conn, ok := s.upgrade(c)
	if !ok {
		return
	}
	defer s.release(conn)

	s.Registry.Join(conn, channels.GroupDevice, d.ID)
	current, err := s.Hub.CurrentState(ctx, d.ID)
	if err == nil {
		reply(conn, channels.EventStateUpdate, models.StateUpdate{
			DeviceID:  d.ID,
			RoomID:    d.RoomID,
			Order:     d.Order,
			State:     current,
			Timestamp: d.UpdatedAt,
		})
	}

	for {
		var frame webModels.DeviceFrame
		if !s.read(conn, &frame) {
			return
		}
		if _, err := s.Hub.ApplyStateChange(ctx, d.ID, frame.State, models.OriginHardware, ""); err != nil {
			replyError(conn, err)
		}
	}
}

// esp serves a room bridge: an auth frame binds the session to a room, then
// each frame carries one compact code.
func (s *sockets) esp(c *gin.Context) {
	conn, ok := s.upgrade(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sessionID := esp.NewSessionID("ws")
	defer func() {
		s.ESP.Disconnect(context.WithoutCancel(ctx), sessionID)
		s.release(conn)
	}()

	var room string
	for {
		var frame struct {
			webModels.ESPAuthFrame
			webModels.ESPFrame
		}
		if !s.read(conn, &frame) {
			return
		}
		if frame.Code == "" && frame.RoomID != "" {
			res, err := s.ESP.Authenticate(ctx, sessionID, frame.ESPID, frame.RoomID, frame.Password, "ws")
			if err != nil && res.Error == "" {
				s.Logger.Error("hardware authentication failed", zap.String("session_id", sessionID), zap.Error(err))
				res.Error = "internal error"
			}
			if res.Success {
				if room != "" && room != res.RoomID {
					s.Registry.LeaveGroup(conn, channels.GroupESPRoom, room)
				}
				room = res.RoomID
				s.Registry.Join(conn, channels.GroupESPRoom, room)
			}
			reply(conn, EventAuthResult, res)
			continue
		}
		if _, err := s.ESP.HandleCompact(ctx, sessionID, frame.Code); err != nil {
			replyError(conn, err)
		}
	}
}

func (s *sockets) upgrade(c *gin.Context) (*channels.WSConn, bool) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Debug("websocket upgrade failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		return nil, false
	}
	return channels.NewWSConn(ws, s.Logger), true
}

func (s *sockets) release(conn *channels.WSConn) {
	s.Registry.Leave(conn)
	conn.Close()
}

// read decodes the next frame. Malformed frames are answered and skipped;
// a closed or broken connection ends the loop.
func (s *sockets) read(conn *channels.WSConn, v any) bool {
	for {
		err := conn.ReadJSON(v)
		if err == nil {
			return true
		}
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syntax) || errors.As(err, &typ) {
			reply(conn, EventError, errorFrame{Code: "bad_frame", Message: err.Error()})
			continue
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.Logger.Debug("websocket closed", zap.String("conn", conn.ID()), zap.Error(err))
		}
		return false
	}
}

func reply(conn channels.Conn, event string, payload any) {
	data, err := json.Marshal(channels.Envelope{Event: event, Data: payload})
	if err != nil {
		return
	}
	_ = conn.Send(data)
}

func replyError(conn channels.Conn, err error) {
	var perr *esp.ProtocolError
	if errors.As(err, &perr) {
		reply(conn, EventError, perr)
		return
	}
	_, code := classify(err)
	reply(conn, EventError, errorFrame{Code: code, Message: err.Error()})
}
