package models

// SetStateRequest carries any state representation the normalizer accepts.
type SetStateRequest struct {
	State any `json:"state" binding:"required"`
}

type AssignOrderRequest struct {
	Order *int `json:"order" binding:"required"`
}

// UserFrame is a client message on the user websocket.
type UserFrame struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	State  any    `json:"state,omitempty"`
}

// User websocket actions.
const (
	ActionJoinDevice  = "join-device"
	ActionLeaveDevice = "leave-device"
	ActionJoinRoom    = "join-room"
	ActionLeaveRoom   = "leave-room"
	ActionSetState    = "set-state"
)

// DeviceFrame is a state report from a device controller.
type DeviceFrame struct {
	State any `json:"state"`
}

// ESPAuthFrame is the first message a room bridge sends.
type ESPAuthFrame struct {
	ESPID    string `json:"espId"`
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

// ESPFrame carries one compact code after authentication.
type ESPFrame struct {
	Code string `json:"code"`
}
