package mqtt

import "strings"

// Topics builds every topic name under a common prefix.
type Topics struct {
	Prefix string
}

func (t Topics) DeviceState(deviceID string) string { return t.Prefix + "/" + deviceID + "/state" }
func (t Topics) DeviceReport(deviceID string) string { return t.Prefix + "/" + deviceID + "/report" }

func (t Topics) room(roomID, leaf string) string {
	return t.Prefix + "/esp/room/" + roomID + "/" + leaf
}

func (t Topics) RoomStateUpdate(roomID string) string { return t.room(roomID, "state-update") }
func (t Topics) RoomBulkUpdate(roomID string) string { return t.room(roomID, "bulk-update") }
func (t Topics) RoomTaskUpdate(roomID string) string { return t.room(roomID, "task-update") }
func (t Topics) RoomCompact(roomID string) string { return t.room(roomID, "compact-state") }
func (t Topics) RoomConnection(roomID string) string { return t.room(roomID, "connection") }

func (t Topics) esp(espID, leaf string) string {
	return t.Prefix + "/esp/" + espID + "/" + leaf
}

func (t Topics) ESPAuth(espID string) string { return t.esp(espID, "auth") }
func (t Topics) ESPAuthResponse(espID string) string { return t.esp(espID, "auth/response") }
func (t Topics) ESPCompact(espID string) string { return t.esp(espID, "compact-state") }
func (t Topics) ESPError(espID string) string { return t.esp(espID, "error") }
func (t Topics) ESPStatus(espID string) string { return t.esp(espID, "status") }

// Subscription filters for hardware-originated traffic.
func (t Topics) ESPAuthFilter() string { return t.esp("+", "auth") }
func (t Topics) ESPCompactFilter() string { return t.esp("+", "compact-state") }
func (t Topics) ESPStatusFilter() string { return t.esp("+", "status") }
func (t Topics) DeviceReportFilter() string { return t.DeviceReport("+") }

// ParseESPID extracts the controller id from <prefix>/esp/<espId>/...
func (t Topics) ParseESPID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/esp/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" || id == "room" {
		return "", false
	}
	return id, true
}

// ParseDeviceID extracts the device id from <prefix>/<deviceId>/report.
func (t Topics) ParseDeviceID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/report")
	if !ok || id == "" || id == "esp" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
