// Package channels keeps the direct-connection groups that state and task
// updates are pushed to.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Group names a family of keyed channels.
type Group string

const (
	// GroupUser channels are keyed by device id and hold end-user clients.
	GroupUser Group = "user"
	// GroupDevice channels are keyed by device id and hold the device's own controller.
	GroupDevice Group = "device"
	// GroupESPRoom channels are keyed by room id and hold hardware bridges.
	GroupESPRoom Group = "esp-room"
	// GroupUserRoom channels are keyed by room id and hold clients viewing the whole room.
	GroupUserRoom Group = "user-room"
	// GroupUserInbox channels are keyed by user id and hold every client of that user.
	GroupUserInbox Group = "user-inbox"
)

// Event names pushed to channels.
const (
	EventStateUpdate        = "state-update"
	EventStateUpdated       = "state-updated"
	EventRoomDevicesUpdated = "room-devices-updated"
	EventTaskUpdate         = "task-update"
	EventESPConnection      = "esp-connection-changed"
	EventCompactState       = "compact-state"
)

// Conn is one live connection that can receive encoded envelopes.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// Envelope is the JSON frame written to every connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type membership struct {
	group Group
	key   string
}

// Registry tracks which connections joined which keyed groups.
type Registry struct {
	mu      sync.RWMutex
	members map[membership]map[string]Conn
	joined  map[string]map[membership]struct{}
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		members: make(map[membership]map[string]Conn),
		joined:  make(map[string]map[membership]struct{}),
		logger:  logger,
	}
}

func (r *Registry) Join(c Conn, group Group, key string) {
	m := membership{group: group, key: key}
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.members[m]
	if !ok {
		conns = make(map[string]Conn)
		r.members[m] = conns
	}
	conns[c.ID()] = c
	if r.joined[c.ID()] == nil {
		r.joined[c.ID()] = make(map[membership]struct{})
	}
	r.joined[c.ID()][m] = struct{}{}
	r.logger.Debug("channel joined", zap.String("conn", c.ID()), zap.String("group", string(group)), zap.String("key", key))
}

func (r *Registry) LeaveGroup(c Conn, group Group, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c.ID(), membership{group: group, key: key})
}

// Leave removes the connection from every group it joined.
func (r *Registry) Leave(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for m := range r.joined[c.ID()] {
		r.leaveLocked(c.ID(), m)
	}
	delete(r.joined, c.ID())
}

func (r *Registry) leaveLocked(id string, m membership) {
	if conns, ok := r.members[m]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.members, m)
		}
	}
	if j, ok := r.joined[id]; ok {
		delete(j, m)
	}
}

// Members returns the number of connections in a keyed group.
func (r *Registry) Members(group Group, key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[membership{group: group, key: key}])
}

// Emit sends a named event to every connection in the keyed group. Each
// connection is attempted; failures are joined into the returned error.
func (r *Registry) Emit(group Group, key, event string, payload any) error {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	r.mu.RLock()
	conns := make([]Conn, 0, len(r.members[membership{group: group, key: key}]))
	for _, c := range r.members[membership{group: group, key: key}] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range conns {
		if err := c.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}
