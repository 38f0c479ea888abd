package esp

import (
	"sync"
	"time"
)

// Session binds one hardware connection to a room. Sessions are never
// persisted; they are rebuilt as controllers reconnect.
type Session struct {
	ID          string    `json:"id"`
	ESPID       string    `json:"espId"`
	RoomID      string    `json:"roomId"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type sessionTable struct {
	mu      sync.Mutex
	byID    map[string]Session
	perRoom map[string]int
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byID:    make(map[string]Session),
		perRoom: make(map[string]int),
	}
}

// bind stores s, replacing any earlier binding of the same id. vacated
// names the previous room of a rebound id when that room has no sessions
// left.
func (t *sessionTable) bind(s Session) (vacated string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byID[s.ID]; ok {
		if old.RoomID == s.RoomID {
			t.byID[s.ID] = s
			return ""
		}
		t.perRoom[old.RoomID]--
		if t.perRoom[old.RoomID] <= 0 {
			delete(t.perRoom, old.RoomID)
			vacated = old.RoomID
		}
	}
	t.byID[s.ID] = s
	t.perRoom[s.RoomID]++
	return vacated
}

// unbind removes the session and returns how many sessions its room still has.
func (t *sessionTable) unbind(id string) (Session, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return Session{}, 0, false
	}
	delete(t.byID, id)
	t.perRoom[s.RoomID]--
	remaining := t.perRoom[s.RoomID]
	if remaining <= 0 {
		delete(t.perRoom, s.RoomID)
		remaining = 0
	}
	return s, remaining, true
}

func (t *sessionTable) get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

func (t *sessionTable) roomCount(roomID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perRoom[roomID]
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
