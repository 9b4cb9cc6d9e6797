// Package presence caches the latest known online/typing state per room.
// It is best-effort and self-healing: a missed delta is corrected by the
// next update the server pushes, so there is no retry machinery here.
package presence

import (
	"sort"
	"sync"

	"github.com/nyumbani/chatkit/internal/protocol"
)

// Entry is the latest known presence state for one user in one room.
// Entries are ephemeral and rebuilt from server pushes, never persisted.
type Entry struct {
	UserID   string
	RoomID   string
	IsOnline bool
	IsTyping bool
}

// Tracker holds presence state for all rooms of one session.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]Entry)}
}

// Apply folds one presence delta into the cache. A user going offline also
// clears their typing flag.
func (t *Tracker) Apply(u protocol.PresenceUpdateMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[u.RoomID]
	if !ok {
		room = make(map[string]Entry)
		t.rooms[u.RoomID] = room
	}
	entry := Entry{
		UserID:   u.UserID,
		RoomID:   u.RoomID,
		IsOnline: u.IsOnline,
		IsTyping: u.IsTyping && u.IsOnline,
	}
	if !entry.IsOnline {
		entry.IsTyping = false
	}
	room[u.UserID] = entry
}

// Online returns the ids of currently-online users in a room, sorted.
func (t *Tracker) Online(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for id, e := range t.rooms[roomID] {
		if e.IsOnline {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether the user is known to be online in the room.
func (t *Tracker) IsOnline(roomID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[roomID][userID].IsOnline
}

// IsTyping reports whether the user is currently typing in the room.
func (t *Tracker) IsTyping(roomID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[roomID][userID].IsTyping
}

// ClearRoom drops all cached state for a room, typically on leave.
func (t *Tracker) ClearRoom(roomID string) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}
