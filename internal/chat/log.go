package chat

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyumbani/chatkit/internal/protocol"
)

// DefaultToleranceWindow bounds how far apart a local send and its server
// confirmation may be for content-based reconciliation to match them.
const DefaultToleranceWindow = 5 * time.Second

// Log is the ordered, append-only message store for all rooms of one
// session. State is partitioned by room id; it is goroutine-safe.
type Log struct {
	mu        sync.RWMutex
	tolerance time.Duration
	rooms     map[string][]Message
	// pendingRooms maps a temporary id to the room holding that pending
	// entry, for O(1) MarkFailed lookups.
	pendingRooms map[string]string
}

// NewLog creates an empty Log with the given reconciliation tolerance.
// A zero tolerance selects DefaultToleranceWindow.
func NewLog(tolerance time.Duration) *Log {
	if tolerance <= 0 {
		tolerance = DefaultToleranceWindow
	}
	return &Log{
		tolerance:    tolerance,
		rooms:        make(map[string][]Message),
		pendingRooms: make(map[string]string),
	}
}

// AppendLocal creates a pending message with a temporary id, inserts it into
// the room's log at its timestamp-correct position, and returns a copy so
// the caller can transmit it and track the temporary id.
func (l *Log) AppendLocal(roomID, senderID, senderRole, content string, isEmergency bool) Message {
	msg := Message{
		ID:          newLocalID(),
		RoomID:      roomID,
		SenderID:    senderID,
		SenderRole:  senderRole,
		Content:     content,
		CreatedAt:   time.Now(),
		IsEmergency: isEmergency,
		State:       DeliveryPending,
		ClientMsgID: uuid.NewString(),
	}

	l.mu.Lock()
	l.insertSorted(roomID, msg)
	l.pendingRooms[msg.ID] = roomID
	l.mu.Unlock()

	return msg
}

// Reconcile folds a server-confirmed message into the room log. If it
// matches a pending local entry (by echoed client id, or by sender and
// content within the tolerance window), that entry is replaced in place so
// its visual position does not jump. Otherwise the message is inserted as a
// new entry at its timestamp-correct position. A message whose server id is
// already present is ignored, which makes retransmit echoes harmless.
//
// It returns the stored message and true when the log changed.
func (l *Log) Reconcile(sm protocol.NewMessageMsg) (Message, bool) {
	confirmed := Message{
		ID:          sm.ID,
		RoomID:      sm.RoomID,
		SenderID:    sm.SenderID,
		SenderRole:  sm.SenderRole,
		Content:     sm.Content,
		CreatedAt:   time.UnixMilli(sm.CreatedAt),
		IsEmergency: sm.IsEmergency,
		State:       DeliverySent,
		ClientMsgID: sm.ClientMsgID,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.rooms[sm.RoomID]

	// Duplicate server id: already reconciled.
	for _, m := range msgs {
		if m.ID == confirmed.ID {
			return m, false
		}
	}

	if idx := l.matchPending(msgs, confirmed); idx >= 0 {
		delete(l.pendingRooms, msgs[idx].ID)
		msgs[idx] = confirmed
		return confirmed, true
	}

	l.insertSorted(sm.RoomID, confirmed)
	return confirmed, true
}

// matchPending returns the index of the pending entry the confirmed message
// reconciles against, or -1. An echoed client id is authoritative; the
// sender+content heuristic only applies within the tolerance window.
func (l *Log) matchPending(msgs []Message, confirmed Message) int {
	if confirmed.ClientMsgID != "" {
		for i, m := range msgs {
			if m.State == DeliveryPending && m.ClientMsgID == confirmed.ClientMsgID {
				return i
			}
		}
	}
	for i, m := range msgs {
		if m.State != DeliveryPending {
			continue
		}
		if m.SenderID != confirmed.SenderID || m.Content != confirmed.Content {
			continue
		}
		delta := confirmed.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= l.tolerance {
			return i
		}
	}
	return -1
}

// MarkFailed flips a pending message to failed. The entry remains in the
// log so the UI can render a retry affordance. Returns false if the id is
// unknown or no longer pending.
func (l *Log) MarkFailed(tempID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	roomID, ok := l.pendingRooms[tempID]
	if !ok {
		return false
	}
	delete(l.pendingRooms, tempID)

	msgs := l.rooms[roomID]
	for i, m := range msgs {
		if m.ID == tempID && m.State == DeliveryPending {
			msgs[i].State = DeliveryFailed
			return true
		}
	}
	return false
}

// MarkFailedByClientID fails the pending message carrying the given client
// id, for server-side send rejections that reference it. Returns the room
// holding the message.
func (l *Log) MarkFailedByClientID(clientMsgID string) (string, bool) {
	l.mu.RLock()
	var tempID, roomID string
	for id, rid := range l.pendingRooms {
		for _, m := range l.rooms[rid] {
			if m.ID == id && m.ClientMsgID == clientMsgID {
				tempID, roomID = id, rid
				break
			}
		}
		if tempID != "" {
			break
		}
	}
	l.mu.RUnlock()

	if tempID == "" {
		return "", false
	}
	return roomID, l.MarkFailed(tempID)
}

// Backfill merges history messages fetched over HTTP into the room log.
// Entries whose server id is already present are skipped; pending local
// entries are never displaced.
func (l *Log) Backfill(roomID string, history []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	known := make(map[string]struct{}, len(l.rooms[roomID]))
	for _, m := range l.rooms[roomID] {
		known[m.ID] = struct{}{}
	}

	added := 0
	for _, m := range history {
		if _, ok := known[m.ID]; ok {
			continue
		}
		m.RoomID = roomID
		m.State = DeliverySent
		l.insertSorted(roomID, m)
		known[m.ID] = struct{}{}
		added++
	}
	return added
}

// Messages returns a lazy, restartable sequence over a point-in-time
// snapshot of the room's log in ascending creation order. Re-ranging the
// sequence replays the same snapshot; later appends are not observed.
func (l *Log) Messages(roomID string) iter.Seq[Message] {
	l.mu.RLock()
	snapshot := make([]Message, len(l.rooms[roomID]))
	copy(snapshot, l.rooms[roomID])
	l.mu.RUnlock()

	return func(yield func(Message) bool) {
		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

// Find returns the message with the given id in a room.
func (l *Log) Find(roomID, id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, m := range l.rooms[roomID] {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Pending returns all still-pending messages across rooms in creation
// order, for retransmission after a reconnect.
func (l *Log) Pending() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Message
	for tempID, roomID := range l.pendingRooms {
		for _, m := range l.rooms[roomID] {
			if m.ID == tempID {
				out = append(out, m)
				break
			}
		}
	}
	sortByCreatedAt(out)
	return out
}

// Len returns the number of messages stored for a room.
func (l *Log) Len(roomID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms[roomID])
}

// insertSorted places msg at the last position whose predecessors all have
// CreatedAt <= msg.CreatedAt, so equal timestamps keep arrival order.
// Caller must hold l.mu.
func (l *Log) insertSorted(roomID string, msg Message) {
	msgs := l.rooms[roomID]
	idx := len(msgs)
	for idx > 0 && msgs[idx-1].CreatedAt.After(msg.CreatedAt) {
		idx--
	}
	msgs = append(msgs, Message{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg
	l.rooms[roomID] = msgs
}

func sortByCreatedAt(msgs []Message) {
	// Insertion sort; pending sets are small.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}
