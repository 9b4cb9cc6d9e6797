// Package room tracks which conversation and broadcast rooms the client has
// joined. Join requests are coalesced so concurrent joins for the same room
// produce a single outstanding frame, and an in-flight join is canceled by
// leaving the room.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nyumbani/chatkit/internal/metrics"
	"github.com/nyumbani/chatkit/internal/protocol"
)

// DefaultJoinTimeout is the client-side safety net on join acknowledgment.
const DefaultJoinTimeout = 10 * time.Second

var (
	// ErrJoinTimeout means the server did not acknowledge the join in time.
	ErrJoinTimeout = errors.New("room: join timed out")

	// ErrJoinCanceled means the join was abandoned by a leave or by session
	// teardown before the server answered.
	ErrJoinCanceled = errors.New("room: join canceled")
)

// RejectedError is the server's refusal of a specific room. It is local to
// that room and does not affect other memberships.
type RejectedError struct {
	RoomID string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("room: join rejected for %q", e.RoomID)
	}
	return fmt.Sprintf("room: join rejected for %q: %s", e.RoomID, e.Reason)
}

// Sender transmits one frame to the server.
type Sender func(data []byte) error

type pendingJoin struct {
	done     chan struct{}
	err      error
	resolved bool
}

// Registry is the membership table for one session. It is goroutine-safe.
type Registry struct {
	send    Sender
	timeout time.Duration

	mu      sync.Mutex
	members map[string]struct{}
	pending map[string]*pendingJoin
}

// NewRegistry creates an empty Registry that transmits frames through send.
// A zero timeout selects DefaultJoinTimeout.
func NewRegistry(send Sender, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	return &Registry{
		send:    send,
		timeout: timeout,
		members: make(map[string]struct{}),
		pending: make(map[string]*pendingJoin),
	}
}

// Join requests membership and blocks until the server acknowledges,
// rejects, the timeout fires, or ctx is canceled. Joining an already-joined
// room returns immediately. Concurrent joins for one room share a single
// outstanding request and resolve with the same outcome.
func (r *Registry) Join(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if _, ok := r.members[roomID]; ok {
		r.mu.Unlock()
		return nil
	}
	pj, inflight := r.pending[roomID]
	if !inflight {
		pj = &pendingJoin{done: make(chan struct{})}
		r.pending[roomID] = pj
	}
	r.mu.Unlock()

	if !inflight {
		frame, err := protocol.NewClientMessage(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
		if err == nil {
			err = r.send(frame)
		}
		if err != nil {
			r.resolve(roomID, pj, fmt.Errorf("room: join request: %w", err))
		}
	}

	select {
	case <-pj.done:
		return pj.err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.timeout):
		r.resolve(roomID, pj, ErrJoinTimeout)
		<-pj.done
		return pj.err
	}
}

// Leave removes local membership, cancels any in-flight join for the room,
// and notifies the server. Leaving an unknown room is a no-op.
func (r *Registry) Leave(roomID string) error {
	r.mu.Lock()
	pj := r.pending[roomID]
	_, wasMember := r.members[roomID]
	delete(r.members, roomID)
	r.updateGaugeLocked()
	r.mu.Unlock()

	if pj != nil {
		r.resolve(roomID, pj, ErrJoinCanceled)
	}
	if !wasMember && pj == nil {
		return nil
	}

	frame, err := protocol.NewClientMessage(protocol.TypeLeaveRoom, protocol.LeaveRoomMsg{RoomID: roomID})
	if err != nil {
		return err
	}
	// Local membership is already released; a transmit failure only means
	// the server finds out when the connection dies.
	if err := r.send(frame); err != nil {
		return nil
	}
	return nil
}

// IsMember reports acknowledged membership.
func (r *Registry) IsMember(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[roomID]
	return ok
}

// Rooms returns the acknowledged memberships in stable order.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HandleAck resolves the room's in-flight join, if any. Acks that arrive
// after a leave or for already-joined rooms are ignored.
func (r *Registry) HandleAck(roomID string) {
	r.mu.Lock()
	pj := r.pending[roomID]
	r.mu.Unlock()
	if pj != nil {
		r.resolve(roomID, pj, nil)
	}
}

// HandleReject fails the room's in-flight join. A rejection for an
// established membership (e.g. during a rejoin) revokes it.
func (r *Registry) HandleReject(roomID, reason string) {
	r.mu.Lock()
	pj := r.pending[roomID]
	delete(r.members, roomID)
	r.updateGaugeLocked()
	r.mu.Unlock()

	if pj != nil {
		r.resolve(roomID, pj, &RejectedError{RoomID: roomID, Reason: reason})
	}
}

// RejoinAll re-requests every acknowledged membership after a reconnect.
// Memberships are kept optimistically; a server rejection revokes them via
// HandleReject.
func (r *Registry) RejoinAll() {
	for _, roomID := range r.Rooms() {
		frame, err := protocol.NewClientMessage(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
		if err != nil {
			continue
		}
		if err := r.send(frame); err != nil {
			// The next reconnect cycle retries.
			return
		}
	}
}

// CancelAll fails every in-flight join with the given cause. Used at
// session teardown so no caller is left hanging.
func (r *Registry) CancelAll(cause error) {
	if cause == nil {
		cause = ErrJoinCanceled
	}
	r.mu.Lock()
	pendings := make(map[string]*pendingJoin, len(r.pending))
	for id, pj := range r.pending {
		pendings[id] = pj
	}
	r.mu.Unlock()

	for id, pj := range pendings {
		r.resolve(id, pj, cause)
	}
}

// resolve settles a pending join exactly once: records membership on
// success, removes the pending entry, and releases all waiters.
func (r *Registry) resolve(roomID string, pj *pendingJoin, err error) {
	r.mu.Lock()
	if pj.resolved {
		r.mu.Unlock()
		return
	}
	pj.resolved = true
	pj.err = err
	if r.pending[roomID] == pj {
		delete(r.pending, roomID)
	}
	if err == nil {
		r.members[roomID] = struct{}{}
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	close(pj.done)
}

func (r *Registry) updateGaugeLocked() {
	metrics.RoomsJoined.Set(float64(len(r.members)))
}
