package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/nyumbani/chatkit/internal/protocol"
)

// NATS subject layout. Backend workers consume client frames from the
// ingress subject; confirmed events fan out on per-room subjects.
const (
	SubjectIngress    = "chat.ingress"
	SubjectRoomPrefix = "chat.rooms." // + <room_id>
)

// NATSTransport carries the chat protocol over a NATS broker instead of a
// direct WebSocket link. Room membership maps to subject subscriptions, so
// join acks are synthesized locally once the subscription is established;
// room authorization is enforced broker-side via the connection token.
type NATSTransport struct {
	url string

	mu    sync.Mutex
	conn  *nats.Conn
	subs  map[string]*nats.Subscription // room_id -> subscription
	inbox chan []byte
}

// NewNATSTransport creates a NATS transport for the given broker URL. No
// connection is made until Connect.
func NewNATSTransport(url string) *NATSTransport {
	return &NATSTransport{url: url}
}

// Connect establishes a broker connection authenticated by the session
// token. Reconnection is deliberately disabled here: the connection manager
// owns the retry policy, and a broker drop must surface as a Receive error.
func (t *NATSTransport) Connect(ctx context.Context, creds Credentials) error {
	inbox := make(chan []byte, 256)
	var closeOnce sync.Once

	opts := []nats.Option{
		nats.Name("chatkit-" + creds.UserID),
		nats.Token(creds.Token),
		nats.NoReconnect(),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
			closeOnce.Do(func() { close(inbox) })
		}),
	}

	conn, err := nats.Connect(t.url, opts...)
	if err != nil {
		return fmt.Errorf("transport: nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", conn.ConnectedUrl())

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.subs = make(map[string]*nats.Subscription)
	t.inbox = inbox
	t.mu.Unlock()

	// The broker accepted the token, which completes the handshake; emit
	// the session ack the WebSocket server would have sent.
	ack, err := json.Marshal(protocol.SessionAckMsg{
		Type:      protocol.TypeSessionAck,
		SessionID: creds.UserID,
	})
	if err != nil {
		return fmt.Errorf("transport: marshal session ack: %w", err)
	}
	inbox <- ack
	return nil
}

// Send interprets the outbound frame: join/leave manage room subject
// subscriptions, everything else is published to the ingress subject for
// backend workers to process.
func (t *NATSTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return ErrClosed
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("transport: frame: %w", err)
	}

	switch env.Type {
	case protocol.TypeJoinRoom:
		var m protocol.JoinRoomMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return fmt.Errorf("transport: decode join_room: %w", err)
		}
		return t.joinRoom(conn, m.RoomID)

	case protocol.TypeLeaveRoom:
		var m protocol.LeaveRoomMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return fmt.Errorf("transport: decode leave_room: %w", err)
		}
		t.leaveRoom(m.RoomID)
		return nil

	case protocol.TypePing:
		// No server on the other end of a ping; answer locally.
		t.deliver([]byte(`{"type":"pong"}`))
		return nil

	default:
		if err := conn.Publish(SubjectIngress, data); err != nil {
			return fmt.Errorf("transport: publish %s: %w", SubjectIngress, err)
		}
		return nil
	}
}

// joinRoom subscribes to the room's fan-out subject and synthesizes the ack.
// Rejoining an already-subscribed room only re-acks.
func (t *NATSTransport) joinRoom(conn *nats.Conn, roomID string) error {
	t.mu.Lock()
	_, joined := t.subs[roomID]
	t.mu.Unlock()

	if !joined {
		subject := SubjectRoomPrefix + roomID
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			t.deliver(msg.Data)
		})
		if err != nil {
			reject, _ := json.Marshal(protocol.RoomJoinRejectMsg{
				Type:   protocol.TypeRoomJoinReject,
				RoomID: roomID,
				Reason: err.Error(),
			})
			t.deliver(reject)
			return fmt.Errorf("transport: subscribe %s: %w", subject, err)
		}
		t.mu.Lock()
		t.subs[roomID] = sub
		t.mu.Unlock()
	}

	ack, _ := json.Marshal(protocol.RoomJoinAckMsg{
		Type:   protocol.TypeRoomJoinAck,
		RoomID: roomID,
	})
	t.deliver(ack)
	return nil
}

func (t *NATSTransport) leaveRoom(roomID string) {
	t.mu.Lock()
	sub, ok := t.subs[roomID]
	if ok {
		delete(t.subs, roomID)
	}
	t.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe room=%s: %v", roomID, err)
		}
	}
}

// deliver pushes a frame into the inbox. A full inbox drops the frame; a
// stalled consumer must not wedge the broker callback goroutine.
func (t *NATSTransport) deliver(data []byte) {
	t.mu.Lock()
	inbox := t.inbox
	t.mu.Unlock()
	if inbox == nil {
		return
	}
	defer func() {
		// Late deliveries can race inbox close during teardown.
		_ = recover()
	}()
	select {
	case inbox <- data:
	default:
		log.Printf("[nats] inbox full, dropping frame")
	}
}

// Receive blocks for the next inbound frame.
func (t *NATSTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	inbox := t.inbox
	t.mu.Unlock()
	if inbox == nil {
		return nil, ErrClosed
	}

	data, ok := <-inbox
	if !ok {
		return nil, ErrClosed
	}
	return data, nil
}

// Close drains subscriptions and closes the broker connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	subs := t.subs
	t.conn = nil
	t.subs = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	for roomID, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain room=%s: %v", roomID, err)
		}
	}
	conn.Close()
	return nil
}
