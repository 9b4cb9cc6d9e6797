// Package client wires the connection, room, message, presence, and
// notification layers into a single facade the rest of an application
// talks to.
package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nyumbani/chatkit/internal/chat"
	"github.com/nyumbani/chatkit/internal/connection"
	"github.com/nyumbani/chatkit/internal/history"
	"github.com/nyumbani/chatkit/internal/metrics"
	"github.com/nyumbani/chatkit/internal/notify"
	"github.com/nyumbani/chatkit/internal/presence"
	"github.com/nyumbani/chatkit/internal/protocol"
	"github.com/nyumbani/chatkit/internal/ratelimit"
	"github.com/nyumbani/chatkit/internal/room"
	"github.com/nyumbani/chatkit/internal/session"
	"github.com/nyumbani/chatkit/internal/transport"
)

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("client: controller closed")

	// ErrRateLimited is returned when the per-room send throttle rejects
	// a message before it is appended locally.
	ErrRateLimited = errors.New("client: message rate limit exceeded")

	// ErrNotRetryable is returned by RetrySend for messages that are not
	// in the failed state.
	ErrNotRetryable = errors.New("client: message is not in a failed state")
)

// DefaultSendTimeout is how long a sent message may stay pending before it
// is marked failed.
const DefaultSendTimeout = 10 * time.Second

// Config tunes a Controller. Zero fields take their defaults.
type Config struct {
	Connection  connection.Config
	SendTimeout time.Duration  // pending -> failed deadline (default 10s)
	JoinTimeout time.Duration  // room join ack deadline (default 10s)
	Tolerance   time.Duration  // reconcile content-match window (default 5s)
	MessageRule ratelimit.Rule // per-room send throttle (default 5 per 10s)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Connection:  connection.DefaultConfig(),
		SendTimeout: DefaultSendTimeout,
		JoinTimeout: room.DefaultJoinTimeout,
		Tolerance:   chat.DefaultToleranceWindow,
		MessageRule: ratelimit.RuleMessage,
	}
}

// Controller is the application-facing chat facade. It owns one connection,
// the message log, room memberships, presence state, and the notification
// bridge, and keeps them consistent as events arrive.
//
// All methods are safe for concurrent use. Room subscribers are invoked on
// the connection's event goroutine and must not block.
type Controller struct {
	session  session.Session
	conn     *connection.Manager
	rooms    *room.Registry
	log      *chat.Log
	presence *presence.Tracker
	notifier notify.Notifier
	history  *history.Client // nil when no HTTP API is configured
	limiter  *ratelimit.Limiter

	sendTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	activeRoom string
	subs       map[string]map[int]func()
	nextSubID  int
	timers     map[string]*time.Timer // temp id -> send deadline
	sentAt     map[string]time.Time   // client msg id -> transmit time
	connState  connection.State

	unsubscribe func()
}

// New builds a Controller for the given session over the given transport.
// hist may be nil when no HTTP history API is available; notifier may be
// nil to discard notifications.
func New(sess session.Session, t transport.Transport, hist *history.Client, notifier notify.Notifier, cfg Config) (*Controller, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	rule := cfg.MessageRule
	if rule.Limit <= 0 {
		rule = ratelimit.RuleMessage
	}

	c := &Controller{
		session:     sess,
		conn:        connection.NewManager(t, cfg.Connection),
		log:         chat.NewLog(cfg.Tolerance),
		presence:    presence.NewTracker(),
		notifier:    notifier,
		history:     hist,
		limiter:     ratelimit.NewLimiter(rule),
		sendTimeout: cfg.SendTimeout,
		subs:        make(map[string]map[int]func()),
		timers:      make(map[string]*time.Timer),
		sentAt:      make(map[string]time.Time),
		connState:   connection.StateDisconnected,
	}
	c.rooms = room.NewRegistry(c.conn.Send, cfg.JoinTimeout)
	c.unsubscribe = c.conn.Subscribe(c.handleEvent)
	return c, nil
}

// Connect dials the server and completes the session handshake.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	return c.conn.Connect(ctx, transport.Credentials{
		UserID: c.session.UserID,
		Role:   c.session.Role,
		Token:  c.session.AuthToken,
	})
}

// State reports the current connection state.
func (c *Controller) State() connection.State {
	return c.conn.State()
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendMessage validates and optimistically appends a message, then transmits
// it. It returns the temporary local id immediately; delivery outcome is
// reflected in the message's state and announced to room subscribers. When
// the connection is down and an HTTP API is configured, the message is sent
// over HTTP instead.
func (c *Controller) SendMessage(roomID, content string, isEmergency bool) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()

	if err := chat.ValidateContent(content); err != nil {
		return "", err
	}
	if !c.limiter.Allow(roomID) {
		return "", ErrRateLimited
	}

	msg := c.log.AppendLocal(roomID, c.session.UserID, c.session.Role, strings.TrimSpace(content), isEmergency)
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	c.armDeadline(msg)
	c.transmit(msg)
	c.notifyRoom(roomID)
	return msg.ID, nil
}

// RetrySend re-sends a failed message's content as a fresh attempt with its
// own temporary id and delivery deadline. The failed entry stays visible.
// Returns the new temporary id.
func (c *Controller) RetrySend(roomID, tempID string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()

	failed, ok := c.log.Find(roomID, tempID)
	if !ok || failed.State != chat.DeliveryFailed {
		return "", ErrNotRetryable
	}
	if !c.limiter.Allow(roomID) {
		return "", ErrRateLimited
	}

	msg := c.log.AppendLocal(roomID, c.session.UserID, c.session.Role, failed.Content, failed.IsEmergency)
	metrics.MessagesTotal.WithLabelValues("retried").Inc()

	c.armDeadline(msg)
	c.transmit(msg)
	c.notifyRoom(roomID)
	return msg.ID, nil
}

// transmit pushes one pending message over the connection, falling back to
// HTTP when disconnected. A send failure marks the message failed except
// while reconnecting, where it stays queued for retransmission.
func (c *Controller) transmit(msg chat.Message) {
	frame, err := protocol.NewClientMessage(protocol.TypeSendMessage, protocol.SendMessageMsg{
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		IsEmergency: msg.IsEmergency,
		ClientMsgID: msg.ClientMsgID,
	})
	if err != nil {
		c.failSend(msg.RoomID, msg.ID)
		return
	}

	c.mu.Lock()
	c.sentAt[msg.ClientMsgID] = time.Now()
	c.mu.Unlock()

	if err := c.conn.Send(frame); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			if c.conn.State() == connection.StateReconnecting {
				// Queued; retransmitted once the connection returns.
				return
			}
			if c.history != nil {
				go c.sendViaHTTP(msg)
				return
			}
		}
		c.failSend(msg.RoomID, msg.ID)
	}
}

// sendViaHTTP delivers a message through the REST API when the realtime
// connection is unavailable. The confirmed copy reconciles the optimistic
// entry exactly as a realtime echo would.
func (c *Controller) sendViaHTTP(msg chat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	confirmed, err := c.history.SendMessage(ctx, msg.RoomID, msg)
	if err != nil {
		log.Printf("[client] http send failed for %s: %v", msg.ID, err)
		c.failSend(msg.RoomID, msg.ID)
		return
	}

	c.applyConfirmed(protocol.NewMessageMsg{
		ID:          confirmed.ID,
		RoomID:      msg.RoomID,
		SenderID:    confirmed.SenderID,
		SenderRole:  confirmed.SenderRole,
		Content:     confirmed.Content,
		CreatedAt:   confirmed.CreatedAt.UnixMilli(),
		IsEmergency: confirmed.IsEmergency,
		ClientMsgID: msg.ClientMsgID,
	})
}

// armDeadline starts (or restarts) the pending -> failed timer for a message.
func (c *Controller) armDeadline(msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.timers[msg.ID]; ok {
		t.Stop()
	}
	c.timers[msg.ID] = time.AfterFunc(c.sendTimeout, func() {
		c.failSend(msg.RoomID, msg.ID)
	})
}

// failSend marks a message failed if it is still pending. The entry remains
// visible so the user can retry it.
func (c *Controller) failSend(roomID, tempID string) {
	c.clearDeadline(tempID)
	if c.log.MarkFailed(tempID) {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		c.notifyRoom(roomID)
	}
}

func (c *Controller) clearDeadline(tempID string) {
	c.mu.Lock()
	if t, ok := c.timers[tempID]; ok {
		t.Stop()
		delete(c.timers, tempID)
	}
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// JoinRoom joins a room and, when an HTTP API is configured, backfills its
// recent history. Backfill failures are logged, not fatal; realtime delivery
// still works without history.
func (c *Controller) JoinRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.rooms.Join(ctx, roomID); err != nil {
		return err
	}

	if c.history != nil {
		msgs, err := c.history.Messages(ctx, roomID)
		if err != nil {
			log.Printf("[client] history backfill failed for room %s: %v", roomID, err)
		} else if c.log.Backfill(roomID, msgs) > 0 {
			c.notifyRoom(roomID)
		}
	}
	return nil
}

// LeaveRoom ends membership in a room and drops its presence state. The
// message log keeps the room's messages for later rejoin.
func (c *Controller) LeaveRoom(roomID string) error {
	if err := c.rooms.Leave(roomID); err != nil {
		return err
	}
	c.presence.ClearRoom(roomID)
	c.notifyRoom(roomID)
	return nil
}

// Rooms lists current room memberships.
func (c *Controller) Rooms() []string {
	return c.rooms.Rooms()
}

// IsMember reports whether the session is a member of the room.
func (c *Controller) IsMember(roomID string) bool {
	return c.rooms.IsMember(roomID)
}

// SetActiveRoom marks the room the user is currently viewing. Messages for
// the active room do not raise notifications unless they are emergencies.
func (c *Controller) SetActiveRoom(roomID string) {
	c.mu.Lock()
	c.activeRoom = roomID
	c.mu.Unlock()
}

// ActiveRoom returns the room currently in focus, if any.
func (c *Controller) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRoom
}

// SetTyping reports the user's typing state to the room. Typing frames are
// best effort and silently dropped while disconnected.
func (c *Controller) SetTyping(roomID string, isTyping bool) {
	frame, err := protocol.NewClientMessage(protocol.TypeTyping, protocol.TypingMsg{
		RoomID:   roomID,
		IsTyping: isTyping,
	})
	if err != nil {
		return
	}
	if err := c.conn.Send(frame); err != nil && !errors.Is(err, connection.ErrNotConnected) {
		log.Printf("[client] typing frame dropped: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Messages iterates the room's messages in timestamp order over a stable
// snapshot.
func (c *Controller) Messages(roomID string) iter.Seq[chat.Message] {
	return c.log.Messages(roomID)
}

// Online lists users currently online in the room.
func (c *Controller) Online(roomID string) []string {
	return c.presence.Online(roomID)
}

// IsTyping reports whether a user is typing in the room.
func (c *Controller) IsTyping(roomID, userID string) bool {
	return c.presence.IsTyping(roomID, userID)
}

// Conversations lists the session's conversations from the HTTP API.
func (c *Controller) Conversations(ctx context.Context) ([]history.Conversation, error) {
	if c.history == nil {
		return nil, nil
	}
	return c.history.Conversations(ctx)
}

// Subscribe registers a callback invoked whenever the room's visible state
// changes (messages, presence, membership). The returned function removes
// the subscription.
func (c *Controller) Subscribe(roomID string, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[roomID] == nil {
		c.subs[roomID] = make(map[int]func())
	}
	id := c.nextSubID
	c.nextSubID++
	c.subs[roomID][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[roomID], id)
	}
}

// Close releases the controller: in-flight joins are canceled, timers are
// stopped, and the connection is torn down. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = map[string]*time.Timer{}
	c.subs = map[string]map[int]func(){}
	c.mu.Unlock()

	c.rooms.CancelAll(ErrClosed)
	c.unsubscribe()
	err := c.conn.Disconnect()

	// Release memberships and presence locally; the server notices the
	// connection going away on its own.
	for _, roomID := range c.rooms.Rooms() {
		c.rooms.Leave(roomID)
		c.presence.ClearRoom(roomID)
	}
	return err
}

// ---------------------------------------------------------------------------
// Event routing
// ---------------------------------------------------------------------------

func (c *Controller) handleEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventStateChanged:
		c.handleStateChange(ev.State)
	case connection.EventMessageReceived:
		c.applyConfirmed(ev.Message)
	case connection.EventPresenceChanged:
		c.presence.Apply(ev.Presence)
		c.notifyRoom(ev.Presence.RoomID)
	case connection.EventRoomJoinAcked:
		c.rooms.HandleAck(ev.RoomID)
		c.notifyRoom(ev.RoomID)
	case connection.EventRoomJoinRejected:
		c.rooms.HandleReject(ev.RoomID, ev.Reason)
		c.notifyRoom(ev.RoomID)
	case connection.EventPaymentReceived:
		c.announce("Payment received",
			fmt.Sprintf("KSh %.2f from %s", ev.Payment.Amount, ev.Payment.PayerName),
			notify.PriorityNormal)
	case connection.EventSendRejected:
		if roomID, ok := c.log.MarkFailedByClientID(ev.ClientMsgID); ok {
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			c.notifyRoom(roomID)
		}
	}
}

// handleStateChange re-establishes room memberships and retransmits queued
// sends after a successful reconnect, then fans the state out to every
// subscriber so connection indicators update.
func (c *Controller) handleStateChange(s connection.State) {
	c.mu.Lock()
	prev := c.connState
	c.connState = s
	c.mu.Unlock()

	if s == connection.StateConnected && prev == connection.StateReconnecting {
		c.rooms.RejoinAll()
		for _, m := range c.log.Pending() {
			c.armDeadline(m)
			c.transmit(m)
		}
	}
	c.notifyAll()
}

// applyConfirmed folds a server-confirmed message into the log. A replaced
// optimistic entry records its confirm latency; messages from others raise
// notifications per the active-room rule.
func (c *Controller) applyConfirmed(sm protocol.NewMessageMsg) {
	stored, changed := c.log.Reconcile(sm)
	if !changed {
		return
	}
	metrics.MessagesTotal.WithLabelValues("received").Inc()

	if sm.ClientMsgID != "" && sm.SenderID == c.session.UserID {
		c.mu.Lock()
		if at, ok := c.sentAt[sm.ClientMsgID]; ok {
			metrics.SendConfirmLatency.Observe(time.Since(at).Seconds())
			delete(c.sentAt, sm.ClientMsgID)
		}
		c.mu.Unlock()
	}

	if stored.SenderID != c.session.UserID {
		switch {
		case stored.IsEmergency:
			c.announce("Emergency alert", stored.Content, notify.PriorityEmergency)
		case stored.RoomID != c.ActiveRoom():
			c.announce("New message", stored.Content, notify.PriorityNormal)
		}
	}
	c.notifyRoom(stored.RoomID)
}

func (c *Controller) announce(title, body string, priority notify.Priority) {
	metrics.NotificationsTotal.WithLabelValues(string(priority)).Inc()
	c.notifier.Notify(title, body, priority)
}

// notifyRoom invokes the room's subscribers outside the controller lock.
func (c *Controller) notifyRoom(roomID string) {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.subs[roomID]))
	for _, fn := range c.subs[roomID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Controller) notifyAll() {
	c.mu.Lock()
	var fns []func()
	for _, roomSubs := range c.subs {
		for _, fn := range roomSubs {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
