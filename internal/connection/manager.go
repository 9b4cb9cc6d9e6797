// Package connection maintains exactly one live transport connection per
// authenticated session. It owns the connection state machine, performs the
// handshake, recovers from unexpected drops with exponential backoff, and
// fans transport events out to subscribers as a single ordered stream.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nyumbani/chatkit/internal/metrics"
	"github.com/nyumbani/chatkit/internal/protocol"
	"github.com/nyumbani/chatkit/internal/transport"
)

// State is the connection lifecycle state. It is owned exclusively by the
// Manager; other components read it through events or State().
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	// ErrAuthenticationFailed means the server rejected the handshake
	// credentials. Fatal for the session; the Manager does not retry.
	ErrAuthenticationFailed = errors.New("connection: authentication rejected")

	// ErrNotConnected is returned by Send when no live connection exists.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrSessionClosed is returned once Disconnect has been called.
	ErrSessionClosed = errors.New("connection: session closed")
)

// EventKind discriminates Manager events.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventMessageReceived
	EventPresenceChanged
	EventRoomJoinAcked
	EventRoomJoinRejected
	EventPaymentReceived
	EventSendRejected
)

// Event is one entry in the ordered stream delivered to subscribers.
// Exactly the fields for its Kind are populated.
type Event struct {
	Kind EventKind

	State State // EventStateChanged
	Err   error // EventStateChanged: terminal cause, e.g. auth rejection

	Message  protocol.NewMessageMsg     // EventMessageReceived
	Presence protocol.PresenceUpdateMsg // EventPresenceChanged
	Payment  protocol.PaymentReceivedMsg

	RoomID string // room join outcomes
	Reason string // EventRoomJoinRejected, EventSendRejected

	ClientMsgID string // EventSendRejected
}

// Config holds connection tuning parameters.
type Config struct {
	BackoffBase       time.Duration // first reconnect delay bound (default 1s)
	BackoffCap        time.Duration // max reconnect delay bound (default 30s)
	HandshakeTimeout  time.Duration // dial + session ack deadline (default 10s)
	HeartbeatInterval time.Duration // keepalive ping cadence, 0 disables (default 30s)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase:       1 * time.Second,
		BackoffCap:        30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

type subscriber struct {
	id int
	fn func(Event)
}

// Manager drives one Transport on behalf of one session.
type Manager struct {
	transport transport.Transport
	config    Config

	mu     sync.Mutex
	state  State
	creds  transport.Credentials
	closed bool
	gen    int // connection generation; stale read loops detect replacement
	subs   []subscriber
	nextID int
	done   chan struct{}
}

// NewManager creates a Manager over the given transport. Zero config fields
// take their defaults.
func NewManager(t transport.Transport, config Config) *Manager {
	def := DefaultConfig()
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = def.BackoffCap
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	// Zero takes the default; a negative interval disables the heartbeat.
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	return &Manager{
		transport: t,
		config:    config,
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an event callback and returns its unsubscribe
// function. Callbacks run on the Manager's event goroutine in registration
// order and must not block.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Connect establishes the connection and completes the handshake. It is
// idempotent: calling while connecting, connected, or reconnecting is a
// no-op. A handshake rejection returns ErrAuthenticationFailed and is not
// retried.
func (m *Manager) Connect(ctx context.Context, creds transport.Credentials) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.creds = creds
	m.mu.Unlock()

	m.setState(StateConnecting, nil)

	if err := m.transport.Connect(ctx, creds); err != nil {
		m.setState(StateDisconnected, nil)
		return fmt.Errorf("connection: connect: %w", err)
	}
	if err := m.handshake(); err != nil {
		m.transport.Close()
		if errors.Is(err, ErrAuthenticationFailed) {
			m.setState(StateDisconnected, err)
		} else {
			m.setState(StateDisconnected, nil)
		}
		return err
	}

	gen := m.nextGen()
	m.setState(StateConnected, nil)
	go m.readLoop(gen)
	if m.config.HeartbeatInterval > 0 {
		go m.heartbeat(gen)
	}
	return nil
}

// Send transmits one frame over the live connection.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	ok := m.state == StateConnected
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return m.transport.Send(data)
}

// Disconnect tears the connection down deliberately. Safe to call multiple
// times. After Disconnect the Manager cannot be reused.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	err := m.transport.Close()
	m.setState(StateDisconnected, nil)
	return err
}

// handshake waits for the server's first frame: a session ack on success or
// an error frame on credential rejection.
func (m *Manager) handshake() error {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := m.transport.Receive()
		ch <- result{data, err}
	}()

	var data []byte
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("connection: handshake: %w", r.err)
		}
		data = r.data
	case <-time.After(m.config.HandshakeTimeout):
		// Closing the transport unblocks the pending Receive.
		m.transport.Close()
		return fmt.Errorf("connection: handshake timeout after %s", m.config.HandshakeTimeout)
	}

	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return fmt.Errorf("connection: handshake: %w", err)
	}
	switch v := msg.(type) {
	case protocol.SessionAckMsg:
		log.Printf("[connection] session established id=%s", v.SessionID)
		return nil
	case protocol.ErrorMsg:
		if v.Code == protocol.CodeUnauthorized {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, v.Message)
		}
		return fmt.Errorf("connection: handshake rejected: %s: %s", v.Code, v.Message)
	default:
		return fmt.Errorf("connection: unexpected handshake frame %q", msgType)
	}
}

// readLoop pulls frames off the transport until it is replaced, closed, or
// drops. An unexpected drop transitions to reconnecting and enters the
// backoff loop on this goroutine, preserving event ordering.
func (m *Manager) readLoop(gen int) {
	for {
		data, err := m.transport.Receive()
		if err != nil {
			if m.stale(gen) {
				return
			}
			log.Printf("[connection] transport dropped: %v", err)
			m.setState(StateReconnecting, nil)
			m.reconnectLoop()
			return
		}
		m.dispatch(data, gen)
		if m.stale(gen) {
			return
		}
	}
}

// reconnectLoop retries with exponential backoff and full jitter until
// connected, the credentials are rejected, or Disconnect is called.
func (m *Manager) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		select {
		case <-m.done:
			return
		case <-time.After(m.backoffDelay(attempt)):
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		creds := m.creds
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.config.HandshakeTimeout)
		err := m.transport.Connect(ctx, creds)
		cancel()
		if err == nil {
			err = m.handshake()
			if err == nil {
				gen := m.nextGen()
				metrics.ReconnectsTotal.Inc()
				log.Printf("[connection] reconnected after %d attempt(s)", attempt+1)
				m.setState(StateConnected, nil)
				go m.readLoop(gen)
				if m.config.HeartbeatInterval > 0 {
					go m.heartbeat(gen)
				}
				return
			}
			m.transport.Close()
			if errors.Is(err, ErrAuthenticationFailed) {
				m.setState(StateDisconnected, err)
				return
			}
		}
		log.Printf("[connection] reconnect attempt %d failed: %v", attempt+1, err)
	}
}

// heartbeat sends application-level pings while this generation is live.
func (m *Manager) heartbeat(gen int) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		if m.stale(gen) {
			return
		}
		data, err := protocol.NewClientMessage(protocol.TypePing, protocol.PingMsg{})
		if err != nil {
			return
		}
		if err := m.Send(data); err != nil {
			// The read loop detects the drop; nothing to do here.
			return
		}
	}
}

// dispatch parses one server frame and emits the corresponding event.
func (m *Manager) dispatch(data []byte, gen int) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("[connection] dropping malformed frame: %v", err)
		return
	}

	switch v := msg.(type) {
	case protocol.NewMessageMsg:
		m.emit(Event{Kind: EventMessageReceived, Message: v})
	case protocol.PresenceUpdateMsg:
		m.emit(Event{Kind: EventPresenceChanged, Presence: v})
	case protocol.RoomJoinAckMsg:
		m.emit(Event{Kind: EventRoomJoinAcked, RoomID: v.RoomID})
	case protocol.RoomJoinRejectMsg:
		m.emit(Event{Kind: EventRoomJoinRejected, RoomID: v.RoomID, Reason: v.Reason})
	case protocol.PaymentReceivedMsg:
		m.emit(Event{Kind: EventPaymentReceived, Payment: v})
	case protocol.ErrorMsg:
		m.handleServerError(v, gen)
	case protocol.SessionAckMsg, protocol.PongMsg:
		// Keepalive noise; the handshake consumed the ack that matters.
	default:
		log.Printf("[connection] unhandled frame type %q", msgType)
	}
}

// handleServerError routes mid-session error frames. A revoked token is
// fatal; a send rejection fails just that message; anything else is logged.
func (m *Manager) handleServerError(v protocol.ErrorMsg, gen int) {
	switch {
	case v.Code == protocol.CodeUnauthorized:
		log.Printf("[connection] session credentials revoked: %s", v.Message)
		m.mu.Lock()
		if gen == m.gen {
			m.gen++ // marks this read loop stale so it will not reconnect
		}
		m.mu.Unlock()
		m.transport.Close()
		m.setState(StateDisconnected, fmt.Errorf("%w: %s", ErrAuthenticationFailed, v.Message))
	case v.ClientMsgID != "":
		m.emit(Event{Kind: EventSendRejected, ClientMsgID: v.ClientMsgID, Reason: v.Message})
	default:
		log.Printf("[connection] server error: %s: %s", v.Code, v.Message)
	}
}

func (m *Manager) setState(s State, cause error) {
	m.mu.Lock()
	if m.state == s && cause == nil {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	metrics.SetConnectionState(string(s))
	m.emit(Event{Kind: EventStateChanged, State: s, Err: cause})
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || gen != m.gen
}

func (m *Manager) nextGen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	return m.gen
}

// backoffDelay computes the full-jitter delay for the given attempt:
// uniform over (0, min(cap, base*2^attempt)].
func (m *Manager) backoffDelay(attempt int) time.Duration {
	bound := m.config.BackoffCap
	if attempt < 30 {
		if d := m.config.BackoffBase << uint(attempt); d > 0 && d < bound {
			bound = d
		}
	}
	return rand.N(bound) + 1
}
