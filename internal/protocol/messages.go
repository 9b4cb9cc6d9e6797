// Package protocol defines the wire message types exchanged between the
// chat client and the Nyumbani messaging backend. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionAck      = "session_ack"
	TypeRoomJoinAck     = "room_join_ack"
	TypeRoomJoinReject  = "room_join_reject"
	TypeNewMessage      = "new_message"
	TypePresenceUpdate  = "presence_update"
	TypePaymentReceived = "payment_received"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by ErrorMsg that the client gives special treatment.
const (
	CodeUnauthorized = "unauthorized"
	CodeSendRejected = "send_rejected"
)

// ---------------------------------------------------------------------------
// Envelope, used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg requests membership in a conversation or broadcast room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg ends membership in a room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg transmits a chat message. ClientMsgID is a client-generated
// identifier that the server echoes back in the confirming NewMessageMsg so
// the sender can reconcile its optimistic local copy.
type SendMessageMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	Content     string `json:"content"`
	IsEmergency bool   `json:"is_emergency,omitempty"`
	ClientMsgID string `json:"client_msg_id"`
}

// TypingMsg reports whether the user is currently typing in a room.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionAckMsg is the first frame the server sends after a successful
// connection handshake.
type SessionAckMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// RoomJoinAckMsg confirms room membership.
type RoomJoinAckMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RoomJoinRejectMsg denies room membership (not authorized or not found).
type RoomJoinRejectMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// NewMessageMsg is a confirmed or broadcast message. ClientMsgID is present
// only when the message echoes one the receiving client sent itself.
type NewMessageMsg struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	SenderRole  string `json:"sender_role,omitempty"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"created_at"` // unix milliseconds
	IsEmergency bool   `json:"is_emergency,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// PresenceUpdateMsg is a presence delta for one user in one room.
type PresenceUpdateMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	IsTyping bool   `json:"is_typing"`
}

// PaymentReceivedMsg notifies a landlord that a tenant payment was confirmed.
type PaymentReceivedMsg struct {
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	PayerName string  `json:"payer_name"`
	Reference string  `json:"reference,omitempty"`
}

// ErrorMsg communicates an error condition from the server. When the error
// rejects a specific send, ClientMsgID identifies the message it rejects.
type ErrorMsg struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses raw transport bytes into a typed server message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// client-only message types.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSessionAck:
		var m SessionAckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRoomJoinAck:
		var m RoomJoinAckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRoomJoinReject:
		var m RoomJoinRejectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceUpdate:
		var m PresenceUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePaymentReceived:
		var m PaymentReceivedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates a JSON-encoded byte slice for a client message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the client message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
