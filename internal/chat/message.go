// Package chat maintains the per-room message logs for a chat session. It
// reconciles optimistically appended local messages with server-confirmed
// ones so the sender never sees a duplicate bubble and no message is ever
// silently dropped.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState tracks how far a locally-sent message has progressed.
type DeliveryState string

const (
	// DeliveryPending means the message was appended locally and handed to
	// the transport but the server has not confirmed it yet.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent means the server confirmed the message.
	DeliverySent DeliveryState = "sent"
	// DeliveryFailed means the transmit errored or timed out. The entry
	// stays visible so the UI can offer a retry.
	DeliveryFailed DeliveryState = "failed"
)

// localIDPrefix namespaces temporary ids so they can never collide with a
// server-assigned message id.
const localIDPrefix = "local-"

// Message is the atomic unit of a conversation.
type Message struct {
	ID          string        `json:"id"`
	RoomID      string        `json:"room_id"`
	SenderID    string        `json:"sender_id"`
	SenderRole  string        `json:"sender_role,omitempty"`
	Content     string        `json:"content"`
	CreatedAt   time.Time     `json:"created_at"`
	IsEmergency bool          `json:"is_emergency,omitempty"`
	State       DeliveryState `json:"delivery_state"`
	// ClientMsgID is set on locally-originated messages and echoed back by
	// the server in the confirming frame.
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// IsLocal reports whether the message still carries a temporary client id.
func (m Message) IsLocal() bool {
	return len(m.ID) > len(localIDPrefix) && m.ID[:len(localIDPrefix)] == localIDPrefix
}

// newLocalID generates a temporary message id.
func newLocalID() string {
	return localIDPrefix + uuid.NewString()
}
