// Package transport abstracts the duplex connection between the chat client
// and the messaging backend. The connection manager is written against the
// Transport interface so a WebSocket link, a NATS broker, or an in-process
// fake can all carry the same wire protocol.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive and Send after the transport has been
// closed, locally or by the peer.
var ErrClosed = errors.New("transport: closed")

// Credentials are the connection-time identity for the handshake. They ride
// the connection itself, never individual message payloads.
type Credentials struct {
	UserID string
	Role   string
	Token  string
}

// Transport is a single duplex link carrying protocol frames.
//
// Connect establishes (or re-establishes) the link. Send transmits one frame
// and is safe for concurrent use. Receive blocks until the next inbound
// frame or a terminal error; frames are delivered in the order the link
// received them. Close tears the link down and unblocks Receive.
type Transport interface {
	Connect(ctx context.Context, creds Credentials) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}
