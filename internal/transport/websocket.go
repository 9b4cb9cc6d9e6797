package transport

import (
	"context"
	"fmt"
	"net"
	neturl "net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocket is the production Transport: a single WebSocket connection to
// the messaging backend. Credentials are passed as query parameters on the
// dial URL so the server can authenticate the session before the first frame.
type WebSocket struct {
	url string

	mu   sync.Mutex // guards conn swaps and serializes writes
	conn net.Conn
}

// NewWebSocket creates a WebSocket transport for the given ws:// or wss://
// endpoint. No connection is made until Connect.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{url: url}
}

// Connect dials the endpoint with the session credentials attached. Any
// previous connection is closed first.
func (t *WebSocket) Connect(ctx context.Context, creds Credentials) error {
	u, err := neturl.Parse(t.url)
	if err != nil {
		return fmt.Errorf("transport: invalid url %q: %w", t.url, err)
	}
	q := u.Query()
	q.Set("token", creds.Token)
	q.Set("user_id", creds.UserID)
	if creds.Role != "" {
		q.Set("role", creds.Role)
	}
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Send writes a text frame. The mutex ensures concurrent senders do not
// interleave frame bytes.
func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrClosed
	}
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

// Receive blocks for the next text frame from the server. Control frames
// (ping/pong/close) are handled by wsutil internally.
func (t *WebSocket) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrClosed
	}

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return data, nil
}

// Close tears down the connection. Blocked Receive calls return an error.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
