// Package session defines the authenticated identity that drives a chat
// connection. The surrounding application owns the session lifecycle; the
// chat subsystem only borrows it for the connection handshake and tears the
// connection down when the session ends.
package session

import "fmt"

// Participant roles form a closed set. The server enforces what each role may
// do; the client only labels messages with it.
const (
	RoleLandlord  = "landlord"
	RoleTenant    = "tenant"
	RoleCaretaker = "caretaker"
	RoleAdmin     = "admin"
)

// Session carries the identity and credentials for one authenticated user.
// It is passed explicitly to the chat controller; no package-level state
// holds connection or room membership.
type Session struct {
	UserID    string
	Role      string
	AuthToken string
}

// Validate checks that the session has everything a handshake needs.
func (s Session) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("session: missing user id")
	}
	if s.AuthToken == "" {
		return fmt.Errorf("session: missing auth token")
	}
	switch s.Role {
	case RoleLandlord, RoleTenant, RoleCaretaker, RoleAdmin:
		return nil
	default:
		return fmt.Errorf("session: unknown role %q", s.Role)
	}
}
