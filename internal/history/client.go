// Package history is the HTTP collaborator client used to rehydrate room
// message logs when a room is opened, and as a send fallback when the
// realtime path is down. The chat core consumes this API; it does not own it.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nyumbani/chatkit/internal/chat"
)

// ErrUnauthorized means the bearer token was rejected by the HTTP API.
var ErrUnauthorized = errors.New("history: unauthorized")

// Conversation is one row of the conversation listing.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	LastMessage  string   `json:"last_message,omitempty"`
	UpdatedAt    int64    `json:"updated_at,omitempty"` // unix milliseconds
}

// wireMessage is the HTTP representation of a message.
type wireMessage struct {
	ID          string `json:"id"`
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	SenderRole  string `json:"sender_role,omitempty"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"created_at"` // unix milliseconds
	IsEmergency bool   `json:"is_emergency,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

func (w wireMessage) toMessage() chat.Message {
	return chat.Message{
		ID:          w.ID,
		RoomID:      w.RoomID,
		SenderID:    w.SenderID,
		SenderRole:  w.SenderRole,
		Content:     w.Content,
		CreatedAt:   time.UnixMilli(w.CreatedAt),
		IsEmergency: w.IsEmergency,
		State:       chat.DeliverySent,
		ClientMsgID: w.ClientMsgID,
	}
}

// Client talks to the conversations REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a history client for the given API base URL. A zero
// timeout selects 10s.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Conversations lists the conversations visible to the session.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var envelope struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.get(ctx, "/conversations", &envelope); err != nil {
		return nil, err
	}
	return envelope.Conversations, nil
}

// Messages fetches the full history of one conversation in server order.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var envelope struct {
		Messages []wireMessage `json:"messages"`
	}
	path := "/conversations/" + conversationID + "/messages"
	if err := c.get(ctx, path, &envelope); err != nil {
		return nil, err
	}

	out := make([]chat.Message, 0, len(envelope.Messages))
	for _, w := range envelope.Messages {
		m := w.toMessage()
		if m.RoomID == "" {
			m.RoomID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage posts a message over HTTP, the fallback used when the
// realtime path is unavailable. The server returns the confirmed message.
func (c *Client) SendMessage(ctx context.Context, conversationID string, msg chat.Message) (chat.Message, error) {
	body, err := json.Marshal(map[string]interface{}{
		"sender_id":     msg.SenderID,
		"content":       msg.Content,
		"is_emergency":  msg.IsEmergency,
		"client_msg_id": msg.ClientMsgID,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("history: marshal message: %w", err)
	}

	path := "/conversations/" + conversationID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return chat.Message{}, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return chat.Message{}, fmt.Errorf("history: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return chat.Message{}, err
	}

	var envelope struct {
		Message wireMessage `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return chat.Message{}, fmt.Errorf("history: decode response: %w", err)
	}
	confirmed := envelope.Message.toMessage()
	if confirmed.RoomID == "" {
		confirmed.RoomID = conversationID
	}
	return confirmed, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("history: decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("history: server returned %d for %s", resp.StatusCode, resp.Request.URL.Path)
	}
}
