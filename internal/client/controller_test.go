package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nyumbani/chatkit/internal/chat"
	"github.com/nyumbani/chatkit/internal/connection"
	"github.com/nyumbani/chatkit/internal/history"
	"github.com/nyumbani/chatkit/internal/notify"
	"github.com/nyumbani/chatkit/internal/protocol"
	"github.com/nyumbani/chatkit/internal/ratelimit"
	"github.com/nyumbani/chatkit/internal/session"
	"github.com/nyumbani/chatkit/internal/transport"
)

// ---------------------------------------------------------------------------
// Fake transport
// ---------------------------------------------------------------------------

// fakeTransport mirrors the server side of one connection. Each Connect
// opens a fresh inbox pre-loaded with a session ack; tests inject frames
// with push and simulate a drop with drop.
type fakeTransport struct {
	mu          sync.Mutex
	inbox       chan []byte
	inboxClosed bool
	connects    int
	sent        [][]byte
}

func (f *fakeTransport) Connect(_ context.Context, creds transport.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	inbox := make(chan []byte, 64)
	hs, _ := json.Marshal(protocol.SessionAckMsg{
		Type: protocol.TypeSessionAck, SessionID: creds.UserID,
	})
	inbox <- hs
	f.inbox = inbox
	f.inboxClosed = false
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	f.mu.Lock()
	inbox := f.inbox
	f.mu.Unlock()
	if inbox == nil {
		return nil, transport.ErrClosed
	}
	data, ok := <-inbox
	if !ok {
		return nil, transport.ErrClosed
	}
	return data, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbox != nil && !f.inboxClosed {
		close(f.inbox)
		f.inboxClosed = true
	}
	return nil
}

func (f *fakeTransport) push(t *testing.T, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.mu.Lock()
	inbox := f.inbox
	closed := f.inboxClosed
	f.mu.Unlock()
	if inbox == nil || closed {
		t.Fatal("push on closed transport")
	}
	inbox <- data
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbox != nil && !f.inboxClosed {
		close(f.inbox)
		f.inboxClosed = true
	}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// framesOfType decodes the sent frames carrying the given type discriminator.
func (f *fakeTransport) framesOfType(msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]interface{}
	for _, data := range f.sent {
		var frame map[string]interface{}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame["type"] == msgType {
			out = append(out, frame)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// notifyRecorder captures notifications for assertion.
type notifyRecorder struct {
	mu      sync.Mutex
	entries []recordedNote
}

type recordedNote struct {
	Title    string
	Body     string
	Priority notify.Priority
}

func (r *notifyRecorder) Notify(title, body string, priority notify.Priority) {
	r.mu.Lock()
	r.entries = append(r.entries, recordedNote{title, body, priority})
	r.mu.Unlock()
}

func (r *notifyRecorder) snapshot() []recordedNote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedNote, len(r.entries))
	copy(out, r.entries)
	return out
}

func testSession() session.Session {
	return session.Session{UserID: "u1", Role: session.RoleTenant, AuthToken: "tok"}
}

func testControllerConfig() Config {
	return Config{
		Connection: connection.Config{
			BackoffBase:       2 * time.Millisecond,
			BackoffCap:        10 * time.Millisecond,
			HandshakeTimeout:  500 * time.Millisecond,
			HeartbeatInterval: -1,
		},
		SendTimeout: 1 * time.Second,
		JoinTimeout: 1 * time.Second,
		MessageRule: ratelimit.Rule{Limit: 100, Window: time.Minute},
	}
}

func newTestController(t *testing.T, ft *fakeTransport, notifier notify.Notifier, hist *history.Client) *Controller {
	t.Helper()
	c, err := New(testSession(), ft, hist, notifier, testControllerConfig())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func connect(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

// joinRoom drives a join to completion by acking the frame the server sees.
func joinRoom(t *testing.T, c *Controller, ft *fakeTransport, roomID string) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- c.JoinRoom(context.Background(), roomID) }()

	waitFor(t, func() bool {
		return len(ft.framesOfType(protocol.TypeJoinRoom)) > 0
	}, "join frame")
	ft.push(t, protocol.RoomJoinAckMsg{Type: protocol.TypeRoomJoinAck, RoomID: roomID})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("join room: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join did not complete")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageByID(c *Controller, roomID, id string) (chat.Message, bool) {
	for m := range c.Messages(roomID) {
		if m.ID == id {
			return m, true
		}
	}
	return chat.Message{}, false
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func TestSendMessageOptimisticThenConfirmed(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	var updates int
	var mu sync.Mutex
	c.Subscribe("r1", func() {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	tempID, err := c.SendMessage("r1", "Is the unit still available?", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The optimistic entry is visible immediately as pending.
	m, ok := messageByID(c, "r1", tempID)
	if !ok {
		t.Fatal("expected optimistic entry in the log")
	}
	if m.State != chat.DeliveryPending {
		t.Fatalf("expected pending state, got %q", m.State)
	}

	frames := ft.framesOfType(protocol.TypeSendMessage)
	if len(frames) != 1 {
		t.Fatalf("expected 1 send frame, got %d", len(frames))
	}
	clientMsgID, _ := frames[0]["client_msg_id"].(string)
	if clientMsgID == "" {
		t.Fatal("send frame missing client_msg_id")
	}

	// Server echo replaces the optimistic entry in place.
	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "srv-1", RoomID: "r1",
		SenderID: "u1", SenderRole: "tenant", Content: "Is the unit still available?",
		CreatedAt: time.Now().UnixMilli(), ClientMsgID: clientMsgID,
	})

	waitFor(t, func() bool {
		m, ok := messageByID(c, "r1", "srv-1")
		return ok && m.State == chat.DeliverySent
	}, "confirmed message")

	if _, ok := messageByID(c, "r1", tempID); ok {
		t.Error("optimistic entry must be replaced, not duplicated")
	}
	if n := c.log.Len("r1"); n != 1 {
		t.Errorf("expected 1 message in room, got %d", n)
	}

	mu.Lock()
	n := updates
	mu.Unlock()
	if n < 2 {
		t.Errorf("expected subscriber updates for append and confirm, got %d", n)
	}
}

func TestSendMessageValidation(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	var vErr *chat.ValidationError
	if _, err := c.SendMessage("r1", "   ", false); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error for blank content, got %v", err)
	}
	if n := c.log.Len("r1"); n != 0 {
		t.Errorf("rejected message must not be appended, log has %d", n)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testControllerConfig()
	cfg.MessageRule = ratelimit.Rule{Limit: 1, Window: time.Minute}
	c, err := New(testSession(), ft, nil, nil, cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	connect(t, c)

	if _, err := c.SendMessage("r1", "first", false); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := c.SendMessage("r1", "second", false); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// The throttle is per room.
	if _, err := c.SendMessage("r2", "other room", false); err != nil {
		t.Fatalf("send to other room: %v", err)
	}
}

func TestSendTimeoutThenRetry(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testControllerConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	c, err := New(testSession(), ft, nil, nil, cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	connect(t, c)

	tempID, err := c.SendMessage("r1", "anyone home?", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// No confirmation arrives; the deadline marks it failed but visible.
	waitFor(t, func() bool {
		m, ok := messageByID(c, "r1", tempID)
		return ok && m.State == chat.DeliveryFailed
	}, "failed state")

	// Retry is a fresh attempt: new entry, new id, failed entry untouched.
	retryID, err := c.RetrySend("r1", tempID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retryID == tempID {
		t.Fatal("retry must get a fresh temporary id")
	}
	if m, _ := messageByID(c, "r1", retryID); m.State != chat.DeliveryPending {
		t.Fatalf("expected pending retry entry, got %q", m.State)
	}
	if m, _ := messageByID(c, "r1", tempID); m.State != chat.DeliveryFailed {
		t.Fatalf("failed entry must remain visible, got %q", m.State)
	}
	frames := ft.framesOfType(protocol.TypeSendMessage)
	if len(frames) != 2 {
		t.Fatalf("expected 2 send frames after retry, got %d", len(frames))
	}

	// Confirm the retry attempt.
	clientMsgID, _ := frames[1]["client_msg_id"].(string)
	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "srv-2", RoomID: "r1",
		SenderID: "u1", Content: "anyone home?",
		CreatedAt: time.Now().UnixMilli(), ClientMsgID: clientMsgID,
	})
	waitFor(t, func() bool {
		m, ok := messageByID(c, "r1", "srv-2")
		return ok && m.State == chat.DeliverySent
	}, "retry confirmed")
}

func TestRetrySendRefusesNonFailed(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	tempID, err := c.SendMessage("r1", "hello", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := c.RetrySend("r1", tempID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable for a pending message, got %v", err)
	}
	if _, err := c.RetrySend("r1", "no-such-id"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable for unknown id, got %v", err)
	}
}

func TestServerSendRejectionMarksFailed(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	tempID, err := c.SendMessage("r1", "read only?", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	frames := ft.framesOfType(protocol.TypeSendMessage)
	clientMsgID, _ := frames[0]["client_msg_id"].(string)

	ft.push(t, protocol.ErrorMsg{
		Type: protocol.TypeError, Code: protocol.CodeSendRejected,
		Message: "room is read-only", ClientMsgID: clientMsgID,
	})

	waitFor(t, func() bool {
		m, ok := messageByID(c, "r1", tempID)
		return ok && m.State == chat.DeliveryFailed
	}, "rejected message failed")
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func TestEmergencyAlwaysNotifies(t *testing.T) {
	ft := &fakeTransport{}
	rec := &notifyRecorder{}
	c := newTestController(t, ft, rec, nil)
	connect(t, c)

	c.SetActiveRoom("r1")

	// Emergency in the active room still raises an alert.
	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "m1", RoomID: "r1",
		SenderID: "landlord-9", Content: "Fire on the second floor",
		CreatedAt: time.Now().UnixMilli(), IsEmergency: true,
	})
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 }, "emergency notification")

	notes := rec.snapshot()
	if notes[0].Priority != notify.PriorityEmergency {
		t.Errorf("expected emergency priority, got %q", notes[0].Priority)
	}
	if notes[0].Body != "Fire on the second floor" {
		t.Errorf("unexpected body %q", notes[0].Body)
	}
}

func TestActiveRoomSuppressesNormalNotifications(t *testing.T) {
	ft := &fakeTransport{}
	rec := &notifyRecorder{}
	c := newTestController(t, ft, rec, nil)
	connect(t, c)

	c.SetActiveRoom("r1")

	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "m1", RoomID: "r1",
		SenderID: "u2", Content: "in focus", CreatedAt: time.Now().UnixMilli(),
	})
	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "m2", RoomID: "r2",
		SenderID: "u2", Content: "in background", CreatedAt: time.Now().UnixMilli(),
	})

	// Events are delivered in order, so once the background room's
	// notification lands, the active room's absence is final.
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 }, "background notification")

	notes := rec.snapshot()
	if notes[0].Priority != notify.PriorityNormal || notes[0].Body != "in background" {
		t.Errorf("unexpected notification %+v", notes[0])
	}
	if c.log.Len("r1") != 1 || c.log.Len("r2") != 1 {
		t.Error("expected both messages stored")
	}
}

func TestOwnMessagesDoNotNotify(t *testing.T) {
	ft := &fakeTransport{}
	rec := &notifyRecorder{}
	c := newTestController(t, ft, rec, nil)
	connect(t, c)

	// An echo of the session's own message in a background room.
	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "m1", RoomID: "r9",
		SenderID: "u1", Content: "my own words", CreatedAt: time.Now().UnixMilli(),
	})
	waitFor(t, func() bool { return c.log.Len("r9") == 1 }, "echo stored")

	time.Sleep(20 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("expected no notification for own message, got %d", n)
	}
}

func TestPaymentNotification(t *testing.T) {
	ft := &fakeTransport{}
	rec := &notifyRecorder{}
	c := newTestController(t, ft, rec, nil)
	connect(t, c)

	ft.push(t, protocol.PaymentReceivedMsg{
		Type: protocol.TypePaymentReceived, Amount: 15000,
		PayerName: "Jane Wanjiku", Reference: "QX12ABC",
	})
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 }, "payment notification")

	note := rec.snapshot()[0]
	if note.Title != "Payment received" {
		t.Errorf("unexpected title %q", note.Title)
	}
	if note.Body != "KSh 15000.00 from Jane Wanjiku" {
		t.Errorf("unexpected body %q", note.Body)
	}
}

// ---------------------------------------------------------------------------
// Rooms, presence, reconnect
// ---------------------------------------------------------------------------

func TestJoinLeaveRoom(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	joinRoom(t, c, ft, "r1")
	if !c.IsMember("r1") {
		t.Fatal("expected membership after ack")
	}

	if err := c.LeaveRoom("r1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if c.IsMember("r1") {
		t.Error("expected membership revoked after leave")
	}
	if n := len(ft.framesOfType(protocol.TypeLeaveRoom)); n != 1 {
		t.Errorf("expected 1 leave frame, got %d", n)
	}
}

func TestPresenceRouting(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	ft.push(t, protocol.PresenceUpdateMsg{
		Type: protocol.TypePresenceUpdate, RoomID: "r1", UserID: "u2",
		IsOnline: true, IsTyping: true,
	})
	waitFor(t, func() bool { return c.IsTyping("r1", "u2") }, "typing state")

	online := c.Online("r1")
	if len(online) != 1 || online[0] != "u2" {
		t.Errorf("expected u2 online, got %v", online)
	}

	// Leaving the room clears its presence.
	joinRoom(t, c, ft, "r1")
	if err := c.LeaveRoom("r1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(c.Online("r1")) != 0 {
		t.Error("expected presence cleared after leave")
	}
}

func TestReconnectRejoinsAndRetransmits(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	joinRoom(t, c, ft, "r1")

	tempID, err := c.SendMessage("r1", "still there?", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The connection drops before the confirmation arrives.
	ft.drop()
	waitFor(t, func() bool {
		return c.State() == connection.StateConnected && ft.connectCount() == 2
	}, "reconnect")

	// Membership is re-established and the pending send retransmitted.
	waitFor(t, func() bool {
		return len(ft.framesOfType(protocol.TypeJoinRoom)) == 2
	}, "rejoin frame")
	waitFor(t, func() bool {
		return len(ft.framesOfType(protocol.TypeSendMessage)) == 2
	}, "retransmitted send")

	frames := ft.framesOfType(protocol.TypeSendMessage)
	first, _ := frames[0]["client_msg_id"].(string)
	second, _ := frames[1]["client_msg_id"].(string)
	if first == "" || first != second {
		t.Errorf("retransmission must reuse the client id: %q vs %q", first, second)
	}
	if !c.IsMember("r1") {
		t.Error("expected membership preserved across reconnect")
	}

	// The late confirmation still reconciles the optimistic entry.
	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "srv-1", RoomID: "r1",
		SenderID: "u1", Content: "still there?",
		CreatedAt: time.Now().UnixMilli(), ClientMsgID: first,
	})
	waitFor(t, func() bool {
		m, ok := messageByID(c, "r1", "srv-1")
		return ok && m.State == chat.DeliverySent
	}, "confirmation after reconnect")
	if _, ok := messageByID(c, "r1", tempID); ok {
		t.Error("optimistic entry must be replaced after reconnect confirm")
	}
}

// ---------------------------------------------------------------------------
// HTTP history integration
// ---------------------------------------------------------------------------

func historyServer(t *testing.T, handler http.HandlerFunc) *history.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return history.NewClient(srv.URL, "tok", time.Second)
}

func TestJoinRoomBackfillsHistory(t *testing.T) {
	hist := historyServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/r1/messages" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages": [
			{"id": "h1", "sender_id": "u2", "content": "older", "created_at": 1000},
			{"id": "h2", "sender_id": "u1", "content": "newer", "created_at": 2000}
		]}`))
	})

	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, hist)
	connect(t, c)

	joinRoom(t, c, ft, "r1")

	if n := c.log.Len("r1"); n != 2 {
		t.Fatalf("expected 2 backfilled messages, got %d", n)
	}
	var ids []string
	for m := range c.Messages("r1") {
		ids = append(ids, m.ID)
	}
	if ids[0] != "h1" || ids[1] != "h2" {
		t.Errorf("expected history order h1, h2; got %v", ids)
	}
}

func TestSendFallsBackToHTTPWhenDisconnected(t *testing.T) {
	var posted struct {
		Content     string `json:"content"`
		ClientMsgID string `json:"client_msg_id"`
	}
	hist := historyServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&posted)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message": {"id": "srv-http", "sender_id": "u1", "content": "` +
			posted.Content + `", "created_at": 5000}}`))
	})

	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, hist)
	// Deliberately not connected.

	tempID, err := c.SendMessage("r1", "offline note", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool {
		m, ok := messageByID(c, "r1", "srv-http")
		return ok && m.State == chat.DeliverySent
	}, "http-confirmed message")

	if posted.Content != "offline note" {
		t.Errorf("unexpected posted content %q", posted.Content)
	}
	if posted.ClientMsgID == "" {
		t.Error("http fallback must carry the client id")
	}
	if _, ok := messageByID(c, "r1", tempID); ok {
		t.Error("optimistic entry must be replaced by the http confirmation")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestSubscribeUnsubscribe(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	var mu sync.Mutex
	counts := map[string]int{}
	sub := func(name string) func() {
		return func() {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}
	}
	unsubA := c.Subscribe("r1", sub("a"))
	c.Subscribe("r1", sub("b"))

	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "m1", RoomID: "r1",
		SenderID: "u2", Content: "one", CreatedAt: time.Now().UnixMilli(),
	})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"] >= 1 && counts["b"] >= 1
	}, "both subscribers")

	unsubA()
	mu.Lock()
	aBefore := counts["a"]
	bBefore := counts["b"]
	mu.Unlock()

	ft.push(t, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ID: "m2", RoomID: "r1",
		SenderID: "u2", Content: "two", CreatedAt: time.Now().UnixMilli(),
	})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["b"] > bBefore
	}, "remaining subscriber")

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != aBefore {
		t.Error("unsubscribed callback still invoked")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(t, ft, nil, nil)
	connect(t, c)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := c.SendMessage("r1", "too late", false); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from SendMessage, got %v", err)
	}
	if err := c.JoinRoom(context.Background(), "r1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from JoinRoom, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Connect, got %v", err)
	}
}
