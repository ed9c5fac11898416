package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldchat/internal/protocol"
	"fieldchat/internal/stubserver"
)

type fakeSocket struct {
	in     chan protocol.Envelope
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []protocol.Envelope
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan protocol.Envelope, 10),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadJSON(v any) error {
	select {
	case env := <-f.in:
		*(v.(*protocol.Envelope)) = env
		return nil
	case <-f.closed:
		return errors.New("use of closed connection")
	}
}

func (f *fakeSocket) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v.(protocol.Envelope))
	return nil
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// dialScript returns its steps in order: a *fakeSocket succeeds, an error
// fails the attempt. Running past the end keeps failing.
type dialScript struct {
	mu    sync.Mutex
	steps []any
	calls int
}

func (d *dialScript) dial(context.Context) (socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.calls >= len(d.steps) {
		d.calls++
		return nil, errors.New("no route to host")
	}
	step := d.steps[d.calls]
	d.calls++

	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*fakeSocket), nil
}

func (d *dialScript) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestConn(script *dialScript) *Conn {
	return NewConn(Config{
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Millisecond,
		Dial:              script.dial,
	})
}

// recorder counts deliveries of one event.
func record(c *Conn, event protocol.Event) *int32Counter {
	ctr := &int32Counter{}
	c.Subscribe(event, func(json.RawMessage) { ctr.inc() })
	return ctr
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestConnectDispatchesLifecycle(t *testing.T) {
	script := &dialScript{steps: []any{newFakeSocket()}}
	c := newTestConn(script)
	connects := record(c, protocol.EventConnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if got := c.State(); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if connects.get() != 1 {
		t.Fatalf("expected 1 connect event, got %d", connects.get())
	}
}

func TestConnectIdempotent(t *testing.T) {
	script := &dialScript{steps: []any{newFakeSocket()}}
	c := newTestConn(script)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := script.dialCount(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
}

func TestConnectFailureDispatchesError(t *testing.T) {
	script := &dialScript{steps: []any{errors.New("unauthorized")}}
	c := newTestConn(script)
	errs := record(c, protocol.EventConnectError)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if errs.get() != 1 {
		t.Fatalf("expected 1 connect_error event, got %d", errs.get())
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
}

func TestEmitWhileDisconnectedIsDropped(t *testing.T) {
	c := newTestConn(&dialScript{})
	// Must not panic or dial.
	c.Emit(protocol.EventGetUserChats, nil)
}

func TestEmitWritesEnvelope(t *testing.T) {
	sock := newFakeSocket()
	script := &dialScript{steps: []any{sock}}
	c := newTestConn(script)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	c.Emit(protocol.EventJoinChat, protocol.JoinChat{RoomID: "r1"})

	waitFor(t, "write", func() bool { return sock.writeCount() == 1 })
	sock.mu.Lock()
	env := sock.writes[0]
	sock.mu.Unlock()

	if env.Event != protocol.EventJoinChat {
		t.Fatalf("unexpected event: %s", env.Event)
	}
	var p protocol.JoinChat
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID != "r1" {
		t.Fatalf("bad payload: %s (%v)", env.Data, err)
	}
}

func TestUnexpectedDisconnectReconnects(t *testing.T) {
	sock1 := newFakeSocket()
	sock2 := newFakeSocket()
	script := &dialScript{steps: []any{sock1, sock2}}
	c := newTestConn(script)

	disconnects := record(c, protocol.EventDisconnect)
	reconnects := record(c, protocol.EventReconnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	// The server drops the connection.
	_ = sock1.Close()

	waitFor(t, "reconnect", func() bool { return reconnects.get() == 1 })
	if disconnects.get() != 1 {
		t.Fatalf("expected 1 disconnect, got %d", disconnects.get())
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("expected connected after reconnect, got %s", got)
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	sock := newFakeSocket()
	script := &dialScript{steps: []any{sock}}
	c := newTestConn(script)

	failed := record(c, protocol.EventReconnectFailed)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = sock.Close()

	waitFor(t, "reconnect_failed", func() bool { return failed.get() == 1 })
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	// Initial dial plus every failed retry.
	if got := script.dialCount(); got != 1+3 {
		t.Fatalf("expected 4 dials, got %d", got)
	}
}

func TestCloseIsARequestedDisconnect(t *testing.T) {
	sock := newFakeSocket()
	script := &dialScript{steps: []any{sock}}
	c := NewConn(Config{ReconnectAttempts: 3, ReconnectDelay: time.Millisecond, Dial: script.dial})

	var mu sync.Mutex
	var last protocol.Disconnect
	got := make(chan struct{}, 1)
	c.Subscribe(protocol.EventDisconnect, func(data json.RawMessage) {
		mu.Lock()
		_ = json.Unmarshal(data, &last)
		mu.Unlock()
		got <- struct{}{}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}

	mu.Lock()
	requested := last.Requested
	mu.Unlock()
	if !requested {
		t.Fatal("close must surface as a requested disconnect")
	}

	// No reconnection after an explicit close.
	time.Sleep(20 * time.Millisecond)
	if got := script.dialCount(); got != 1 {
		t.Fatalf("expected no reconnect dials, got %d", got)
	}
}

func TestCloseDuringDialDiscardsSocket(t *testing.T) {
	sock := newFakeSocket()
	release := make(chan struct{})
	c := NewConn(Config{
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Millisecond,
		Dial: func(context.Context) (socket, error) {
			<-release
			return sock, nil
		},
	})
	connects := record(c, protocol.EventConnect)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	waitFor(t, "dial in flight", func() bool { return c.State() == StateConnecting })

	// Close races the dial; the late socket must not come up.
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-sock.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("late socket was not closed")
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", got)
	}
	if connects.get() != 0 {
		t.Fatalf("connect event dispatched after close: %d", connects.get())
	}
}

func TestSubscriptionCancelRemovesOnlyThatHandler(t *testing.T) {
	c := newTestConn(&dialScript{})

	a := &int32Counter{}
	b := &int32Counter{}
	subA := c.Subscribe(protocol.EventNewMessage, func(json.RawMessage) { a.inc() })
	c.Subscribe(protocol.EventNewMessage, func(json.RawMessage) { b.inc() })

	subA.Cancel()
	c.dispatchRaw(protocol.EventNewMessage, nil)

	if a.get() != 0 {
		t.Errorf("cancelled handler was called %d times", a.get())
	}
	if b.get() != 1 {
		t.Errorf("surviving handler called %d times, want 1", b.get())
	}
}

func TestRealWebsocketRoundTrip(t *testing.T) {
	server := stubserver.New()
	server.Token = "s3cret"
	server.AddRoom(protocol.Room{ID: "r1", Name: "Диспетчерская"})

	ts := httptest.NewServer(server)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	c := NewConn(Config{URL: url, Token: "s3cret"})
	defer c.Close()

	rooms := make(chan protocol.UserChats, 1)
	c.Subscribe(protocol.EventUserChats, func(data json.RawMessage) {
		var p protocol.UserChats
		if err := json.Unmarshal(data, &p); err == nil {
			rooms <- p
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Emit(protocol.EventGetUserChats, nil)

	select {
	case p := <-rooms:
		if len(p.Rooms) != 1 || p.Rooms[0].ID != "r1" {
			t.Fatalf("unexpected rooms: %+v", p.Rooms)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no user_chats response")
	}
}

func TestRealWebsocketRejectsBadToken(t *testing.T) {
	server := stubserver.New()
	server.Token = "s3cret"

	ts := httptest.NewServer(server)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	c := NewConn(Config{URL: url, Token: "wrong"})
	errs := record(c, protocol.EventConnectError)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}
	if errs.get() != 1 {
		t.Fatalf("expected 1 connect_error, got %d", errs.get())
	}
}
