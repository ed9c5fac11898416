package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fieldchat/internal/protocol"
)

const (
	// DefaultReconnectAttempts bounds the automatic reconnection loop;
	// after the last failed attempt the connection reports a terminal
	// reconnect_failed to its subscribers.
	DefaultReconnectAttempts = 5
	// DefaultReconnectDelay is the fixed pause between attempts.
	DefaultReconnectDelay = 2 * time.Second
)

// State is the transport connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Handler receives the raw payload of a dispatched event.
type Handler func(data json.RawMessage)

// Subscription is a handle to a single registered handler. Cancelling it
// removes that handler only; other subscribers of the same event are
// untouched.
type Subscription interface {
	Cancel()
}

// socket is the subset of *websocket.Conn the connection needs.
type socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/chat.
	URL string
	// Token is attached as a connection-time header. It is opaque here;
	// the login flow owns it.
	Token string

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Log *slog.Logger

	// Dial overrides the websocket dialer, for tests.
	Dial func(ctx context.Context) (socket, error)
}

// Conn owns the single persistent connection to the chat server. There is
// one Conn per running application; every controller emits and subscribes
// through it and nothing else touches the wire.
type Conn struct {
	cfg  Config
	log  *slog.Logger
	dial func(ctx context.Context) (socket, error)

	mu      sync.Mutex
	ws      socket
	state   State
	closing bool
	gen     int

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[protocol.Event]map[string]Handler
}

func NewConn(cfg Config) *Conn {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	c := &Conn{
		cfg:   cfg,
		log:   cfg.Log,
		state: StateDisconnected,
		subs:  make(map[protocol.Event]map[string]Handler),
	}
	c.dial = cfg.Dial
	if c.dial == nil {
		c.dial = c.dialWebsocket
	}
	return c
}

func (c *Conn) dialWebsocket(ctx context.Context) (socket, error) {
	hdr := http.Header{}
	hdr.Set("token", c.cfg.Token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s: %w", resp.Status, err)
		}
		return nil, err
	}
	return ws, nil
}

// Connect establishes the connection. It is idempotent: while a connection
// is alive (or a dial is under way) it returns immediately.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closing = false
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.dispatch(protocol.EventConnectError, protocol.ConnectError{Error: err.Error()})
		return fmt.Errorf("connect: %w", err)
	}

	if !c.attach(ws) {
		// Close landed while the dial was in flight.
		return nil
	}
	c.dispatch(protocol.EventConnect, nil)
	return nil
}

// Close shuts the connection down for good. The resulting disconnect event
// is marked as requested so subscribers do not treat it as a failure.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

// State returns the current transport state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emit sends an event to the server. Emits are fire-and-forget: while
// disconnected they are dropped with a log line, and write failures are
// not reported to the caller — acknowledgement is the concern of whichever
// controller is waiting for the server's named response event.
func (c *Conn) Emit(event protocol.Event, payload any) {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		c.log.Debug("emit dropped while disconnected", "event", event)
		return
	}

	env := protocol.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.log.Error("marshal payload", "event", event, "error", err)
			return
		}
		env.Data = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(env); err != nil {
		c.log.Warn("write failed", "event", event, "error", err)
	}
}

// Subscribe registers a handler for an event and returns its cancellation
// token. Handlers for wire events run on the read loop goroutine, in
// arrival order.
func (c *Conn) Subscribe(event protocol.Event, h Handler) Subscription {
	id := uuid.NewString()

	c.subMu.Lock()
	if c.subs[event] == nil {
		c.subs[event] = make(map[string]Handler)
	}
	c.subs[event][id] = h
	c.subMu.Unlock()

	return &token{conn: c, event: event, id: id}
}

type token struct {
	conn  *Conn
	event protocol.Event
	id    string
}

func (t *token) Cancel() {
	t.conn.subMu.Lock()
	defer t.conn.subMu.Unlock()

	if handlers, ok := t.conn.subs[t.event]; ok {
		delete(handlers, t.id)
		if len(handlers) == 0 {
			delete(t.conn.subs, t.event)
		}
	}
}

// attach installs a freshly dialed socket and starts its read loop. A
// socket dialed after Close is discarded instead; the dial and the close
// race and the close must win.
func (c *Conn) attach(ws socket) bool {
	c.mu.Lock()
	if c.closing {
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = ws.Close()
		return false
	}
	c.gen++
	gen := c.gen
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(gen, ws)
	return true
}

func (c *Conn) readLoop(gen int, ws socket) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.readFailed(gen, err)
			return
		}
		c.dispatchRaw(env.Event, env.Data)
	}
}

func (c *Conn) readFailed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer connection superseded this loop.
		c.mu.Unlock()
		return
	}
	requested := c.closing
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if requested {
		c.dispatch(protocol.EventDisconnect, protocol.Disconnect{Requested: true})
		return
	}

	c.log.Warn("connection lost", "error", err)
	c.dispatch(protocol.EventDisconnect, protocol.Disconnect{Reason: err.Error()})
	go c.reconnectLoop()
}

func (c *Conn) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(c.cfg.ReconnectDelay)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ws, err := c.dial(context.Background())
		if err != nil {
			c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		if !c.attach(ws) {
			return
		}
		c.dispatch(protocol.EventReconnect, nil)
		return
	}

	c.log.Error("reconnect attempts exhausted", "attempts", c.cfg.ReconnectAttempts)
	c.dispatch(protocol.EventReconnectFailed, nil)
}

func (c *Conn) dispatch(event protocol.Event, payload any) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			c.log.Error("marshal event", "event", event, "error", err)
			return
		}
	}
	c.dispatchRaw(event, data)
}

func (c *Conn) dispatchRaw(event protocol.Event, data json.RawMessage) {
	c.subMu.RLock()
	handlers := make([]Handler, 0, len(c.subs[event]))
	for _, h := range c.subs[event] {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}
