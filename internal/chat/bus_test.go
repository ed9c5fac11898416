package chat

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fieldchat/internal/protocol"
	"fieldchat/internal/transport"
)

// fakeBus records emits and lets tests deliver server events to handlers.
type fakeBus struct {
	mu     sync.Mutex
	state  transport.State
	emits  []busEmit
	subs   map[protocol.Event]map[int]transport.Handler
	nextID int
}

type busEmit struct {
	event   protocol.Event
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		state: transport.StateConnected,
		subs:  make(map[protocol.Event]map[int]transport.Handler),
	}
}

func (b *fakeBus) State() transport.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBus) setState(s transport.State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *fakeBus) Emit(event protocol.Event, payload any) {
	b.mu.Lock()
	b.emits = append(b.emits, busEmit{event: event, payload: payload})
	b.mu.Unlock()
}

func (b *fakeBus) Subscribe(event protocol.Event, h transport.Handler) transport.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[event] == nil {
		b.subs[event] = make(map[int]transport.Handler)
	}
	b.subs[event][b.nextID] = h
	return &fakeSub{bus: b, event: event, id: b.nextID}
}

type fakeSub struct {
	bus   *fakeBus
	event protocol.Event
	id    int
}

func (s *fakeSub) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.event], s.id)
}

// deliver marshals payload and invokes every handler of the event, like
// the read loop would. Handlers run without the bus lock held.
func (b *fakeBus) deliver(t *testing.T, event protocol.Event, payload any) {
	t.Helper()

	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s: %v", event, err)
		}
	}

	b.mu.Lock()
	handlers := make([]transport.Handler, 0, len(b.subs[event]))
	for _, h := range b.subs[event] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// count returns how many times an event was emitted.
func (b *fakeBus) count(event protocol.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, e := range b.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

// last returns the most recent payload emitted for an event.
func (b *fakeBus) last(event protocol.Event) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.emits) - 1; i >= 0; i-- {
		if b.emits[i].event == event {
			return b.emits[i].payload, true
		}
	}
	return nil, false
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

// newTestSession builds an open session on a fake bus with timings short
// enough for tests.
func newTestSession(t *testing.T, bus *fakeBus) *Session {
	t.Helper()

	s := newSessionWith(Config{
		RoomID:            "r1",
		PageSize:          50,
		JoinSettleDelay:   time.Millisecond,
		RejoinDelay:       time.Millisecond,
		TypingIdleTimeout: 50 * time.Millisecond,
	}, bus)
	t.Cleanup(s.Close)
	return s
}

// join drives a session to the joined state.
func join(t *testing.T, bus *fakeBus, s *Session) {
	t.Helper()

	s.Open()
	if got := bus.count(protocol.EventJoinChat); got != 1 {
		t.Fatalf("expected 1 join_chat after open, got %d", got)
	}
	bus.deliver(t, protocol.EventChatJoined, protocol.ChatJoined{RoomID: "r1", Success: true})
	if got := s.Snapshot().Membership; got != protocol.MembershipJoined {
		t.Fatalf("expected joined, got %s", got)
	}
}
