package roster

import (
	"encoding/json"
	"log/slog"
	"sync"

	"fieldchat/internal/content"
	"fieldchat/internal/protocol"
	"fieldchat/internal/transport"
)

const msgListPrefix = "Не удалось загрузить список чатов: "

// bus is the slice of the shared connection the roster needs.
type bus interface {
	State() transport.State
	Emit(event protocol.Event, payload any)
	Subscribe(event protocol.Event, h transport.Handler) transport.Subscription
}

type Config struct {
	Conn *transport.Conn
	Log  *slog.Logger

	// OnChange fires after every visible change, outside the lock.
	OnChange func()
}

// Roster maintains the summary list of the user's rooms. It fetches the
// full list once per connection-established transition and applies
// server-pushed deltas in place; the server's ordering is preserved except
// that newly announced rooms are prepended.
type Roster struct {
	bus      bus
	log      *slog.Logger
	onChange func()

	mu      sync.Mutex
	rooms   []protocol.Room
	loading bool
	errMsg  string

	subs []transport.Subscription
}

func New(cfg Config) *Roster {
	r := &Roster{
		bus:      cfg.Conn,
		log:      cfg.Log,
		onChange: cfg.OnChange,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// newWith is the test constructor accepting any bus implementation.
func newWith(cfg Config, b bus) *Roster {
	r := New(cfg)
	r.bus = b
	return r
}

// Open subscribes the roster to the connection and, if already connected,
// fetches the initial list.
func (r *Roster) Open() {
	r.mu.Lock()
	r.subs = []transport.Subscription{
		r.bus.Subscribe(protocol.EventUserChats, r.onUserChats),
		r.bus.Subscribe(protocol.EventNewChat, r.onNewChat),
		r.bus.Subscribe(protocol.EventChatUpdated, r.onChatUpdated),
		r.bus.Subscribe(protocol.EventChatDeleted, r.onChatDeleted),
		r.bus.Subscribe(protocol.EventChatsError, r.onChatsError),
		r.bus.Subscribe(protocol.EventConnect, func(json.RawMessage) { r.fetch() }),
		r.bus.Subscribe(protocol.EventReconnect, func(json.RawMessage) { r.fetch() }),
	}
	r.mu.Unlock()

	if r.bus.State() == transport.StateConnected {
		r.fetch()
	}
}

// Close removes the roster's subscriptions.
func (r *Roster) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// Refetch reloads the room list. No-op while a fetch is in flight.
func (r *Roster) Refetch() {
	r.fetch()
}

func (r *Roster) fetch() {
	if r.bus.State() != transport.StateConnected {
		return
	}

	r.mu.Lock()
	if r.loading {
		r.mu.Unlock()
		return
	}
	r.loading = true
	r.mu.Unlock()

	r.bus.Emit(protocol.EventGetUserChats, nil)
	r.changed()
}

// Snapshot returns a copy of the room list plus the loading flag and the
// last list-level error.
func (r *Roster) Snapshot() ([]protocol.Room, bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]protocol.Room, len(r.rooms))
	copy(rooms, r.rooms)
	return rooms, r.loading, r.errMsg
}

func (r *Roster) onUserChats(data json.RawMessage) {
	var p protocol.UserChats
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	rooms := make([]protocol.Room, len(p.Rooms))
	for i, room := range p.Rooms {
		rooms[i] = sanitizeRoom(room)
	}

	r.mu.Lock()
	r.rooms = rooms
	r.loading = false
	r.errMsg = ""
	r.mu.Unlock()
	r.changed()
}

func (r *Roster) onNewChat(data json.RawMessage) {
	var p protocol.NewChat
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	room := sanitizeRoom(p.Room)

	r.mu.Lock()
	if r.index(room.ID) >= 0 {
		r.mu.Unlock()
		return
	}
	r.rooms = append([]protocol.Room{room}, r.rooms...)
	r.mu.Unlock()
	r.changed()
}

func (r *Roster) onChatUpdated(data json.RawMessage) {
	var p protocol.ChatUpdated
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	room := sanitizeRoom(p.Room)

	r.mu.Lock()
	i := r.index(room.ID)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	// Position is preserved; only the summary fields change.
	r.rooms[i] = room
	r.mu.Unlock()
	r.changed()
}

func (r *Roster) onChatDeleted(data json.RawMessage) {
	var p protocol.ChatDeleted
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	r.mu.Lock()
	i := r.index(p.RoomID)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.rooms = append(r.rooms[:i], r.rooms[i+1:]...)
	r.mu.Unlock()
	r.changed()
}

func (r *Roster) onChatsError(data json.RawMessage) {
	var p protocol.ServerError
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	r.mu.Lock()
	r.loading = false
	r.errMsg = msgListPrefix + p.Error
	r.mu.Unlock()
	r.changed()
}

// index returns the position of a room id, or -1. Must be called with
// r.mu held.
func (r *Roster) index(id string) int {
	for i, room := range r.rooms {
		if room.ID == id {
			return i
		}
	}
	return -1
}

func (r *Roster) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

func sanitizeRoom(room protocol.Room) protocol.Room {
	room.Name = content.Sanitize(room.Name)
	room.LastMessageText = content.Sanitize(room.LastMessageText)
	return room
}
