package chat

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"fieldchat/internal/protocol"
	"fieldchat/internal/transport"
)

const (
	// DefaultPageSize is the history page size requested from the server.
	DefaultPageSize = 50

	// defaultJoinSettleDelay is the pause between the server's join
	// acknowledgement and the initial history load. The server attaches
	// the room to the connection asynchronously after acking the join;
	// loading immediately can race that attachment and miss pushes.
	defaultJoinSettleDelay = 300 * time.Millisecond

	// defaultRejoinDelay is the pause between a transport reconnect and
	// the automatic re-join of the active room.
	defaultRejoinDelay = time.Second

	// defaultTypingIdleTimeout bounds how long a local "typing" state
	// survives without keystrokes. The sender clearing its own state is
	// what keeps remote indicators from going stale if a stop event is
	// lost mid-disconnect.
	defaultTypingIdleTimeout = 3 * time.Second
)

// User-facing room-scoped error messages.
const (
	msgJoinPrefix    = "Не удалось войти в чат: "
	msgJoinRejected  = "Сервер отклонил вход в чат"
	msgSendPrefix    = "Не удалось отправить сообщение: "
	msgSendRejected  = "Сообщение не доставлено"
	msgHistoryPrefix = "Не удалось загрузить сообщения: "
)

// bus is the slice of the shared connection a session needs.
type bus interface {
	State() transport.State
	Emit(event protocol.Event, payload any)
	Subscribe(event protocol.Event, h transport.Handler) transport.Subscription
}

type Config struct {
	Conn   *transport.Conn
	RoomID string

	PageSize int
	Log      *slog.Logger

	// OnChange is invoked after every externally visible state change,
	// outside the session's lock. The owning view re-reads Snapshot.
	OnChange func()

	// Timing knobs; zero values take the package defaults. Tests shrink
	// them, production code leaves them alone.
	JoinSettleDelay   time.Duration
	RejoinDelay       time.Duration
	TypingIdleTimeout time.Duration
}

// Session owns every piece of mutable per-room state: the membership state
// machine, the message feed with its pagination cursor, and typing presence
// on both sides. One session exists per active room view; switching rooms
// means closing the old session and opening a new one, so no state can leak
// across rooms.
type Session struct {
	bus    bus
	roomID string
	log    *slog.Logger

	pageSize    int
	settleDelay time.Duration
	rejoinDelay time.Duration
	typingIdle  time.Duration
	onChange    func()

	mu     sync.Mutex
	opened bool
	closed bool

	membership   protocol.Membership
	joinInFlight bool
	errMsg       string

	feed       []protocol.Message
	seen       geche.Geche[string, struct{}]
	cursor     int
	hasMore    bool
	loading    bool
	loadOffset int
	sending    bool

	typing       bool
	typingTimer  *time.Timer
	remoteTyping map[string]struct{}

	settleTimer *time.Timer
	rejoinTimer *time.Timer

	subs []transport.Subscription
}

// Snapshot is the view-facing state of a session.
type Snapshot struct {
	Membership  protocol.Membership
	Err         string
	Messages    []protocol.Message
	HasMore     bool
	Loading     bool
	Sending     bool
	TypingUsers []string
}

func NewSession(cfg Config) *Session {
	s := &Session{
		bus:          cfg.Conn,
		roomID:       cfg.RoomID,
		log:          cfg.Log,
		pageSize:     cfg.PageSize,
		settleDelay:  cfg.JoinSettleDelay,
		rejoinDelay:  cfg.RejoinDelay,
		typingIdle:   cfg.TypingIdleTimeout,
		onChange:     cfg.OnChange,
		membership:   protocol.MembershipNotJoined,
		seen:         newSeenCache(),
		remoteTyping: make(map[string]struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.pageSize <= 0 {
		s.pageSize = DefaultPageSize
	}
	if s.settleDelay <= 0 {
		s.settleDelay = defaultJoinSettleDelay
	}
	if s.rejoinDelay <= 0 {
		s.rejoinDelay = defaultRejoinDelay
	}
	if s.typingIdle <= 0 {
		s.typingIdle = defaultTypingIdleTimeout
	}
	return s
}

// newSessionWith is the test constructor: same as NewSession but accepts
// any bus implementation.
func newSessionWith(cfg Config, b bus) *Session {
	s := NewSession(cfg)
	s.bus = b
	return s
}

// Open subscribes the session to the connection and attempts the initial
// join. It is called exactly once per room-view lifetime; Close undoes it.
func (s *Session) Open() {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return
	}
	s.opened = true

	s.subs = []transport.Subscription{
		s.bus.Subscribe(protocol.EventChatJoined, s.onChatJoined),
		s.bus.Subscribe(protocol.EventJoinError, s.onJoinError),
		s.bus.Subscribe(protocol.EventMessagesHistory, s.onMessagesHistory),
		s.bus.Subscribe(protocol.EventNewMessage, s.onNewMessage),
		s.bus.Subscribe(protocol.EventMessageSent, s.onMessageSent),
		s.bus.Subscribe(protocol.EventMessageError, s.onMessageError),
		s.bus.Subscribe(protocol.EventMessagesError, s.onMessagesError),
		s.bus.Subscribe(protocol.EventUserTyping, s.onUserTyping),
		s.bus.Subscribe(protocol.EventConnect, func(json.RawMessage) { s.tryJoin() }),
		s.bus.Subscribe(protocol.EventDisconnect, s.onDisconnect),
		s.bus.Subscribe(protocol.EventReconnect, s.onReconnect),
	}
	s.mu.Unlock()

	s.tryJoin()
}

// Close tears the session down: typing is force-stopped, timers are
// cancelled and all subscriptions are removed. The session cannot be
// reopened; the next view builds a fresh one.
func (s *Session) Close() {
	s.StopTyping()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	for _, t := range []*time.Timer{s.settleTimer, s.rejoinTimer, s.typingTimer} {
		if t != nil {
			t.Stop()
		}
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (s *Session) connected() bool {
	return s.bus.State() == transport.StateConnected
}

// tryJoin sends a join request if no attempt is in flight and the room is
// not already joined. The joinInFlight flag is what makes rapid open/close
// cycles collapse into a single outstanding join_chat.
func (s *Session) tryJoin() {
	if !s.connected() {
		return
	}

	s.mu.Lock()
	if s.closed || s.joinInFlight ||
		s.membership == protocol.MembershipJoining ||
		s.membership == protocol.MembershipJoined {
		s.mu.Unlock()
		return
	}
	s.membership = protocol.MembershipJoining
	s.joinInFlight = true
	s.mu.Unlock()

	s.bus.Emit(protocol.EventJoinChat, protocol.JoinChat{RoomID: s.roomID})
	s.changed()
}

// RetryJoin resets a failed membership and immediately re-attempts the
// join. Callers may invoke it in any state.
func (s *Session) RetryJoin() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.membership = protocol.MembershipNotJoined
	s.joinInFlight = false
	s.errMsg = ""
	s.mu.Unlock()

	s.changed()
	s.tryJoin()
}

func (s *Session) onChatJoined(data json.RawMessage) {
	var p protocol.ChatJoined
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID != s.roomID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.joinInFlight = false

	if !p.Success {
		s.membership = protocol.MembershipJoinFailed
		s.errMsg = msgJoinRejected
		s.mu.Unlock()
		s.changed()
		return
	}

	s.membership = protocol.MembershipJoined
	s.errMsg = ""
	// The initial load waits for the server to finish attaching the room
	// to this connection.
	s.settleTimer = time.AfterFunc(s.settleDelay, func() { s.LoadMessages(0) })
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onJoinError(data json.RawMessage) {
	var p protocol.ServerError
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	s.mu.Lock()
	if s.closed || s.membership != protocol.MembershipJoining {
		s.mu.Unlock()
		return
	}
	s.joinInFlight = false
	s.membership = protocol.MembershipJoinFailed
	s.errMsg = msgJoinPrefix + p.Error
	s.mu.Unlock()
	s.changed()
}

// onDisconnect drops every pending acknowledgement: the server does not
// remember room attachment across reconnects, so stale membership, a
// hanging send flag or a hanging load guard would all wait forever.
func (s *Session) onDisconnect(json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.membership = protocol.MembershipNotJoined
	s.joinInFlight = false
	s.sending = false
	s.loading = false
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.remoteTyping = make(map[string]struct{})
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onReconnect(json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.rejoinTimer != nil {
		s.rejoinTimer.Stop()
	}
	s.rejoinTimer = time.AfterFunc(s.rejoinDelay, s.tryJoin)
	s.mu.Unlock()
}

// ClearError resets the room-scoped error string.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.errMsg = ""
	s.mu.Unlock()
	s.changed()
}

// Snapshot returns a copy of the view-facing state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]protocol.Message, len(s.feed))
	copy(msgs, s.feed)

	typing := make([]string, 0, len(s.remoteTyping))
	for name := range s.remoteTyping {
		typing = append(typing, name)
	}
	sort.Strings(typing)

	return Snapshot{
		Membership:  s.membership,
		Err:         s.errMsg,
		Messages:    msgs,
		HasMore:     s.hasMore,
		Loading:     s.loading,
		Sending:     s.sending,
		TypingUsers: typing,
	}
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// newSeenCache holds the ids of every message currently represented in the
// feed, so duplicates from the network are dropped instead of appended.
func newSeenCache() geche.Geche[string, struct{}] {
	return geche.NewMapCache[string, struct{}]()
}
