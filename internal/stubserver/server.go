// Package stubserver is an in-process chat server speaking the client's
// wire protocol. It backs the transport and integration tests; nothing in
// it is production code.
package stubserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fieldchat/internal/protocol"
)

type Server struct {
	// Token, when set, must match the connection's token header or the
	// upgrade is rejected with 401.
	Token string
	// UserID stamps messages sent through this server.
	UserID string
	// FailJoins makes every join_chat answer with join_error.
	FailJoins string

	upgrader websocket.Upgrader

	mu       sync.Mutex
	rooms    []protocol.Room
	messages map[string][]protocol.Message
	conns    map[*conn]struct{}
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func New() *Server {
	return &Server{
		UserID:   "u-self",
		messages: make(map[string][]protocol.Message),
		conns:    make(map[*conn]struct{}),
	}
}

// AddRoom seeds a room and its history, oldest message first.
func (s *Server) AddRoom(room protocol.Room, msgs ...protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, room)
	s.messages[room.ID] = append(s.messages[room.ID], msgs...)
}

// Push broadcasts an arbitrary event to every connected client, as if the
// server had produced it.
func (s *Server) Push(event protocol.Event, payload any) {
	s.broadcast(event, payload, nil)
}

// CloseConns drops every client connection, simulating a network failure.
func (s *Server) CloseConns() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("token") != s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		s.handle(c, env)
	}
}

func (s *Server) handle(c *conn, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventGetUserChats:
		s.mu.Lock()
		rooms := make([]protocol.Room, len(s.rooms))
		copy(rooms, s.rooms)
		s.mu.Unlock()
		c.send(protocol.EventUserChats, protocol.UserChats{Rooms: rooms})

	case protocol.EventJoinChat:
		var p protocol.JoinChat
		_ = json.Unmarshal(env.Data, &p)

		if s.FailJoins != "" {
			c.send(protocol.EventJoinError, protocol.ServerError{Error: s.FailJoins})
			return
		}

		s.mu.Lock()
		_, known := s.messages[p.RoomID]
		s.mu.Unlock()
		if !known {
			c.send(protocol.EventJoinError, protocol.ServerError{Error: "chat not found"})
			return
		}
		c.send(protocol.EventChatJoined, protocol.ChatJoined{RoomID: p.RoomID, Success: true})

	case protocol.EventGetMessages:
		var p protocol.GetMessages
		_ = json.Unmarshal(env.Data, &p)

		s.mu.Lock()
		all := s.messages[p.RoomID]
		// Page newest-first, as the real server does.
		page := make([]protocol.Message, 0, p.Limit)
		for i := len(all) - 1 - p.Offset; i >= 0 && len(page) < p.Limit; i-- {
			page = append(page, all[i])
		}
		hasMore := p.Offset+len(page) < len(all)
		s.mu.Unlock()

		c.send(protocol.EventMessagesHistory, protocol.MessagesHistory{
			RoomID:   p.RoomID,
			Messages: page,
			HasMore:  hasMore,
		})

	case protocol.EventSendMessage:
		var p protocol.SendMessage
		_ = json.Unmarshal(env.Data, &p)

		msg := protocol.Message{
			ID:       uuid.NewString(),
			RoomID:   p.RoomID,
			SenderID: s.UserID,
			Text:     p.MessageText,
			SentAt:   time.Now().Unix(),
			Kind:     p.MessageType,
		}

		s.mu.Lock()
		s.messages[p.RoomID] = append(s.messages[p.RoomID], msg)
		s.mu.Unlock()

		c.send(protocol.EventMessageSent, protocol.MessageSent{Success: true, MessageID: msg.ID})
		// The sender receives its own message through the broadcast,
		// like every other client.
		s.broadcast(protocol.EventNewMessage, protocol.NewMessage{Message: msg}, nil)

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var p protocol.TypingSignal
		_ = json.Unmarshal(env.Data, &p)
		s.broadcast(protocol.EventUserTyping, protocol.UserTyping{
			RoomID: p.RoomID,
			UserID: s.UserID,
			Typing: env.Event == protocol.EventTypingStart,
		}, c)
	}
}

func (s *Server) broadcast(event protocol.Event, payload any, skip *conn) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c != skip {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.send(event, payload)
	}
}

func (c *conn) send(event protocol.Event, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(protocol.Envelope{Event: event, Data: data})
}
