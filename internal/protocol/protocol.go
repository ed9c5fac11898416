package protocol

import (
	"encoding/json"
)

// Event is the name of a websocket event, client- or server-originated.
type Event string

// Client -> server events.
const (
	EventGetUserChats Event = "get_user_chats"
	EventJoinChat     Event = "join_chat"
	EventGetMessages  Event = "get_messages"
	EventSendMessage  Event = "send_message"
	EventTypingStart  Event = "typing_start"
	EventTypingStop   Event = "typing_stop"
)

// Server -> client events.
const (
	EventUserChats       Event = "user_chats"
	EventNewChat         Event = "new_chat"
	EventChatUpdated     Event = "chat_updated"
	EventChatDeleted     Event = "chat_deleted"
	EventChatsError      Event = "chats_error"
	EventChatJoined      Event = "chat_joined"
	EventJoinError       Event = "join_error"
	EventMessagesHistory Event = "messages_history"
	EventNewMessage      Event = "new_message"
	EventMessageSent     Event = "message_sent"
	EventMessageError    Event = "message_error"
	EventMessagesError   Event = "messages_error"
	EventUserTyping      Event = "user_typing"
)

// Transport lifecycle pseudo-events. They never travel on the wire; the
// connection dispatches them to subscribers exactly like server events.
const (
	EventConnect         Event = "connect"
	EventDisconnect      Event = "disconnect"
	EventConnectError    Event = "connect_error"
	EventReconnect       Event = "reconnect"
	EventReconnectFailed Event = "reconnect_failed"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageKind describes what a message carries.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// Room is a chat room summary as the server reports it.
type Room struct {
	ID              string `json:"room_id"`
	Name            string `json:"name"`
	LastMessageText string `json:"last_message_text,omitempty"`
	LastMessageAt   int64  `json:"last_message_at,omitempty"` // Unix timestamp (seconds)
	UnreadCount     int    `json:"unread_count"`
}

// Message is a single chat message.
type Message struct {
	ID         string      `json:"message_id"`
	RoomID     string      `json:"room_id"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name,omitempty"`
	Text       string      `json:"text"`
	SentAt     int64       `json:"sent_at"` // Unix timestamp (seconds)
	Kind       MessageKind `json:"message_type"`
}

// Own reports whether the message was sent by the given user.
func (m Message) Own(userID string) bool {
	return m.SenderID == userID
}

// Membership is the per-room join state machine.
type Membership string

const (
	MembershipNotJoined  Membership = "not_joined"
	MembershipJoining    Membership = "joining"
	MembershipJoined     Membership = "joined"
	MembershipJoinFailed Membership = "join_failed"
)

// Client -> server payloads.

type JoinChat struct {
	RoomID string `json:"room_id"`
}

type GetMessages struct {
	RoomID string `json:"room_id"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type SendMessage struct {
	RoomID      string      `json:"room_id"`
	MessageText string      `json:"message_text"`
	MessageType MessageKind `json:"message_type"`
}

// TypingSignal is the payload of both typing_start and typing_stop.
type TypingSignal struct {
	RoomID string `json:"room_id"`
}

// Server -> client payloads.

type UserChats struct {
	Rooms []Room `json:"rooms"`
}

type NewChat struct {
	Room Room `json:"room"`
}

type ChatUpdated struct {
	Room Room `json:"room"`
}

type ChatDeleted struct {
	RoomID string `json:"room_id"`
}

type ChatJoined struct {
	RoomID  string `json:"room_id"`
	Success bool   `json:"success"`
}

type MessagesHistory struct {
	RoomID string `json:"room_id"`
	// Messages come newest-first; the client reverses each page
	// before merging it into the feed.
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

type NewMessage struct {
	Message Message `json:"message"`
}

type MessageSent struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
}

type UserTyping struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Typing   bool   `json:"typing"`
}

// ServerError is the payload of chats_error, join_error, message_error
// and messages_error.
type ServerError struct {
	Error string `json:"error"`
}

// Lifecycle payloads.

// Disconnect describes why the transport went down. Requested is true only
// when the client itself closed the connection.
type Disconnect struct {
	Requested bool   `json:"requested"`
	Reason    string `json:"reason,omitempty"`
}

// ConnectError carries the dial or handshake failure reason.
type ConnectError struct {
	Error string `json:"error"`
}
