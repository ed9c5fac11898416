package store

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"

	"fieldchat/internal/protocol"
)

// Storeable is anything the cache can persist under its own key.
type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type CachedRoom struct {
	ID              string `msgpack:"id"`
	Name            string `msgpack:"name"`
	LastMessageText string `msgpack:"lastMessageText"`
	LastMessageAt   int64  `msgpack:"lastMessageAt"`
	UnreadCount     int    `msgpack:"unreadCount"`
}

// CachedRoomList is the room list snapshot, stored as a single record so
// the server's ordering survives the round trip.
type CachedRoomList struct {
	Rooms []CachedRoom `msgpack:"rooms"`
}

func (l *CachedRoomList) Key() []byte {
	return []byte("list")
}

func (l *CachedRoomList) MarshalBinary() (data []byte, err error) {
	type alias CachedRoomList
	return msgpack.Marshal((*alias)(l))
}

func (l *CachedRoomList) UnmarshalBinary(data []byte) error {
	type alias CachedRoomList
	return msgpack.Unmarshal(data, (*alias)(l))
}

type CachedMessage struct {
	ID         string `msgpack:"id"`
	RoomID     string `msgpack:"roomId"`
	SenderID   string `msgpack:"senderId"`
	SenderName string `msgpack:"senderName"`
	Text       string `msgpack:"text"`
	SentAt     int64  `msgpack:"sentAt"`
	Kind       string `msgpack:"kind"`
}

// CachedFeed is the tail of one room's feed, keyed by room id.
type CachedFeed struct {
	RoomID   string          `msgpack:"roomId"`
	Messages []CachedMessage `msgpack:"messages"`
}

func (f *CachedFeed) Key() []byte {
	return []byte(f.RoomID)
}

func (f *CachedFeed) MarshalBinary() (data []byte, err error) {
	type alias CachedFeed
	return msgpack.Marshal((*alias)(f))
}

func (f *CachedFeed) UnmarshalBinary(data []byte) error {
	type alias CachedFeed
	return msgpack.Unmarshal(data, (*alias)(f))
}

func cacheRoom(r protocol.Room) CachedRoom {
	return CachedRoom{
		ID:              r.ID,
		Name:            r.Name,
		LastMessageText: r.LastMessageText,
		LastMessageAt:   r.LastMessageAt,
		UnreadCount:     r.UnreadCount,
	}
}

func (r CachedRoom) room() protocol.Room {
	return protocol.Room{
		ID:              r.ID,
		Name:            r.Name,
		LastMessageText: r.LastMessageText,
		LastMessageAt:   r.LastMessageAt,
		UnreadCount:     r.UnreadCount,
	}
}

func cacheMessage(m protocol.Message) CachedMessage {
	return CachedMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		SentAt:     m.SentAt,
		Kind:       string(m.Kind),
	}
}

func (m CachedMessage) message() protocol.Message {
	return protocol.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		SentAt:     m.SentAt,
		Kind:       protocol.MessageKind(m.Kind),
	}
}
