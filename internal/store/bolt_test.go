package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fieldchat/internal/protocol"
)

func openCache(t *testing.T) *Cache {
	t.Helper()

	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRoomsRoundTrip(t *testing.T) {
	c := openCache(t)

	empty, err := c.Rooms()
	require.NoError(t, err)
	require.Nil(t, empty)

	rooms := []protocol.Room{
		{ID: "r2", Name: "Склад", LastMessageText: "накладная готова", LastMessageAt: 100, UnreadCount: 3},
		{ID: "r1", Name: "Диспетчерская"},
	}
	require.NoError(t, c.SaveRooms(rooms))

	got, err := c.Rooms()
	require.NoError(t, err)
	// The server's ordering survives.
	require.Equal(t, rooms, got)

	// A later save replaces the list.
	require.NoError(t, c.SaveRooms(rooms[:1]))
	got, err = c.Rooms()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMessagesRoundTrip(t *testing.T) {
	c := openCache(t)

	none, err := c.Messages("r1")
	require.NoError(t, err)
	require.Nil(t, none)

	msgs := []protocol.Message{
		{ID: "m1", RoomID: "r1", SenderID: "u1", Text: "первый", SentAt: 1, Kind: protocol.MessageKindText},
		{ID: "m2", RoomID: "r1", SenderID: "u2", SenderName: "Борис", Text: "второй", SentAt: 2, Kind: protocol.MessageKindText},
	}
	require.NoError(t, c.SaveMessages("r1", msgs, 10))

	got, err := c.Messages("r1")
	require.NoError(t, err)
	require.Equal(t, msgs, got)

	// Rooms do not bleed into each other.
	other, err := c.Messages("r2")
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestMessagesTrimmedToKeep(t *testing.T) {
	c := openCache(t)

	msgs := make([]protocol.Message, 10)
	for i := range msgs {
		msgs[i] = protocol.Message{
			ID:     fmt.Sprintf("m%d", i+1),
			RoomID: "r1",
			SentAt: int64(i + 1),
			Kind:   protocol.MessageKindText,
		}
	}
	require.NoError(t, c.SaveMessages("r1", msgs, 3))

	got, err := c.Messages("r1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	// The trailing messages survive, oldest first.
	require.Equal(t, "m8", got[0].ID)
	require.Equal(t, "m10", got[2].ID)
}
