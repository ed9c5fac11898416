package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"fieldchat/internal/protocol"
)

// DefaultKeep is how many trailing messages of a room's feed survive in
// the cache.
const DefaultKeep = 100

var (
	bucketRooms = []byte("rooms")
	bucketFeeds = []byte("feeds")
)

// Cache is the local offline snapshot of chat state. The app renders the
// last known room list and feeds from here before the socket connects;
// nothing in the cache is authoritative once the server answers.
type Cache struct {
	db *bbolt.DB
}

func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRooms); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketFeeds); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveRooms replaces the cached room list.
func (c *Cache) SaveRooms(rooms []protocol.Room) error {
	list := &CachedRoomList{Rooms: make([]CachedRoom, len(rooms))}
	for i, r := range rooms {
		list.Rooms[i] = cacheRoom(r)
	}
	return c.put(bucketRooms, list)
}

// Rooms returns the cached room list, or nil when nothing is cached yet.
func (c *Cache) Rooms() ([]protocol.Room, error) {
	var list CachedRoomList
	ok, err := c.get(bucketRooms, &list)
	if err != nil || !ok {
		return nil, err
	}

	rooms := make([]protocol.Room, len(list.Rooms))
	for i, r := range list.Rooms {
		rooms[i] = r.room()
	}
	return rooms, nil
}

// SaveMessages replaces the cached tail of a room's feed, keeping at most
// keep trailing messages (DefaultKeep when keep <= 0).
func (c *Cache) SaveMessages(roomID string, msgs []protocol.Message, keep int) error {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if len(msgs) > keep {
		msgs = msgs[len(msgs)-keep:]
	}

	feed := &CachedFeed{RoomID: roomID, Messages: make([]CachedMessage, len(msgs))}
	for i, m := range msgs {
		feed.Messages[i] = cacheMessage(m)
	}
	return c.put(bucketFeeds, feed)
}

// Messages returns the cached feed tail for a room, oldest first, or nil
// when the room has never been cached.
func (c *Cache) Messages(roomID string) ([]protocol.Message, error) {
	feed := CachedFeed{RoomID: roomID}
	ok, err := c.get(bucketFeeds, &feed)
	if err != nil || !ok {
		return nil, err
	}

	msgs := make([]protocol.Message, len(feed.Messages))
	for i, m := range feed.Messages {
		msgs[i] = m.message()
	}
	return msgs, nil
}

func (c *Cache) put(bucket []byte, s Storeable) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		data, err := s.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(s.Key(), data)
	})
}

// get loads a record into s; the bool reports whether the key existed.
func (c *Cache) get(bucket []byte, s Storeable) (bool, error) {
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(s.Key())
		if data == nil {
			return nil
		}
		found = true
		return s.UnmarshalBinary(data)
	})
	return found, err
}
