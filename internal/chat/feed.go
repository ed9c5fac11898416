package chat

import (
	"encoding/json"
	"strings"

	"fieldchat/internal/content"
	"fieldchat/internal/protocol"
)

// LoadMessages requests one history page at the given offset. Concurrent
// calls collapse into the one outstanding request; while disconnected the
// call is a no-op.
func (s *Session) LoadMessages(offset int) {
	if !s.connected() {
		return
	}

	s.mu.Lock()
	if s.closed || s.roomID == "" || s.loading {
		s.mu.Unlock()
		return
	}
	s.loading = true
	s.loadOffset = offset
	s.mu.Unlock()

	s.bus.Emit(protocol.EventGetMessages, protocol.GetMessages{
		RoomID: s.roomID,
		Limit:  s.pageSize,
		Offset: offset,
	})
	s.changed()
}

// LoadMoreMessages fetches the next older page, if the server reported one
// and no load is already in flight.
func (s *Session) LoadMoreMessages() {
	s.mu.Lock()
	ok := s.hasMore && !s.loading
	offset := s.cursor
	s.mu.Unlock()

	if ok {
		s.LoadMessages(offset)
	}
}

// SendMessage emits a text message. Blank text, a broken connection or a
// still-unacknowledged previous send all make it a no-op; one send is
// outstanding per room at a time. Queuing multiple sends is deliberately
// unsupported: the protocol has no way to correlate acknowledgements beyond
// "the one in flight".
func (s *Session) SendMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.send(text, protocol.MessageKindText)
}

func (s *Session) send(text string, kind protocol.MessageKind) {
	if !s.connected() {
		return
	}

	s.mu.Lock()
	if s.closed || s.sending || s.membership != protocol.MembershipJoined {
		s.mu.Unlock()
		return
	}
	s.sending = true
	s.mu.Unlock()

	s.bus.Emit(protocol.EventSendMessage, protocol.SendMessage{
		RoomID:      s.roomID,
		MessageText: text,
		MessageType: kind,
	})
	s.changed()
}

func (s *Session) onMessagesHistory(data json.RawMessage) {
	var p protocol.MessagesHistory
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID != s.roomID {
		return
	}

	// Pages arrive newest-first; the feed is oldest-first.
	page := make([]protocol.Message, len(p.Messages))
	for i, m := range p.Messages {
		m.Text = content.Sanitize(m.Text)
		page[len(p.Messages)-1-i] = m
	}

	s.mu.Lock()
	if s.closed || !s.loading {
		s.mu.Unlock()
		return
	}

	if s.loadOffset == 0 {
		// First page replaces whatever the feed held. The cursor restarts
		// with it, so a reload after rejoin pages from the top again.
		s.seen = newSeenCache()
		s.feed = s.feed[:0]
		s.cursor = 0
		for _, m := range page {
			if s.markSeen(m.ID) {
				s.feed = append(s.feed, m)
			}
		}
	} else {
		fresh := make([]protocol.Message, 0, len(page))
		for _, m := range page {
			if s.markSeen(m.ID) {
				fresh = append(fresh, m)
			}
		}
		s.feed = append(fresh, s.feed...)
	}

	s.cursor += len(p.Messages)
	s.hasMore = p.HasMore
	s.loading = false
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onNewMessage(data json.RawMessage) {
	var p protocol.NewMessage
	if err := json.Unmarshal(data, &p); err != nil || p.Message.RoomID != s.roomID {
		return
	}

	m := p.Message
	m.Text = content.Sanitize(m.Text)

	s.mu.Lock()
	if s.closed || !s.markSeen(m.ID) {
		// Already in the feed: the sender's own broadcast echo, or a
		// replay across a reconnect.
		s.mu.Unlock()
		return
	}
	s.feed = append(s.feed, m)
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onMessageSent(data json.RawMessage) {
	var p protocol.MessageSent
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	s.mu.Lock()
	if s.closed || !s.sending {
		s.mu.Unlock()
		return
	}
	s.sending = false
	if !p.Success {
		s.errMsg = msgSendRejected
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onMessageError(data json.RawMessage) {
	var p protocol.ServerError
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sending = false
	s.errMsg = msgSendPrefix + p.Error
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onMessagesError(data json.RawMessage) {
	var p protocol.ServerError
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Clearing the guard is what makes a retry possible.
	s.loading = false
	s.errMsg = msgHistoryPrefix + p.Error
	s.mu.Unlock()
	s.changed()
}

// markSeen records a message id and reports whether it was new. Must be
// called with s.mu held.
func (s *Session) markSeen(id string) bool {
	if _, err := s.seen.Get(id); err == nil {
		return false
	}
	s.seen.Set(id, struct{}{})
	return true
}
