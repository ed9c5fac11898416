package chat

import (
	"encoding/json"
	"time"

	"fieldchat/internal/protocol"
)

// StartTyping broadcasts that the local user is composing a message. The
// first call emits typing_start and arms the idle timer; calls while
// already typing only extend the timer, so a burst of keystrokes produces
// exactly one start event. The timer calls StopTyping when it fires.
func (s *Session) StartTyping() {
	if !s.connected() {
		return
	}

	s.mu.Lock()
	if s.closed || s.membership != protocol.MembershipJoined {
		s.mu.Unlock()
		return
	}
	if s.typing {
		s.typingTimer.Reset(s.typingIdle)
		s.mu.Unlock()
		return
	}
	s.typing = true
	s.typingTimer = time.AfterFunc(s.typingIdle, s.StopTyping)
	s.mu.Unlock()

	s.bus.Emit(protocol.EventTypingStart, protocol.TypingSignal{RoomID: s.roomID})
}

// StopTyping clears the local typing state and broadcasts the stop. No-op
// when not typing. The view calls it on input blur; Close calls it too.
func (s *Session) StopTyping() {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	s.bus.Emit(protocol.EventTypingStop, protocol.TypingSignal{RoomID: s.roomID})
}

func (s *Session) onUserTyping(data json.RawMessage) {
	var p protocol.UserTyping
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID != s.roomID {
		return
	}

	name := p.UserName
	if name == "" {
		name = p.UserID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if p.Typing {
		s.remoteTyping[name] = struct{}{}
	} else {
		delete(s.remoteTyping, name)
	}
	s.mu.Unlock()
	s.changed()
}
