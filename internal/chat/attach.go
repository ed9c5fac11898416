package chat

import (
	"github.com/h2non/filetype"

	"fieldchat/internal/protocol"
)

// SendFile sends an attachment reference under the same single-outstanding
// guard as SendMessage. The message kind is sniffed from the file content:
// recognized images go out as image messages, everything else as file.
func (s *Session) SendFile(name string, data []byte) {
	if name == "" {
		return
	}
	s.send(name, attachmentKind(data))
}

func attachmentKind(data []byte) protocol.MessageKind {
	if filetype.IsImage(data) {
		return protocol.MessageKindImage
	}
	return protocol.MessageKindFile
}
