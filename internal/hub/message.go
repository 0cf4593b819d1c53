// Package hub implements the room broadcast core: the connection
// registry, the per-user connection limiter, and the broadcast service
// that fans messages out to room members.
package hub

import "encoding/json"

// Frame kinds carried over the wire.
const (
	TypeMessage = "message"
	TypeError   = "error"
)

// Message is the tagged frame exchanged with clients. Chat frames carry
// Text; error frames carry ErrorText under the "message" key. Modeling
// the two kinds as one tagged struct keeps the wire format stable while
// giving call sites a typed surface instead of a raw map.
type Message struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ErrorText string `json:"message,omitempty"`
	Sender    string `json:"sender,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
}

// NewTextMessage builds a chat frame from a sender in a room.
func NewTextMessage(text, sender, roomID string) Message {
	return Message{Type: TypeMessage, Text: text, Sender: sender, RoomID: roomID}
}

// NewErrorMessage builds an inline error frame.
func NewErrorMessage(text string) Message {
	return Message{Type: TypeError, ErrorText: text}
}

// Pre-encoded error frames sent inline on a live connection. Neither
// closes the connection.
var (
	RateLimitExceededFrame = mustEncode(NewErrorMessage("rate limit exceeded"))
	MalformedFrame         = mustEncode(NewErrorMessage("malformed message"))
)

// Encode serializes the frame to wire JSON.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an inbound wire frame. Frames without a type are
// treated as chat messages, matching lenient clients that send bare
// {"text": ...} objects.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		m.Type = TypeMessage
	}
	return m, nil
}

func mustEncode(m Message) []byte {
	b, err := m.Encode()
	if err != nil {
		panic("hub: encode static frame: " + err.Error())
	}
	return b
}
