// Package hub fans dashboard updates out to websocket clients with a
// channel-owned client set.
package hub

// MessageType selects the websocket frame type.
type MessageType int

const (
	JSONMessage   MessageType = iota // Text frame with JSON
	BinaryMessage                    // Binary frame, e.g. JPEG
)

// Message is one broadcast payload.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps binary data.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
