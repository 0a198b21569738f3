// Package hub fans messages out to websocket clients.
//
// A single Run goroutine owns the client set; clients register and leave
// through channels and each client has its own write pump, so the
// connection is only ever written from one goroutine.
package hub

// MessageType selects the websocket frame type.
type MessageType int

const (
	// JSONMessage is sent as a text frame.
	JSONMessage MessageType = iota
	// BinaryMessage is sent as a binary frame (Opus packets).
	BinaryMessage
)

// Message is one frame broadcast to every client.
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
