package ws

import (
	"log"

	"github.com/playa/presence/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.HelloMsg or
// protocol.UpdateMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by message type. The
// relay protocol has no error frame: malformed or unhandled frames are
// logged and dropped, and the connection stays open.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dropping frame conn=%s: %v", conn.ID, err)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unhandled message type=%q conn=%s", msgType, conn.ID)
		return
	}
	handler(conn, msg)
}
