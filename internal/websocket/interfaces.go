package websocket

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the subset of *websocket.Conn a Client drives. The gorilla
// connection satisfies it directly; tests substitute an in-memory one.
type Connection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

var _ Connection = (*websocket.Conn)(nil)
