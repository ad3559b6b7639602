package events

import (
	"time"

	"github.com/gorilla/websocket"
)

// Connection defines the interface for WebSocket connections.
// This allows for proper mocking in tests.
type Connection interface {
	// WriteMessage writes a message with the given message type and payload
	WriteMessage(messageType int, data []byte) error

	// ReadMessage reads a message from the connection
	ReadMessage() (messageType int, p []byte, err error)

	// Close closes the connection
	Close() error

	// SetReadDeadline sets the read deadline on the connection
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the write deadline on the connection
	SetWriteDeadline(t time.Time) error

	// SetReadLimit sets the maximum size for a message read from the connection
	SetReadLimit(limit int64)

	// SetPongHandler sets the handler for pong messages
	SetPongHandler(h func(string) error)

	// RemoteAddr returns the remote network address
	RemoteAddr() string
}

// ConnectionWrapper wraps a gorilla/websocket connection to implement Connection
type ConnectionWrapper struct {
	conn *websocket.Conn
}

// NewConnectionWrapper creates a new connection wrapper
func NewConnectionWrapper(conn *websocket.Conn) Connection {
	return &ConnectionWrapper{conn: conn}
}

func (c *ConnectionWrapper) WriteMessage(messageType int, data []byte) error {
	return c.conn.WriteMessage(messageType, data)
}

func (c *ConnectionWrapper) ReadMessage() (messageType int, p []byte, err error) {
	return c.conn.ReadMessage()
}

func (c *ConnectionWrapper) Close() error {
	return c.conn.Close()
}

func (c *ConnectionWrapper) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *ConnectionWrapper) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *ConnectionWrapper) SetReadLimit(limit int64) {
	c.conn.SetReadLimit(limit)
}

func (c *ConnectionWrapper) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}

func (c *ConnectionWrapper) RemoteAddr() string {
	if c.conn.RemoteAddr() != nil {
		return c.conn.RemoteAddr().String()
	}
	return ""
}
