package events

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"keyward/internal/infrastructure"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// must stay below pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client owns one feed connection: it relays broadcasts from the hub to
// the socket and keeps the connection alive with pings.
type Client struct {
	hub  *Hub
	conn Connection

	// outbound broadcasts, closed by the hub on disconnect
	send chan []byte

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	logger *slog.Logger

	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
}

func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return NewClientWithConnection(hub, NewConnectionWrapper(conn), logger)
}

// NewClientWithConnection accepts any Connection so tests can substitute
// a mock for the gorilla conn.
func NewClientWithConnection(hub *Hub, conn Connection, logger *slog.Logger) *Client {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	id := uuid.New().String()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		id:          id,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		logger: logger.With(
			slog.String("component", "events.client"),
			slog.String("client_id", id),
		),
	}
}

// NewClientWithTrace tags the client and its log lines with the trace
// ID of the request that opened the connection.
func NewClientWithTrace(hub *Hub, conn *websocket.Conn, traceID string, logger *slog.Logger) *Client {
	client := NewClient(hub, conn, logger)
	client.traceID = traceID
	client.logger = client.logger.With(slog.String("trace_id", traceID))
	return client
}

// ctx returns a context carrying the client's trace ID for log
// correlation outside a request.
func (c *Client) ctx() context.Context {
	if c.traceID == "" {
		return context.Background()
	}
	return infrastructure.WithTraceID(context.Background(), c.traceID)
}

// ReadPump consumes inbound frames until the peer goes away. The feed
// is one-way, so inbound traffic is only heartbeats and close frames.
func (c *Client) ReadPump() {
	defer func() {
		c.logger.InfoContext(c.ctx(), "feed client disconnected",
			slog.Duration("connection_duration", time.Since(c.connectedAt)),
			slog.Int64("messages_received", c.messagesReceived),
			slog.Int64("bytes_received", c.bytesReceived))
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.ErrorContext(c.ctx(), "unexpected websocket close",
					slog.String("error", err.Error()))
			}
			return
		}

		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
		c.messagesReceived++
		c.bytesReceived += int64(len(message))

		if string(message) == `{"type":"heartbeat"}` {
			c.logger.Debug("heartbeat received")
		}
	}
}

// WritePump forwards hub broadcasts to the socket and pings on a timer.
// It exits when the hub closes the send channel or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.InfoContext(c.ctx(), "feed write pump stopped",
			slog.Int64("messages_sent", c.messagesSent),
			slog.Int64("bytes_sent", c.bytesSent))
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.writeFrame(message) {
				return
			}

			// flush whatever queued up behind this frame
			for n := len(c.send); n > 0; n-- {
				select {
				case msg := <-c.send:
					if !c.writeFrame(msg) {
						return
					}
				default:
					n = 0
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.ctx(), "failed to send ping",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Client) writeFrame(message []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.ErrorContext(c.ctx(), "error writing to websocket",
			slog.String("error", err.Error()))
		return false
	}
	c.messagesSent++
	c.bytesSent += int64(len(message))
	return true
}

// ServeWS registers the upgraded connection with the hub and starts its
// read and write pumps.
func ServeWS(hub *Hub, conn *websocket.Conn) {
	client := NewClient(hub, conn, nil)
	client.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
