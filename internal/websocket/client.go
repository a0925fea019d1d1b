package websocket

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"licensesvc/internal/infrastructure"
)

// Clients only send pings and the occasional heartbeat.
const maxMessageSize = 512

// ClientConfig tunes keepalive and buffering for one connection.
type ClientConfig struct {
	// PingPeriod must be less than PongWait.
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

// DefaultClientConfig returns the keepalive settings used when none are
// configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 256,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	return c
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn Connection
	cfg  ClientConfig

	// Buffered channel of outbound messages. Only the hub closes it.
	send chan []byte

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	logger *slog.Logger
}

// NewClient creates a client for conn.
func NewClient(hub *Hub, conn Connection, traceID string, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	cfg = cfg.withDefaults()

	id := uuid.New().String()
	return &Client{
		hub:         hub,
		conn:        conn,
		cfg:         cfg,
		send:        make(chan []byte, cfg.SendBuffer),
		id:          id,
		traceID:     traceID,
		remoteAddr:  remoteAddrString(conn.RemoteAddr()),
		connectedAt: time.Now(),
		logger: logger.With(
			slog.String("component", "websocket.client"),
			slog.String("client_id", id),
		),
	}
}

func remoteAddrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ID returns the client identifier sent in the connect message.
func (c *Client) ID() string { return c.id }

func (c *Client) context() context.Context {
	if c.traceID == "" {
		return context.Background()
	}
	return infrastructure.WithTraceID(context.Background(), c.traceID)
}

// ReadPump drains the connection so control frames are processed, and
// unregisters the client when the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WarnContext(c.context(), "unexpected websocket close",
					slog.String("error", err.Error()))
			}
			return
		}
		// Client messages carry no commands; reading keeps the deadline fresh.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.DebugContext(c.context(), "websocket write failed",
					slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.context(), "websocket ping failed",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}
