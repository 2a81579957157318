package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Config holds per-connection WebSocket tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	SendBuffer      int
}

// DefaultConfig returns the default WebSocket configuration. The message
// size limit has to fit SDP offers, which run to a few kilobytes.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
		SendBuffer: 256,
	}
}

// Connection is one live participant connection. Outbound frames go
// through a buffered channel drained by writePump; Send never blocks the
// caller, and a client that cannot keep up is closed.
type Connection struct {
	ID string

	ws  *websocket.Conn
	cfg Config

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newConnection(id string, ws *websocket.Conn, cfg Config) *Connection {
	return &Connection{
		ID:   id,
		ws:   ws,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
	}
}

// Send queues a frame for delivery. Frames queued before Close are drained
// by writePump before the close handshake.
func (c *Connection) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warn().Str("conn_id", c.ID).Msg("send buffer full, closing slow connection")
		c.closed = true
		close(c.send)
	}
}

// Close stops outbound delivery; writePump finishes the queued frames and
// performs the close handshake. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump owns all writes to the socket: queued frames plus pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("conn_id", c.ID).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readFrame reads one frame, refreshing the read deadline around it.
func (c *Connection) readFrame() ([]byte, error) {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	_, frame, err := c.ws.ReadMessage()
	return frame, err
}

func (c *Connection) configureRead() {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})
}
