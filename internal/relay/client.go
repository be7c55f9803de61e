package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type ClientOptions struct {
	SendBuffer      int
	MaxMessageBytes int64
}

// Client is one websocket connection to the relay.
type Client struct {
	ID   models.PeerID
	Conn *websocket.Conn

	hub       *Hub
	send      chan []byte
	log       zerolog.Logger
	closeOnce sync.Once
	maxBytes  int64
}

// Enqueue implements Outbox.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close implements Outbox. The write pump sends a close frame and exits.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ServeConn registers conn with the hub and runs its pumps. It returns once the
// connection is registered; the pumps keep running until the connection ends.
func ServeConn(ctx context.Context, hub *Hub, conn *websocket.Conn, opts ClientOptions) (*Client, error) {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}

	c := &Client{
		Conn:     conn,
		hub:      hub,
		send:     make(chan []byte, opts.SendBuffer),
		maxBytes: opts.MaxMessageBytes,
	}

	id, err := hub.Register(ctx, c)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.ID = id
	c.log = hub.log.With().Str("peer_id", string(id)).Str("remote", conn.RemoteAddr().String()).Logger()
	c.log.Info().Msg("Peer connected")

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.ID)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.maxBytes)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
		c.hub.Deliver(c.ID, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
