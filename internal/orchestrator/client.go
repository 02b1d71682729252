package orchestrator

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markus-barta/fleetplane/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Status fragments carry
	// base64 download chunks.
	maxMessageSize = 1 << 20

	sendBuffer = 256
)

// Client is one agent command connection.
type Client struct {
	conn         *websocket.Conn
	hub          *Hub
	connectionID string
	nodeID       uuid.UUID // from the handshake header
	remoteAddr   string

	send      chan []byte
	closed    atomic.Bool
	closeOnce sync.Once

	// Commands delivered on this connection and not yet terminal.
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, nodeID uuid.UUID, remoteAddr string) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		connectionID: uuid.NewString(),
		nodeID:       nodeID,
		remoteAddr:   remoteAddr,
		send:         make(chan []byte, sendBuffer),
		inflight:     make(map[string]struct{}),
	}
}

// ConnectionID identifies this connection in the registry.
func (c *Client) ConnectionID() string { return c.connectionID }

// SafeSend queues data for the write pump without panicking on a closed
// client. It returns false when the client is closed or its buffer is full.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendMessage encodes and queues one envelope.
func (c *Client) SendMessage(msgType string, payload any) bool {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.hub.log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return false
	}
	return c.SafeSend(data)
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Client) track(commandID string) {
	c.mu.Lock()
	c.inflight[commandID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(commandID string) {
	c.mu.Lock()
	delete(c.inflight, commandID)
	c.mu.Unlock()
}

func (c *Client) drainInflight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	c.inflight = make(map[string]struct{})
	return ids
}

// readPump reads messages from the agent and hands them to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Error().Err(err).Str("connection_id", c.connectionID).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Warn().Err(err).Str("connection_id", c.connectionID).Msg("failed to parse message")
			continue
		}
		if !c.hub.deliver(&agentMessage{client: c, message: &msg}) {
			return
		}
	}
}

// writePump writes queued messages and pings to the agent.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
