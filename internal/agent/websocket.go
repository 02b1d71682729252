package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/protocol"
	"github.com/markus-barta/fleetplane/internal/retry"
)

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected()
	OnDisconnected()
}

// WebSocketClient manages the command socket to the orchestrator.
type WebSocketClient struct {
	url     string
	token   string
	nodeID  string
	log     zerolog.Logger
	handler ConnectionHandler
	retry   *retry.Manager
	wake    chan struct{}

	conn     *websocket.Conn
	mu       sync.Mutex
	messages chan *protocol.Message

	connected bool
}

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = 5 * time.Second
	maxErrorBody     = 512
)

// NewWebSocketClient creates a new WebSocket client.
func NewWebSocketClient(cfg *config.Config, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	return &WebSocketClient{
		url:      cfg.WebSocketURL(),
		token:    cfg.Token,
		nodeID:   cfg.NodeID,
		log:      log.With().Str("component", "websocket").Logger(),
		handler:  handler,
		retry:    retry.NewManager(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		wake:     make(chan struct{}, 1),
		messages: make(chan *protocol.Message, 100),
	}
}

// Run connects to the orchestrator and maintains the connection.
// It blocks until the context is cancelled.
func (c *WebSocketClient) Run(ctx context.Context) {
	for {
		if !waitForAttempt(ctx, c.retry, c.wake) {
			c.log.Debug().Msg("context cancelled, stopping")
			return
		}

		resp, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordDialFailure(resp, err)
			continue
		}
		c.retry.RecordSuccess()

		// Read messages until disconnect
		c.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		next := c.retry.RecordFailure()
		c.log.Warn().Time("next_attempt", next).Msg("connection lost, reconnecting")
	}
}

// recordDialFailure classifies a failed dial. Rejected credentials are
// non-transient and eventually stop the reconnect loop.
func (c *WebSocketClient) recordDialFailure(resp *http.Response, err error) {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		msg := readErrorBody(resp)
		if c.retry.RecordNonTransientFailure(resp.StatusCode, msg) {
			c.log.Error().Int("status", resp.StatusCode).Str("error", msg).
				Msg("orchestrator keeps rejecting credentials, not reconnecting until cleared")
			return
		}
		c.log.Error().Int("status", resp.StatusCode).Str("error", msg).Msg("authentication failed")
		return
	}
	next := c.retry.RecordFailure()
	c.log.Warn().Err(err).Time("next_attempt", next).Msg("connection failed, retrying")
}

// connect establishes the WebSocket connection.
func (c *WebSocketClient) connect(ctx context.Context) (*http.Response, error) {
	c.log.Debug().Str("url", c.url).Msg("connecting")

	header := http.Header{}
	header.Set(protocol.HeaderAuthorization, "Bearer "+c.token)
	header.Set(protocol.HeaderNodeID, c.nodeID)

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return resp, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop(ctx, conn)

	c.handler.OnConnected()
	return resp, nil
}

// readLoop reads messages from the WebSocket.
func (c *WebSocketClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.handler.OnDisconnected()
	}()

	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.SetReadDeadline(time.Now())
		}
		c.mu.Unlock()
	})
	defer stop()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		c.log.Debug().Str("type", msg.Type).Msg("received message")

		select {
		case c.messages <- &msg:
		default:
			c.log.Warn().Str("type", msg.Type).Msg("message queue full, dropping message")
		}
	}
}

// pingLoop sends periodic pings on conn until it is replaced or closed.
func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// SendMessage sends a message to the orchestrator.
func (c *WebSocketClient) SendMessage(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the channel for incoming messages.
func (c *WebSocketClient) Messages() <-chan *protocol.Message {
	return c.messages
}

// Close closes the connection gracefully.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	closeErr := c.conn.Close()
	c.conn = nil
	c.connected = false
	return errors.Join(err, closeErr)
}

// IsConnected returns whether the client is connected.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RetryStatus returns the reconnect state.
func (c *WebSocketClient) RetryStatus() retry.Snapshot {
	return c.retry.Snapshot()
}

// ClearFatalError allows reconnecting after repeated credential rejection.
func (c *WebSocketClient) ClearFatalError() {
	c.retry.ClearFatalError()
	notify(c.wake)
}

func readErrorBody(resp *http.Response) string {
	if resp.Body == nil {
		return http.StatusText(resp.StatusCode)
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}
