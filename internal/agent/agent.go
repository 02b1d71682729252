// Package agent implements the fleetplane agent.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/dispatch"
	"github.com/markus-barta/fleetplane/internal/protocol"
)

// Version is the agent version.
const Version = "0.4.0"

// Agent is the main agent struct that coordinates all components.
type Agent struct {
	cfg        *config.Config
	log        zerolog.Logger
	dispatcher *dispatch.Dispatcher
	ws         *WebSocketClient
	hb         *Heartbeater

	// State
	mu         sync.Mutex
	registered bool
	running    map[string]context.CancelFunc
	commands   sync.WaitGroup
}

// Option configures an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	dispatcher *dispatch.Dispatcher
	httpClient *http.Client
}

// WithDispatcher replaces the dispatcher built from the capability config.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(o *agentOptions) { o.dispatcher = d }
}

// WithHTTPClient sets the client used for heartbeats.
func WithHTTPClient(c *http.Client) Option {
	return func(o *agentOptions) { o.httpClient = c }
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) *Agent {
	var o agentOptions
	for _, opt := range opts {
		opt(&o)
	}
	a := &Agent{
		cfg:     cfg,
		log:     log.With().Str("component", "agent").Str("node_id", cfg.NodeID).Logger(),
		running: make(map[string]context.CancelFunc),
	}
	a.dispatcher = o.dispatcher
	if a.dispatcher == nil {
		a.dispatcher = dispatch.New(cfg.Capabilities, dispatch.WithLogger(log))
	}
	a.ws = NewWebSocketClient(cfg, log, a)
	a.hb = NewHeartbeater(cfg, log, a.heartbeatPayload, o.httpClient)
	return a
}

// Run starts the agent and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().
		Str("hostname", a.cfg.Hostname).
		Str("url", a.cfg.OrchestratorURL).
		Strs("capabilities", a.dispatcher.Capabilities().Enabled()).
		Msg("starting agent")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hb.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.messageLoop(ctx)
	}()

	// WebSocket connection loop (blocks until shutdown)
	a.ws.Run(ctx)

	wg.Wait()
	a.cancelAll()
	a.commands.Wait()
	if err := a.ws.Close(); err != nil {
		a.log.Debug().Err(err).Msg("error closing websocket")
	}

	a.log.Info().Msg("agent stopped")
	return nil
}

// ClearFatalErrors lets both the heartbeat and the command socket retry
// again after credentials were rejected too often.
func (a *Agent) ClearFatalErrors() {
	a.log.Info().Msg("clearing fatal connection state")
	a.hb.ClearFatalError()
	a.ws.ClearFatalError()
}

// OnConnected is called when WebSocket connects.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected to orchestrator")

	payload := protocol.RegisterPayload{
		NodeID:       a.cfg.NodeID,
		Hostname:     a.cfg.Hostname,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		AgentVersion: Version,
		Capabilities: a.dispatcher.Capabilities().Enabled(),
	}
	if err := a.ws.SendMessage(protocol.TypeRegister, payload); err != nil {
		a.log.Error().Err(err).Msg("failed to send registration")
		return
	}
	a.log.Debug().Msg("registration sent")
}

// OnDisconnected is called when WebSocket disconnects. Running commands are
// cancelled since their status can no longer be delivered; the orchestrator
// redelivers them after reconnect.
func (a *Agent) OnDisconnected() {
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	a.log.Warn().Msg("disconnected from orchestrator")
	a.cancelAll()
}

// OnMessage is called for each incoming message.
func (a *Agent) OnMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		var payload protocol.RegisteredPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse registered payload")
			return
		}
		a.mu.Lock()
		a.registered = true
		a.mu.Unlock()
		a.log.Info().Str("connection_id", payload.ConnectionID).Msg("registered with orchestrator")

		// Report the open socket right away
		a.hb.Trigger()

	case protocol.TypeCommand:
		var payload protocol.CommandPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse command payload")
			return
		}
		a.handleCommand(ctx, payload)

	case protocol.TypeCommandCancel:
		var payload protocol.CancelPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse cancel payload")
			return
		}
		if !a.cancelCommand(payload.CommandID) {
			a.log.Debug().Str("command_id", payload.CommandID).Msg("cancel for unknown command")
		}

	default:
		a.log.Warn().Str("type", msg.Type).Msg("unknown message type")
	}
}

// IsRegistered returns whether the agent is registered with the orchestrator.
func (a *Agent) IsRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// messageLoop handles incoming messages.
func (a *Agent) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.ws.Messages():
			if msg != nil {
				a.OnMessage(ctx, msg)
			}
		}
	}
}

// heartbeatPayload snapshots the agent for one heartbeat.
func (a *Agent) heartbeatPayload() protocol.HeartbeatPayload {
	socket := a.ws.RetryStatus()
	p := protocol.HeartbeatPayload{
		NodeID:         a.cfg.NodeID,
		Hostname:       a.cfg.Hostname,
		AgentVersion:   Version,
		ActiveCommands: a.dispatcher.Active(),
		Connected:      a.ws.IsConnected(),
		SentAt:         time.Now().UTC(),
		SocketFailures: socket.ConsecutiveFailures,
		SocketFatal:    socket.IsFatal,
	}
	if socket.LastErrorCode != nil && socket.LastErrorMessage != nil {
		p.SocketLastError = fmt.Sprintf("%d %s", *socket.LastErrorCode, *socket.LastErrorMessage)
	}
	return p
}
