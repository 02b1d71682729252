// Package orchestrator implements the orchestrator side of the agent
// protocol: the connection hub, the command journal wiring and the HTTP
// surface agents and operators talk to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/markus-barta/fleetplane/internal/events"
	"github.com/markus-barta/fleetplane/internal/metrics"
	"github.com/markus-barta/fleetplane/internal/output"
	"github.com/markus-barta/fleetplane/internal/protocol"
	"github.com/markus-barta/fleetplane/internal/registry"
	"github.com/markus-barta/fleetplane/internal/store"
)

const (
	panicRecoveryDelay = 100 * time.Millisecond

	cancelledMessage = "command cancelled"
)

// ErrCommandFinished is returned when cancelling a terminal command.
var ErrCommandFinished = errors.New("command already finished")

// NodeInfo is what the orchestrator knows about one agent.
type NodeInfo struct {
	NodeID          uuid.UUID  `json:"node_id"`
	Hostname        string     `json:"hostname"`
	OS              string     `json:"os,omitempty"`
	Arch            string     `json:"arch,omitempty"`
	AgentVersion    string     `json:"agent_version"`
	Capabilities    []string   `json:"capabilities"`
	Connected       bool       `json:"connected"`
	ConnectionID    string     `json:"connection_id,omitempty"`
	RegisteredAt    *time.Time `json:"registered_at,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	ActiveCommands  int        `json:"active_commands"`
	SocketFailures  int        `json:"socket_failures,omitempty"`
	SocketFatal     bool       `json:"socket_fatal,omitempty"`
	SocketLastError string     `json:"socket_last_error,omitempty"`
}

type agentMessage struct {
	client  *Client
	message *protocol.Message
}

// Hub owns the agent connections. Connection events and agent messages are
// processed on one loop; commands submitted over HTTP are delivered from
// the caller's goroutine.
type Hub struct {
	log      zerolog.Logger
	registry *registry.Registry
	store    *store.Store
	tracker  *output.Tracker
	bus      *events.Bus
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client // by connection id
	nodes   map[uuid.UUID]*NodeInfo

	// Serializes delivery so a node receives its queue in order.
	deliverMu sync.Mutex

	register      chan *Client
	unregister    chan *Client
	agentMessages chan *agentMessage
	done          chan struct{}
	stopOnce      sync.Once

	now func() time.Time
}

// NewHub creates a hub.
func NewHub(log zerolog.Logger, reg *registry.Registry, st *store.Store, tracker *output.Tracker, bus *events.Bus, m *metrics.Metrics) *Hub {
	return &Hub{
		log:           log.With().Str("component", "hub").Logger(),
		registry:      reg,
		store:         st,
		tracker:       tracker,
		bus:           bus,
		metrics:       m,
		clients:       make(map[string]*Client),
		nodes:         make(map[uuid.UUID]*NodeInfo),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		agentMessages: make(chan *agentMessage, 256),
		done:          make(chan struct{}),
		now:           time.Now,
	}
}

// Run processes hub events until ctx is done. A panic in the loop is logged
// and the loop restarts.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		if err := h.runLoop(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				h.log.Info().Msg("hub shutting down gracefully")
				return
			}
			h.log.Error().Err(err).Msg("hub loop crashed, restarting...")
			time.Sleep(panicRecoveryDelay)
		}
	}
}

// runLoop is the main processing loop with panic recovery.
func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.connectionID] = client
			h.mu.Unlock()
			h.log.Debug().
				Str("connection_id", client.connectionID).
				Str("node_id", client.nodeID.String()).
				Str("remote", client.remoteAddr).
				Msg("agent connected")

		case client := <-h.unregister:
			h.handleDisconnect(ctx, client)

		case msg := <-h.agentMessages:
			h.handleAgentMessage(ctx, msg)
		}
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for _, c := range h.clients {
			c.Close()
		}
		h.mu.Unlock()
	})
}

// attach hands a freshly upgraded connection to the hub.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// disconnect reports a closed connection.
func (h *Hub) disconnect(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// deliver queues an agent message. It returns false once the hub stopped.
func (h *Hub) deliver(msg *agentMessage) bool {
	select {
	case h.agentMessages <- msg:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) client(connectionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connectionID]
}

// ═══════════════════════════════════════════════════════════════════════════
// AGENT MESSAGES
// ═══════════════════════════════════════════════════════════════════════════

func (h *Hub) handleAgentMessage(ctx context.Context, msg *agentMessage) {
	switch msg.message.Type {
	case protocol.TypeRegister:
		var payload protocol.RegisterPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse register payload")
			return
		}
		h.handleRegister(ctx, msg.client, payload)

	case protocol.TypeCommandStatus:
		var payload protocol.StatusPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse status payload")
			return
		}
		h.handleStatus(ctx, msg.client, payload)

	default:
		h.log.Warn().Str("type", msg.message.Type).Str("connection_id", msg.client.connectionID).Msg("unknown message type")
	}
}

func (h *Hub) handleRegister(ctx context.Context, c *Client, p protocol.RegisterPayload) {
	log := h.log.With().Str("connection_id", c.connectionID).Logger()

	nodeID, err := uuid.Parse(p.NodeID)
	if err != nil || nodeID != c.nodeID {
		log.Warn().Str("node_id", p.NodeID).Str("header_node_id", c.nodeID.String()).
			Msg("register does not match handshake node id, closing connection")
		c.Close()
		return
	}

	if previous, ok := h.registry.TryGet(nodeID); ok && previous != c.connectionID {
		if old := h.client(previous); old != nil {
			old.Close()
		}
		log.Warn().Str("node_id", nodeID.String()).Str("previous_connection_id", previous).Msg("replaced duplicate agent connection")
	}
	h.registry.Set(nodeID, c.connectionID)
	h.metrics.SetConnectedNodes(h.registry.Len())

	now := h.now().UTC()
	h.mu.Lock()
	info := h.nodeLocked(nodeID)
	info.Hostname = p.Hostname
	info.OS = p.OS
	info.Arch = p.Arch
	info.AgentVersion = p.AgentVersion
	info.Capabilities = p.Capabilities
	info.Connected = true
	info.ConnectionID = c.connectionID
	info.RegisteredAt = &now
	h.mu.Unlock()

	c.SendMessage(protocol.TypeRegistered, protocol.RegisteredPayload{
		NodeID:       nodeID.String(),
		ConnectionID: c.connectionID,
	})

	log.Info().
		Str("node_id", nodeID.String()).
		Str("hostname", p.Hostname).
		Str("agent_version", p.AgentVersion).
		Strs("capabilities", p.Capabilities).
		Msg("agent registered")

	h.deliverPending(ctx, nodeID)
}

func (h *Hub) handleStatus(ctx context.Context, c *Client, p protocol.StatusPayload) {
	log := h.log.With().Str("command_id", p.CommandID).Str("status", string(p.Status)).Logger()

	if !p.Status.Valid() {
		log.Warn().Msg("status update with unknown status")
		return
	}
	if connID, ok := h.registry.TryGet(c.nodeID); !ok || connID != c.connectionID {
		log.Warn().Str("connection_id", c.connectionID).Msg("status update from unregistered connection")
		return
	}

	cmd, err := h.store.GetCommand(ctx, p.CommandID)
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			log.Warn().Msg("status update for unknown command")
		} else {
			log.Error().Err(err).Msg("failed to load command")
		}
		return
	}
	if cmd.NodeID != c.nodeID {
		log.Warn().Str("node_id", c.nodeID.String()).Msg("status update from a node that does not own the command")
		return
	}
	if cmd.Status != protocol.StatusInProgress {
		h.metrics.StaleUpdates.Inc()
		log.Debug().Str("journal_status", string(cmd.Status)).Msg("dropping update for command not in progress")
		return
	}

	// Download frames are consumed by subscribers; only the summary is kept.
	entry, err := h.tracker.Apply(p, cmd.Type != protocol.CmdFileDownload)
	if errors.Is(err, output.ErrStaleUpdate) {
		h.metrics.StaleUpdates.Inc()
		log.Debug().Int("seq", p.Seq).Msg("dropping stale status update")
		return
	}
	h.metrics.ObserveStatus(string(p.Status))

	ev := events.CommandEvent{
		CommandID:  cmd.ID,
		NodeID:     cmd.NodeID,
		Type:       cmd.Type,
		Status:     p.Status,
		Seq:        p.Seq,
		Logs:       p.Logs,
		Structured: entry.Structured,
	}
	if p.Status.IsTerminal() {
		c.untrack(cmd.ID)
		out := journalOutput(entry, p)
		if err := h.store.RecordStatus(ctx, cmd.ID, p.Status, out); err != nil {
			log.Error().Err(err).Msg("failed to record command status")
		}
		ev.Output = out
		log.Info().Str("node_id", cmd.NodeID.String()).Str("type", cmd.Type).Msg("command finished")
	}
	h.bus.Publish(ctx, ev)
}

// journalOutput is the output stored for a finished command. When the
// tracker did not keep the whole output, the terminal update's own text is
// stored instead.
func journalOutput(entry output.Entry, terminal protocol.StatusPayload) string {
	if entry.Truncated {
		return terminal.Logs
	}
	return entry.Buffer
}

func (h *Hub) handleDisconnect(ctx context.Context, c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.connectionID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.connectionID)
	h.mu.Unlock()
	c.Close()

	nodeID, unbound := h.registry.TryRemoveByConnectionId(c.connectionID)
	if unbound {
		h.mu.Lock()
		if info, ok := h.nodes[nodeID]; ok && info.ConnectionID == c.connectionID {
			info.Connected = false
			info.ConnectionID = ""
		}
		h.mu.Unlock()
		h.log.Info().Str("node_id", nodeID.String()).Str("connection_id", c.connectionID).Msg("agent disconnected")
	}
	h.metrics.SetConnectedNodes(h.registry.Len())

	requeued := 0
	for _, id := range c.drainInflight() {
		ok, err := h.store.Requeue(ctx, id)
		if err != nil {
			h.log.Error().Err(err).Str("command_id", id).Msg("failed to re-queue command")
			continue
		}
		if ok {
			h.tracker.Remove(id)
			requeued++
		}
	}
	if requeued == 0 {
		return
	}
	h.log.Warn().Int("count", requeued).Str("node_id", c.nodeID.String()).Msg("re-queued commands of closed connection")
	if !unbound {
		// The node is already bound to a newer connection.
		h.deliverPending(ctx, c.nodeID)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════

// Submit journals a command for a node and delivers it right away when the
// node is connected. Otherwise it stays Queued until the node binds.
func (h *Hub) Submit(ctx context.Context, nodeID uuid.UUID, cmdType, payload string) (*store.Command, error) {
	cmd := &store.Command{
		ID:      uuid.NewString(),
		NodeID:  nodeID,
		Type:    cmdType,
		Payload: payload,
	}
	if err := h.store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	h.bus.Publish(ctx, events.CommandEvent{CommandID: cmd.ID, NodeID: nodeID, Type: cmdType, Status: protocol.StatusQueued})

	if _, err := h.registry.Resolve(nodeID); errors.Is(err, registry.ErrNodeNotConnected) {
		h.metrics.CommandsQueued.Inc()
		h.log.Info().Str("command_id", cmd.ID).Str("node_id", nodeID.String()).Str("type", cmdType).Msg("node offline, command queued")
		return cmd, nil
	}
	h.deliverPending(ctx, nodeID)

	current, err := h.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		return cmd, nil
	}
	return current, nil
}

// deliverPending sends every Queued command of a node to its current
// connection.
func (h *Hub) deliverPending(ctx context.Context, nodeID uuid.UUID) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	connID, ok := h.registry.TryGet(nodeID)
	if !ok {
		return
	}
	c := h.client(connID)
	if c == nil {
		return
	}

	pending, err := h.store.PendingCommands(ctx, nodeID)
	if err != nil {
		h.log.Error().Err(err).Str("node_id", nodeID.String()).Msg("failed to load pending commands")
		return
	}
	for _, cmd := range pending {
		ok, err := h.store.MarkDelivered(ctx, cmd.ID)
		if err != nil {
			h.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to mark command delivered")
			return
		}
		if !ok {
			continue
		}
		c.track(cmd.ID)
		sent := c.SendMessage(protocol.TypeCommand, protocol.CommandPayload{
			CommandID: cmd.ID,
			Type:      cmd.Type,
			Payload:   cmd.Payload,
		})
		if !sent {
			c.untrack(cmd.ID)
			if _, err := h.store.Requeue(ctx, cmd.ID); err != nil {
				h.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to re-queue undeliverable command")
			}
			h.log.Warn().Str("command_id", cmd.ID).Str("connection_id", connID).Msg("agent not accepting commands, left queued")
			return
		}
		h.metrics.ObserveDispatch(cmd.Type)
		h.log.Info().
			Str("command_id", cmd.ID).
			Str("node_id", nodeID.String()).
			Str("type", cmd.Type).
			Int("attempt", cmd.Attempts+1).
			Msg("command delivered")
	}
}

// Cancel stops a command. A Queued command is failed in place; a running
// one is asked to stop on its agent.
func (h *Hub) Cancel(ctx context.Context, commandID string) error {
	cmd, err := h.store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}

	switch cmd.Status {
	case protocol.StatusQueued:
		if err := h.store.RecordStatus(ctx, cmd.ID, protocol.StatusFailed, cancelledMessage); err != nil {
			return err
		}
		h.bus.Publish(ctx, events.CommandEvent{
			CommandID: cmd.ID,
			NodeID:    cmd.NodeID,
			Type:      cmd.Type,
			Status:    protocol.StatusFailed,
			Logs:      cancelledMessage,
			Output:    cancelledMessage,
		})
		h.log.Info().Str("command_id", cmd.ID).Msg("queued command cancelled")
		return nil

	case protocol.StatusInProgress:
		connID, err := h.registry.Resolve(cmd.NodeID)
		if err != nil {
			return err
		}
		c := h.client(connID)
		if c == nil || !c.SendMessage(protocol.TypeCommandCancel, protocol.CancelPayload{CommandID: cmd.ID}) {
			return registry.ErrNodeNotConnected
		}
		h.log.Info().Str("command_id", cmd.ID).Str("node_id", cmd.NodeID.String()).Msg("cancel sent to agent")
		return nil

	default:
		return ErrCommandFinished
	}
}

// Output returns the live reassembled output of a command, if tracked.
func (h *Hub) Output(commandID string) (output.Entry, bool) {
	return h.tracker.Get(commandID)
}

// ═══════════════════════════════════════════════════════════════════════════
// NODES
// ═══════════════════════════════════════════════════════════════════════════

// RecordHeartbeat stores what a heartbeat says about its node.
func (h *Hub) RecordHeartbeat(nodeID uuid.UUID, p protocol.HeartbeatPayload) {
	now := h.now().UTC()
	h.mu.Lock()
	info := h.nodeLocked(nodeID)
	if p.Hostname != "" {
		info.Hostname = p.Hostname
	}
	if p.AgentVersion != "" {
		info.AgentVersion = p.AgentVersion
	}
	info.LastHeartbeat = &now
	info.ActiveCommands = p.ActiveCommands
	info.SocketFailures = p.SocketFailures
	info.SocketFatal = p.SocketFatal
	info.SocketLastError = p.SocketLastError
	h.mu.Unlock()

	if p.SocketFatal {
		h.log.Warn().Str("node_id", nodeID.String()).Str("error", p.SocketLastError).
			Msg("agent heartbeats but its command socket gave up")
	}
}

// Nodes lists every known node. Connection state comes from the registry
// snapshot, so it may lag a bind or unbind by the snapshot TTL.
func (h *Hub) Nodes() []NodeInfo {
	connected := make(map[uuid.UUID]bool)
	for _, id := range h.registry.GetConnectedNodeIdsSnapshot() {
		connected[id] = true
	}

	h.mu.RLock()
	out := make([]NodeInfo, 0, len(h.nodes))
	for id, info := range h.nodes {
		n := *info
		n.Connected = connected[id]
		if !n.Connected {
			n.ConnectionID = ""
		}
		out = append(out, n)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].NodeID.String() < out[j].NodeID.String()
	})
	return out
}

// Node returns one node.
func (h *Hub) Node(nodeID uuid.UUID) (NodeInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.nodes[nodeID]
	if !ok {
		return NodeInfo{}, false
	}
	n := *info
	_, n.Connected = h.registry.TryGet(nodeID)
	return n, true
}

func (h *Hub) nodeLocked(nodeID uuid.UUID) *NodeInfo {
	info, ok := h.nodes[nodeID]
	if !ok {
		info = &NodeInfo{NodeID: nodeID}
		h.nodes[nodeID] = info
	}
	return info
}
