// Package protocol defines the WebSocket message types shared between agent and orchestrator.
package protocol

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// Encode marshals a typed payload straight into wire bytes.
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (agent → orchestrator)
const (
	TypeRegister      = "register"
	TypeCommandStatus = "command_status"
)

// Message types (orchestrator → agent)
const (
	TypeRegistered    = "registered"
	TypeCommand       = "command"
	TypeCommandCancel = "command_cancel"
)

// Handshake headers sent by the agent when dialing the orchestrator.
const (
	HeaderNodeID        = "X-Fleetplane-Node"
	HeaderAuthorization = "Authorization"
)

// RegisterPayload is sent by the agent right after the socket opens.
type RegisterPayload struct {
	NodeID       string   `json:"node_id"`
	Hostname     string   `json:"hostname"`
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities"` // enabled capability gates, informational
}

// RegisteredPayload confirms the binding of a node to its connection.
type RegisteredPayload struct {
	NodeID       string `json:"node_id"`
	ConnectionID string `json:"connection_id"`
}

// CommandPayload carries one command to an agent.
type CommandPayload struct {
	CommandID string `json:"command_id"`
	Type      string `json:"type"`    // canonical, e.g. "docker.restart"
	Payload   string `json:"payload"` // raw JSON document for the command type
}

// CancelPayload asks the agent to stop a long-running command.
type CancelPayload struct {
	CommandID string `json:"command_id"`
}

// StatusPayload reports progress or completion of a command.
// Streaming commands send many InProgress updates and exactly one terminal status.
type StatusPayload struct {
	CommandID  string        `json:"command_id"`
	Status     CommandStatus `json:"status"`
	Logs       string        `json:"logs,omitempty"`
	Structured bool          `json:"structured,omitempty"` // logs are fragments of one JSON document
	Seq        int           `json:"seq"`                  // per-command sequence, starts at 0
}

// HeartbeatPayload is posted periodically by the agent.
type HeartbeatPayload struct {
	NodeID         string    `json:"node_id"`
	Hostname       string    `json:"hostname"`
	AgentVersion   string    `json:"agent_version"`
	ActiveCommands int       `json:"active_commands"`
	Connected      bool      `json:"connected"` // command socket currently open
	SentAt         time.Time `json:"sent_at"`

	// Command socket diagnostics, reported so an operator can see why an
	// agent that still heartbeats no longer takes commands.
	SocketFailures  int    `json:"socket_failures,omitempty"`
	SocketFatal     bool   `json:"socket_fatal,omitempty"`
	SocketLastError string `json:"socket_last_error,omitempty"`
}

// HeartbeatResponse is returned by the orchestrator for an accepted heartbeat.
type HeartbeatResponse struct {
	Accepted   bool      `json:"accepted"`
	ServerTime time.Time `json:"server_time"`
}
