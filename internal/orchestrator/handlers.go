package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/markus-barta/fleetplane/internal/dispatch"
	"github.com/markus-barta/fleetplane/internal/events"
	"github.com/markus-barta/fleetplane/internal/metrics"
	"github.com/markus-barta/fleetplane/internal/protocol"
	"github.com/markus-barta/fleetplane/internal/registry"
	"github.com/markus-barta/fleetplane/internal/store"
)

const (
	maxHeartbeatBody = 64 << 10
	maxCommandBody   = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
	eventKeepAlive   = 15 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"connected_nodes": s.hub.registry.Len(),
	})
}

// handleAgentWebSocket upgrades an authenticated agent connection.
func (s *Server) handleAgentWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.agentAuth.Authenticate(r); err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("agent connection rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	nodeID, err := uuid.Parse(r.Header.Get(protocol.HeaderNodeID))
	if err != nil {
		http.Error(w, "missing or invalid node id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(s.hub, conn, nodeID, r.RemoteAddr)
	if !s.hub.attach(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// handleHeartbeat accepts an agent heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.agentAuth.Authenticate(r); err != nil {
		s.metrics.ObserveHeartbeat(metrics.HeartbeatUnauthorized)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var p protocol.HeartbeatPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHeartbeatBody)).Decode(&p); err != nil {
		s.metrics.ObserveHeartbeat(metrics.HeartbeatInvalid)
		writeError(w, http.StatusBadRequest, "invalid heartbeat")
		return
	}
	nodeID, err := uuid.Parse(p.NodeID)
	if err != nil {
		s.metrics.ObserveHeartbeat(metrics.HeartbeatInvalid)
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	if header := r.Header.Get(protocol.HeaderNodeID); header != "" && header != p.NodeID {
		s.metrics.ObserveHeartbeat(metrics.HeartbeatInvalid)
		writeError(w, http.StatusBadRequest, "node id does not match header")
		return
	}

	s.hub.RecordHeartbeat(nodeID, p)
	s.metrics.ObserveHeartbeat(metrics.HeartbeatAccepted)
	writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{Accepted: true, ServerTime: time.Now().UTC()})
}

// handleListNodes returns every known node.
func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.hub.Nodes()})
}

// handleGetNode returns one node.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeParam(w, r)
	if !ok {
		return
	}
	info, found := s.hub.Node(nodeID)
	if !found {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type submitRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleSubmitCommand journals a command for a node.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeParam(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmdType := protocol.CanonicalCommandType(req.Type)
	if !slices.Contains(dispatch.Types(), cmdType) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported command type %q", req.Type))
		return
	}
	payload, err := commandPayload(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := s.hub.Submit(r.Context(), nodeID, cmdType, payload)
	if err != nil {
		s.log.Error().Err(err).Str("node_id", nodeID.String()).Msg("failed to submit command")
		writeError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

// commandPayload normalizes the payload field: a JSON object is used as is,
// a JSON string is taken as the document, and a missing payload is {}.
func commandPayload(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "{}", nil
	}
	doc := []byte(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.New("invalid payload")
		}
		doc = []byte(s)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, doc); err != nil {
		return "", errors.New("payload is not valid JSON")
	}
	return compact.String(), nil
}

// handleNodeCommands lists a node's most recent commands.
func (s *Server) handleNodeCommands(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeParam(w, r)
	if !ok {
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	cmds, err := s.store.NodeCommands(r.Context(), nodeID, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query commands")
		writeError(w, http.StatusInternalServerError, "failed to query commands")
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

// handleGetCommand returns a command. While it runs, output is the live
// reassembled buffer.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.store.GetCommand(r.Context(), chi.URLParam(r, "commandID"))
	if errors.Is(err, store.ErrCommandNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load command")
		writeError(w, http.StatusInternalServerError, "failed to load command")
		return
	}
	if cmd.Status == protocol.StatusInProgress {
		if entry, ok := s.hub.Output(cmd.ID); ok {
			cmd.Output = entry.Buffer
		}
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleCancelCommand cancels a queued or running command.
func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	err := s.hub.Cancel(r.Context(), commandID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"command_id": commandID, "status": "cancelling"})
	case errors.Is(err, store.ErrCommandNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrCommandFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNodeNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Str("command_id", commandID).Msg("failed to cancel command")
		writeError(w, http.StatusInternalServerError, "failed to cancel command")
	}
}

// handleEvents streams command events as server-sent events. The optional
// node query parameter restricts the stream to one node.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var filter uuid.UUID
	if v := r.URL.Query().Get("node"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid node id")
			return
		}
		filter = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.bus.Subscribe(events.DefaultSubscriberBuffer)
	defer s.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			if filter != uuid.Nil && ev.NodeID != filter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: command\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func nodeParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return uuid.Nil, false
	}
	return id, true
}
