package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/events"
	"github.com/markus-barta/fleetplane/internal/protocol"
	"github.com/markus-barta/fleetplane/internal/store"
)

const (
	testAgentToken    = "agent-secret"
	testOperatorToken = "operator-secret"
	waitTimeout       = 5 * time.Second
	pollInterval      = 10 * time.Millisecond
)

// testEnv is a running orchestrator behind an httptest server.
type testEnv struct {
	t        *testing.T
	server   *Server
	store    *store.Store
	bus      *events.Bus
	registry *prometheus.Registry
	http     *httptest.Server
}

func mustHash(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "fleetplane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(zerolog.Nop(), db)
	bus := events.NewBus(zerolog.Nop(), nil)
	reg := prometheus.NewRegistry()
	cfg := &config.OrchestratorConfig{
		ListenAddr:     "127.0.0.1:0",
		AgentTokenHash: mustHash(t, testAgentToken),
		OperatorHash:   mustHash(t, testOperatorToken),
		SnapshotTTL:    time.Millisecond,
		OutputTTL:      time.Minute,
		OutputEntries:  128,
	}
	s := New(cfg, zerolog.Nop(), Deps{Store: st, Bus: bus, Registry: reg, Gatherer: reg})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &testEnv{t: t, server: s, store: st, bus: bus, registry: reg, http: srv}
}

// do sends an operator API request and decodes the JSON response into out.
func (e *testEnv) do(method, path string, body any, out any) int {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(e.t, err)
	req.Header.Set("Authorization", "Bearer "+testOperatorToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) submit(nodeID uuid.UUID, cmdType string, payload any) *store.Command {
	e.t.Helper()
	var cmd store.Command
	status := e.do(http.MethodPost, "/api/nodes/"+nodeID.String()+"/commands", map[string]any{
		"type":    cmdType,
		"payload": payload,
	}, &cmd)
	require.Equal(e.t, http.StatusAccepted, status)
	return &cmd
}

func (e *testEnv) command(id string) store.Command {
	e.t.Helper()
	var cmd store.Command
	require.Equal(e.t, http.StatusOK, e.do(http.MethodGet, "/api/commands/"+id, nil, &cmd))
	return cmd
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/agent"
}

// fakeAgent is a hand-driven agent connection.
type fakeAgent struct {
	t      *testing.T
	nodeID uuid.UUID
	conn   *websocket.Conn

	mu       sync.Mutex
	messages []protocol.Message
	closed   chan struct{}
}

func (e *testEnv) dial(nodeID uuid.UUID, token string) (*fakeAgent, *http.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set(protocol.HeaderNodeID, nodeID.String())
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	if err != nil {
		return nil, resp, err
	}
	a := &fakeAgent{t: e.t, nodeID: nodeID, conn: conn, closed: make(chan struct{})}
	go a.readLoop()
	e.t.Cleanup(func() { _ = conn.Close() })
	return a, resp, nil
}

// connect dials and registers, waiting for the registered reply.
func (e *testEnv) connect(nodeID uuid.UUID) *fakeAgent {
	e.t.Helper()
	a, _, err := e.dial(nodeID, testAgentToken)
	require.NoError(e.t, err)
	a.send(protocol.TypeRegister, protocol.RegisterPayload{
		NodeID:       nodeID.String(),
		Hostname:     "node-" + nodeID.String()[:8],
		OS:           "linux",
		Arch:         "amd64",
		AgentVersion: "test",
		Capabilities: []string{"log_viewer"},
	})
	a.waitFor(protocol.TypeRegistered, func(protocol.Message) bool { return true })
	return a
}

func (a *fakeAgent) readLoop() {
	defer close(a.closed)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		a.mu.Lock()
		a.messages = append(a.messages, msg)
		a.mu.Unlock()
	}
}

func (a *fakeAgent) send(msgType string, payload any) {
	a.t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(a.t, err)
	require.NoError(a.t, a.conn.WriteMessage(websocket.TextMessage, data))
}

func (a *fakeAgent) status(commandID string, status protocol.CommandStatus, logs string, seq int, structured bool) {
	a.t.Helper()
	a.send(protocol.TypeCommandStatus, protocol.StatusPayload{
		CommandID:  commandID,
		Status:     status,
		Logs:       logs,
		Seq:        seq,
		Structured: structured,
	})
}

// waitFor returns the first message of msgType accepted by match.
func (a *fakeAgent) waitFor(msgType string, match func(protocol.Message) bool) protocol.Message {
	a.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		for _, msg := range a.messages {
			if msg.Type == msgType && match(msg) {
				a.mu.Unlock()
				return msg
			}
		}
		a.mu.Unlock()
		time.Sleep(pollInterval)
	}
	a.t.Fatalf("timeout waiting for %s message", msgType)
	return protocol.Message{}
}

// waitForCommand returns the delivered command with the given id.
func (a *fakeAgent) waitForCommand(commandID string) protocol.CommandPayload {
	a.t.Helper()
	msg := a.waitFor(protocol.TypeCommand, func(m protocol.Message) bool {
		var p protocol.CommandPayload
		return m.ParsePayload(&p) == nil && p.CommandID == commandID
	})
	var p protocol.CommandPayload
	require.NoError(a.t, msg.ParsePayload(&p))
	return p
}

func (a *fakeAgent) count(msgType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, msg := range a.messages {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

func (a *fakeAgent) close() {
	_ = a.conn.Close()
	<-a.closed
}
