package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/fleetplane/internal/agent"
	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/dispatch"
	"github.com/markus-barta/fleetplane/internal/protocol"
)

type dockerStub struct{ out []byte }

func (d dockerStub) Run(context.Context, string, ...string) ([]byte, error) { return d.out, nil }

func startRealAgent(t *testing.T, env *testEnv, caps config.Capabilities, opts ...dispatch.Option) uuid.UUID {
	t.Helper()
	nodeID := uuid.New()
	cfg := &config.Config{
		OrchestratorURL:   env.http.URL,
		Token:             testAgentToken,
		NodeID:            nodeID.String(),
		HeartbeatInterval: 200 * time.Millisecond,
		RetryBaseDelay:    10 * time.Millisecond,
		RetryMaxDelay:     100 * time.Millisecond,
		Hostname:          "e2e-host",
		Capabilities:      caps,
	}
	a := agent.New(cfg, zerolog.Nop(), agent.WithDispatcher(dispatch.New(caps, opts...)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, a.IsRegistered, waitTimeout, pollInterval)
	return nodeID
}

func TestEndToEnd_StructuredListing(t *testing.T) {
	env := newTestEnv(t)
	row := `{"ID":"0123456789ab","Names":"web","Image":"nginx","State":"running","Status":"Up","CreatedAt":"2024-01-01","Ports":""}`
	nodeID := startRealAgent(t, env, config.Capabilities{},
		dispatch.WithRunner(dockerStub{out: []byte(row + "\n" + row + "\n")}),
		dispatch.WithFragmentSize(32))

	cmd := env.submit(nodeID, "ListContainers", nil)
	require.Eventually(t, func() bool { return env.command(cmd.ID).Status == protocol.StatusSuccess }, waitTimeout, pollInterval)

	var containers []dispatch.Container
	require.NoError(t, json.Unmarshal([]byte(env.command(cmd.ID).Output), &containers),
		"fragments are reassembled into one document")
	require.Len(t, containers, 2)
	assert.Equal(t, "web", containers[0].Names)

	require.Eventually(t, func() bool {
		info, ok := env.server.Hub().Node(nodeID)
		return ok && info.LastHeartbeat != nil && info.Hostname == "e2e-host"
	}, waitTimeout, pollInterval)
}

func TestEndToEnd_CapabilityDenied(t *testing.T) {
	env := newTestEnv(t)
	nodeID := startRealAgent(t, env, config.Capabilities{})

	cmd := env.submit(nodeID, protocol.CmdScriptRun, map[string]any{"script": "echo hi"})
	require.Eventually(t, func() bool { return env.command(cmd.ID).Status == protocol.StatusFailed }, waitTimeout, pollInterval)
	assert.Contains(t, env.command(cmd.ID).Output, "disabled")
}

func TestEndToEnd_LogReadAndCancelTail(t *testing.T) {
	env := newTestEnv(t)
	logFile := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(logFile, []byte("alpha\nbeta\n"), 0o644))
	nodeID := startRealAgent(t, env, config.Capabilities{EnableLogViewer: true})

	read := env.submit(nodeID, protocol.CmdLogRead, map[string]any{"path": logFile})
	require.Eventually(t, func() bool { return env.command(read.ID).Status == protocol.StatusSuccess }, waitTimeout, pollInterval)
	assert.Equal(t, "alpha\nbeta\n", env.command(read.ID).Output)

	tail := env.submit(nodeID, protocol.CmdLogTail, map[string]any{"path": logFile, "durationSeconds": 600, "pollMs": 50})
	require.Eventually(t, func() bool { return env.command(tail.ID).Status == protocol.StatusInProgress }, waitTimeout, pollInterval)
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, 202, env.do("POST", "/api/commands/"+tail.ID+"/cancel", nil, nil))
	require.Eventually(t, func() bool { return env.command(tail.ID).Status == protocol.StatusFailed }, waitTimeout, pollInterval)
	assert.Equal(t, "command cancelled", env.command(tail.ID).Output)
}
