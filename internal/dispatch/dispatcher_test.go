package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/output"
	"github.com/markus-barta/fleetplane/internal/protocol"
)

type update struct {
	commandID string
	status    protocol.CommandStatus
	logs      string
}

type recordingSink struct {
	mu      sync.Mutex
	updates []update
}

func (r *recordingSink) Report(commandID string, status protocol.CommandStatus, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update{commandID, status, logs})
}

func (r *recordingSink) all() []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update(nil), r.updates...)
}

func (r *recordingSink) terminals() []update {
	var out []update
	for _, u := range r.all() {
		if u.status.IsTerminal() {
			out = append(out, u)
		}
	}
	return out
}

func (r *recordingSink) last() update {
	all := r.all()
	if len(all) == 0 {
		return update{}
	}
	return all[len(all)-1]
}

func (r *recordingSink) progress() string {
	var b strings.Builder
	for _, u := range r.all() {
		if u.status == protocol.StatusInProgress {
			b.WriteString(u.logs)
		}
	}
	return b.String()
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(name string, args []string) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(name, args)
}

func (f *fakeRunner) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func dispatchOne(t *testing.T, d *Dispatcher, cmdType, payload string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	d.Dispatch(context.Background(), "cmd-1", cmdType, payload, sink)
	require.Len(t, sink.terminals(), 1, "exactly one terminal status")
	assert.True(t, sink.last().status.IsTerminal(), "terminal status comes last")
	return sink
}

func TestNew_EveryKindHasHandler(t *testing.T) {
	d := New(config.Capabilities{})
	for k := Kind(0); k < kindCount; k++ {
		assert.NotNil(t, d.handlers[k], k.String())
		got, ok := ParseKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
	assert.Len(t, Types(), int(kindCount))
}

func TestDispatch_DockerRestartInvalidPayload(t *testing.T) {
	d := New(config.Capabilities{}, WithRunner(&fakeRunner{}))

	for _, payload := range []string{"not json", "{", `{"containerId":`} {
		sink := dispatchOne(t, d, protocol.CmdDockerRestart, payload)
		all := sink.all()
		require.Len(t, all, 1)
		assert.Equal(t, protocol.StatusFailed, all[0].status)
		assert.Contains(t, all[0].logs, "valid JSON")
	}

	for _, payload := range []string{`{}`, `{"timeoutSeconds": 5}`, ""} {
		sink := dispatchOne(t, d, protocol.CmdDockerRestart, payload)
		all := sink.all()
		require.Len(t, all, 1)
		assert.Equal(t, protocol.StatusFailed, all[0].status)
		assert.Contains(t, all[0].logs, "containerId")
	}
}

func TestDispatch_DockerRestart(t *testing.T) {
	runner := &fakeRunner{}
	d := New(config.Capabilities{}, WithRunner(runner))

	sink := dispatchOne(t, d, protocol.CmdDockerRestart, `{"containerId":"web-1","timeoutSeconds":5}`)
	assert.Equal(t, protocol.StatusSuccess, sink.last().status)
	assert.Equal(t, []string{"docker", "restart", "--time", "5", "web-1"}, runner.lastCall())
}

func TestDispatch_DockerRejectsOptionLikeContainerID(t *testing.T) {
	runner := &fakeRunner{}
	d := New(config.Capabilities{}, WithRunner(runner))

	sink := dispatchOne(t, d, protocol.CmdDockerStop, `{"containerId":"--help"}`)
	assert.Equal(t, protocol.StatusFailed, sink.last().status)
	assert.Contains(t, sink.last().logs, "containerId")
	assert.Nil(t, runner.lastCall())
}

func TestDispatch_DockerFailureIsReported(t *testing.T) {
	runner := &fakeRunner{fn: func(string, []string) ([]byte, error) {
		return nil, errors.New("docker failed: exit status 1: No such container: ghost")
	}}
	d := New(config.Capabilities{}, WithRunner(runner))

	sink := dispatchOne(t, d, protocol.CmdDockerStart, `{"containerId":"ghost"}`)
	assert.Equal(t, protocol.StatusFailed, sink.last().status)
	assert.Contains(t, sink.last().logs, "No such container")
}

func TestDispatch_LegacyCommandName(t *testing.T) {
	runner := &fakeRunner{}
	d := New(config.Capabilities{}, WithRunner(runner))

	sink := dispatchOne(t, d, "RestartContainer", `{"containerId":"db"}`)
	assert.Equal(t, protocol.StatusSuccess, sink.last().status)
	assert.Equal(t, "restart", runner.lastCall()[1])
}

func TestDispatch_UnknownType(t *testing.T) {
	d := New(config.Capabilities{})
	sink := dispatchOne(t, d, "system.reboot", `{}`)
	assert.Equal(t, protocol.StatusFailed, sink.last().status)
	assert.Contains(t, sink.last().logs, "unsupported command type")
}

func TestDispatch_DefaultConfigDeniesSensitiveKinds(t *testing.T) {
	d := New(config.Capabilities{})

	cases := map[string][]string{
		protocol.CmdLogRead:      {`{"path":"/var/log/syslog"}`, "garbage", ""},
		protocol.CmdLogTail:      {`{"path":"/var/log/syslog"}`, "garbage"},
		protocol.CmdScriptRun:    {`{"shell":"bash","content":"id"}`, `{"shell":"zsh"}`},
		protocol.CmdTerminalOpen: {`{"shell":"bash"}`, "{}"},
		protocol.CmdFileList:     {`{"path":"/"}`},
	}
	for cmdType, payloads := range cases {
		for _, payload := range payloads {
			sink := dispatchOne(t, d, cmdType, payload)
			all := sink.all()
			require.Len(t, all, 1, cmdType)
			assert.Equal(t, protocol.StatusFailed, all[0].status, cmdType)
			assert.Contains(t, all[0].logs, "disabled", cmdType)
		}
	}
}

func TestDispatch_ScriptValidation(t *testing.T) {
	d := New(config.Capabilities{EnableScripts: true, ScriptMinIntervalSeconds: 0})

	sink := dispatchOne(t, d, protocol.CmdScriptRun, `{"shell":"zsh","content":"echo hi"}`)
	assert.Equal(t, protocol.StatusFailed, sink.last().status)
	assert.Contains(t, sink.last().logs, "unsupported")

	// Validation failures do not consume the rate limit.
	sink = dispatchOne(t, d, protocol.CmdScriptRun, `{"shell":"bash"}`)
	assert.Contains(t, sink.last().logs, "content")
	assert.Contains(t, sink.last().logs, "scriptId")

	sink = dispatchOne(t, d, protocol.CmdScriptRun, `{"content":"echo hi"}`)
	assert.Contains(t, sink.last().logs, "shell")

	sink = dispatchOne(t, d, protocol.CmdScriptRun, `{"shell":"sh","scriptId":"../etc/passwd"}`)
	assert.Equal(t, protocol.StatusFailed, sink.last().status)
	assert.Contains(t, sink.last().logs, "scriptId")
}

func TestDispatch_ServicePlatforms(t *testing.T) {
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		if name == "powershell" {
			return []byte(`{"Name":"wuauserv","DisplayName":"Windows Update","Status":"Running"}`), nil
		}
		return []byte("Id=nginx.service\nActiveState=active\nSubState=running\nLoadState=loaded\nDescription=nginx\n"), nil
	}}

	linux := New(config.Capabilities{}, WithRunner(runner), WithPlatform("linux"))
	sink := dispatchOne(t, linux, protocol.CmdServiceStatus, `{"serviceName":"nginx.service"}`)
	require.Equal(t, protocol.StatusSuccess, sink.last().status)
	var state ServiceState
	require.NoError(t, json.Unmarshal([]byte(sink.last().logs), &state))
	assert.Equal(t, "active", state.State)
	assert.Equal(t, "running", state.SubState)

	sink = dispatchOne(t, linux, protocol.CmdServiceRestart, `{"serviceName":"getty@tty1.service"}`)
	assert.Equal(t, protocol.StatusSuccess, sink.last().status)
	assert.Equal(t, []string{"systemctl", "restart", "getty@tty1.service"}, runner.lastCall())

	windows := New(config.Capabilities{}, WithRunner(runner), WithPlatform("windows"))
	sink = dispatchOne(t, windows, protocol.CmdServiceStatus, `{"serviceName":"Windows Update"}`)
	require.Equal(t, protocol.StatusSuccess, sink.last().status, sink.last().logs)
	assert.Contains(t, sink.last().logs, "Windows Update")

	other := New(config.Capabilities{}, WithRunner(runner), WithPlatform("plan9"))
	sink = dispatchOne(t, other, protocol.CmdServiceRestart, `{"serviceName":"Windows Update"}`)
	assert.Equal(t, protocol.StatusFailed, sink.last().status)
	assert.Contains(t, sink.last().logs, ErrUnsupportedPlatform.Error())
	assert.NotContains(t, sink.last().logs, "invalid payload")

	for _, bad := range []string{"nginx; reboot", " nginx", "it's", "$(id)"} {
		payload, _ := json.Marshal(map[string]string{"serviceName": bad})
		sink = dispatchOne(t, linux, protocol.CmdServiceRestart, string(payload))
		assert.Equal(t, protocol.StatusFailed, sink.last().status, bad)
		assert.Contains(t, sink.last().logs, "invalid payload", bad)
	}
}

func TestDispatch_DockerListIsFragmented(t *testing.T) {
	var rows strings.Builder
	for i := range 30 {
		fmt.Fprintf(&rows, `{"ID":"%064d","Names":"svc-%d","Image":"nginx:1.27","State":"running","Status":"Up 2 hours"}`+"\n", i, i)
	}
	runner := &fakeRunner{fn: func(string, []string) ([]byte, error) { return []byte(rows.String()), nil }}
	d := New(config.Capabilities{}, WithRunner(runner), WithFragmentSize(256))

	sink := dispatchOne(t, d, protocol.CmdDockerList, `{"all":true}`)
	all := sink.all()
	require.Greater(t, len(all), 2)

	var buf string
	for i, u := range all {
		assert.True(t, output.IsStructuredOutput(true, u.status))
		assert.LessOrEqual(t, len(u.logs), 256)
		buf = output.Accumulate(buf, u.logs, i == 0)
	}
	assert.Equal(t, protocol.StatusSuccess, all[len(all)-1].status)

	var containers []Container
	require.NoError(t, json.Unmarshal([]byte(buf), &containers))
	require.Len(t, containers, 30)
	assert.Equal(t, "svc-29", containers[29].Names)
	assert.Contains(t, runner.lastCall(), "--all")
}

func TestDispatch_StructuredFragmentsSurviveTheWire(t *testing.T) {
	const name = "café-ünïcödé-日本"
	var rows strings.Builder
	for i := range 20 {
		fmt.Fprintf(&rows, `{"ID":"%012d","Names":"%s","Image":"nginx","State":"running","Status":"Up"}`+"\n", i, name)
	}
	runner := &fakeRunner{fn: func(string, []string) ([]byte, error) { return []byte(rows.String()), nil }}
	d := New(config.Capabilities{}, WithRunner(runner), WithFragmentSize(97))

	sink := dispatchOne(t, d, protocol.CmdDockerList, `{}`)
	var buf string
	for i, u := range sink.all() {
		assert.True(t, utf8.ValidString(u.logs), "fragment %d splits a rune", i)

		data, err := protocol.Encode(protocol.TypeCommandStatus, protocol.StatusPayload{
			CommandID: u.commandID, Status: u.status, Logs: u.logs, Seq: i, Structured: true,
		})
		require.NoError(t, err)
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		var got protocol.StatusPayload
		require.NoError(t, msg.ParsePayload(&got))
		require.Equal(t, u.logs, got.Logs)

		buf = output.Accumulate(buf, got.Logs, i == 0)
	}

	var containers []Container
	require.NoError(t, json.Unmarshal([]byte(buf), &containers))
	require.Len(t, containers, 20)
	for _, c := range containers {
		assert.Equal(t, name, c.Names)
	}
}

func TestDispatch_PanicBecomesFailed(t *testing.T) {
	runner := &fakeRunner{fn: func(string, []string) ([]byte, error) { panic("boom") }}
	d := New(config.Capabilities{}, WithRunner(runner))

	sink := dispatchOne(t, d, protocol.CmdDockerRestart, `{"containerId":"web"}`)
	assert.Equal(t, protocol.StatusFailed, sink.last().status)
	assert.Equal(t, "internal error while executing command", sink.last().logs)
	assert.NotContains(t, sink.last().logs, "boom")
	assert.Zero(t, d.Active())
}

func TestDispatch_CancelledContext(t *testing.T) {
	runner := &fakeRunner{fn: func(string, []string) ([]byte, error) { return nil, context.Canceled }}
	d := New(config.Capabilities{}, WithRunner(runner))

	sink := dispatchOne(t, d, protocol.CmdDockerRestart, `{"containerId":"web"}`)
	assert.Equal(t, "command cancelled", sink.last().logs)
}

func TestReporter_DropsAfterTerminal(t *testing.T) {
	sink := &recordingSink{}
	rep := &reporter{sink: sink, commandID: "c"}
	rep.report(protocol.StatusInProgress, "a")
	rep.report(protocol.StatusSuccess, "b")
	rep.report(protocol.StatusInProgress, "late")
	rep.report(protocol.StatusFailed, "late")
	assert.Len(t, sink.all(), 2)
}

func TestValidatePayload_Messages(t *testing.T) {
	schemas := compileSchemas()

	_, err := validatePayload(schemas[KindScriptRun], `{"shell":"fish","content":"x"}`)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "shell", verr.Field)
	assert.Contains(t, verr.Message, "unsupported")
	assert.Contains(t, verr.Message, `"fish"`)

	_, err = validatePayload(schemas[KindDockerRestart], `[1,2]`)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "JSON object")

	_, err = validatePayload(schemas[KindLogRead], `{"path":"/x","maxBytes":0}`)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "maxBytes", verr.Field)

	raw, err := validatePayload(schemas[KindDockerList], "  ")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}
