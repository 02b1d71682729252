// Package dispatch executes commands on the agent. Every command is
// validated against its kind's schema and capability gate before it runs,
// and every outcome, including panics, ends in exactly one terminal status.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/output"
	"github.com/markus-barta/fleetplane/internal/protocol"
)

// DefaultFragmentSize bounds one structured-output frame.
const DefaultFragmentSize = 32 * 1024

// StatusSink receives status updates for dispatched commands. Streaming
// kinds call it many times per command; the terminal status comes once.
type StatusSink interface {
	Report(commandID string, status protocol.CommandStatus, logs string)
}

// SinkFunc adapts a function to StatusSink.
type SinkFunc func(commandID string, status protocol.CommandStatus, logs string)

// Report implements StatusSink.
func (f SinkFunc) Report(commandID string, status protocol.CommandStatus, logs string) {
	f(commandID, status, logs)
}

// request is what a handler sees of one dispatch.
type request struct {
	commandID string
	payload   []byte
	// progress reports an InProgress update.
	progress func(logs string)
}

func (r *request) decode(target any) error {
	if err := json.Unmarshal(r.payload, target); err != nil {
		return validationf("", "payload must be valid JSON: %v", err)
	}
	return nil
}

// result is a handler's successful outcome. Structured kinds set doc,
// which is marshalled and split into fragments; others set logs.
type result struct {
	logs string
	doc  any
}

type handlerFunc func(ctx context.Context, req *request) (result, error)

// Dispatcher validates, authorizes and executes commands.
type Dispatcher struct {
	caps         config.Capabilities
	log          zerolog.Logger
	runner       Runner
	goos         string
	fragmentSize int

	schemas  [kindCount]*gojsonschema.Schema
	handlers [kindCount]handlerFunc
	limiters [kindCount]*rate.Limiter
	sessions *sessionTable

	active atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log.With().Str("component", "dispatch").Logger() }
}

// WithRunner replaces the external program runner.
func WithRunner(r Runner) Option {
	return func(d *Dispatcher) { d.runner = r }
}

// WithPlatform overrides the operating system used for platform-specific
// commands.
func WithPlatform(goos string) Option {
	return func(d *Dispatcher) { d.goos = goos }
}

// WithFragmentSize sets the structured-output fragment size.
func WithFragmentSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.fragmentSize = n
		}
	}
}

// New creates a dispatcher for the given capabilities. Zero limits take
// their defaults; gates are used as given.
func New(caps config.Capabilities, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		caps:         caps.WithDefaults(),
		log:          zerolog.Nop(),
		runner:       ExecRunner{},
		goos:         runtime.GOOS,
		fragmentSize: DefaultFragmentSize,
		schemas:      compileSchemas(),
		sessions:     newSessionTable(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.handlers = [kindCount]handlerFunc{
		KindDockerList:     d.dockerList,
		KindDockerRestart:  d.dockerAction("restart"),
		KindDockerStart:    d.dockerAction("start"),
		KindDockerStop:     d.dockerAction("stop"),
		KindDockerLogs:     d.dockerLogs,
		KindServiceStatus:  d.serviceStatus,
		KindServiceRestart: d.serviceRestart,
		KindLogRead:        d.logRead,
		KindLogTail:        d.logTail,
		KindScriptRun:      d.scriptRun,
		KindTerminalOpen:   d.terminalOpen,
		KindTerminalInput:  d.terminalInput,
		KindTerminalClose:  d.terminalClose,
		KindFileList:       d.fileList,
		KindFileDownload:   d.fileDownload,
		KindFileMetadata:   d.fileMetadata,
	}
	for k := Kind(0); k < kindCount; k++ {
		if d.handlers[k] == nil {
			panic(fmt.Sprintf("dispatch: no handler registered for %s", k))
		}
		if every := kinds[k].minInterval; every != nil {
			if iv := every(d.caps); iv > 0 {
				d.limiters[k] = rate.NewLimiter(rate.Every(iv), 1)
			}
		}
	}
	return d
}

// Capabilities returns the effective capability configuration.
func (d *Dispatcher) Capabilities() config.Capabilities { return d.caps }

// Active is the number of commands currently executing.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Dispatch runs one command to completion, reporting through sink. It
// blocks until the terminal status has been reported; callers run it on
// its own goroutine. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, commandID, cmdType, payload string, sink StatusSink) {
	rep := &reporter{sink: sink, commandID: commandID}
	log := d.log.With().Str("command_id", commandID).Str("type", cmdType).Logger()

	d.active.Add(1)
	defer d.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("command handler panicked")
			rep.report(protocol.StatusFailed, "internal error while executing command")
		}
	}()

	kind, ok := ParseKind(protocol.CanonicalCommandType(cmdType))
	if !ok {
		log.Warn().Msg("unsupported command type")
		rep.report(protocol.StatusFailed, fmt.Sprintf("unsupported command type %q", cmdType))
		return
	}
	spec := kinds[kind]

	if !spec.gate.enabled(d.caps) {
		err := &CapabilityError{Capability: spec.gate.String(), Type: spec.name}
		log.Info().Msg("command rejected: capability disabled")
		rep.report(protocol.StatusFailed, failureMessage(err))
		return
	}

	raw, err := validatePayload(d.schemas[kind], payload)
	if err != nil {
		log.Info().Err(err).Msg("command rejected: invalid payload")
		rep.report(protocol.StatusFailed, failureMessage(err))
		return
	}

	log.Debug().Msg("executing command")
	req := &request{
		commandID: commandID,
		payload:   raw,
		progress:  func(logs string) { rep.report(protocol.StatusInProgress, logs) },
	}
	res, err := d.handlers[kind](ctx, req)
	if err != nil {
		log.Info().Err(err).Msg("command failed")
		rep.report(protocol.StatusFailed, failureMessage(err))
		return
	}

	if spec.structured {
		d.reportStructured(rep, res.doc)
		return
	}
	rep.report(protocol.StatusSuccess, res.logs)
	log.Debug().Msg("command succeeded")
}

// allow consumes the kind's rate limit. Handlers call it once their own
// validation has passed, so rejected payloads never count as a run.
func (d *Dispatcher) allow(kind Kind) error {
	lim := d.limiters[kind]
	if lim == nil || lim.Allow() {
		return nil
	}
	return fmt.Errorf("%w: %s may run at most once every %s", ErrRateLimited, kind, kinds[kind].minInterval(d.caps))
}

// reportStructured sends doc as contiguous fragments: every fragment but the
// last as InProgress, the last with Success.
func (d *Dispatcher) reportStructured(rep *reporter, doc any) {
	data, err := json.Marshal(doc)
	if err != nil {
		rep.report(protocol.StatusFailed, "failed to encode result: "+err.Error())
		return
	}
	parts := output.Split(string(data), d.fragmentSize)
	for _, p := range parts[:len(parts)-1] {
		rep.report(protocol.StatusInProgress, p)
	}
	rep.report(protocol.StatusSuccess, parts[len(parts)-1])
}

// reporter forwards to the sink and drops anything after the terminal status.
type reporter struct {
	mu        sync.Mutex
	sink      StatusSink
	commandID string
	done      bool
}

func (r *reporter) report(status protocol.CommandStatus, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if status.IsTerminal() {
		r.done = true
	}
	r.sink.Report(r.commandID, status, logs)
}
