package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/markus-barta/fleetplane/internal/output"
)

// maxTerminalSessions bounds concurrently open sessions per agent.
const maxTerminalSessions = 8

var (
	errSessionClosed = errors.New("session closed")
	errOutputLimit   = errors.New("terminal output limit reached")
)

type terminalOpenPayload struct {
	Shell      string `json:"shell"`
	WorkingDir string `json:"workingDir"`
}

type terminalInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type terminalClosePayload struct {
	SessionID string `json:"sessionId"`
}

// session is one running shell. Its id is the command id of the
// terminal.open that started it.
type session struct {
	id     string
	stdin  io.WriteCloser
	cancel context.CancelCauseFunc
	inMu   sync.Mutex
}

func (s *session) write(data string) error {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	_, err := io.WriteString(s.stdin, data)
	return err
}

type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) add(s *session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) >= maxTerminalSessions {
		return fmt.Errorf("too many terminal sessions (limit %d)", maxTerminalSessions)
	}
	if _, exists := t.sessions[s.id]; exists {
		return fmt.Errorf("terminal session %s already open", s.id)
	}
	t.sessions[s.id] = s
	return nil
}

func (t *sessionTable) get(id string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sessions is the number of open terminal sessions.
func (d *Dispatcher) Sessions() int { return d.sessions.len() }

// terminalOpen starts a shell and streams its output as InProgress updates
// until the shell exits, the session is closed, the output cap is hit or
// the lifetime cap expires.
func (d *Dispatcher) terminalOpen(ctx context.Context, req *request) (result, error) {
	var p terminalOpenPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	sh, err := lookupShell(p.Shell)
	if err != nil {
		return result{}, err
	}

	if err := d.allow(KindTerminalOpen); err != nil {
		return result{}, err
	}

	lifetime := d.caps.TerminalMaxDuration()
	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, lifetime)
	defer cancelTimeout()
	sessCtx, cancel := context.WithCancelCause(timeoutCtx)
	defer cancel(nil)

	cmd := exec.CommandContext(sessCtx, sh.binary, sh.interactiveArgs...)
	cmd.Dir = p.WorkingDir
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return result{}, fmt.Errorf("terminal stdin: %w", err)
	}
	limit := d.caps.TerminalMaxOutputBytes
	out := &terminalOutput{limit: limit, progress: req.progress, onLimit: func() { cancel(errOutputLimit) }}
	cmd.Stdout = out
	cmd.Stderr = out

	s := &session{id: req.commandID, stdin: stdin, cancel: cancel}
	if err := d.sessions.add(s); err != nil {
		return result{}, err
	}
	defer d.sessions.remove(s.id)

	d.log.Info().Str("session_id", s.id).Str("shell", p.Shell).Msg("terminal session opened")
	if err := cmd.Start(); err != nil {
		return result{}, fmt.Errorf("start %s: %w", sh.binary, err)
	}
	err = cmd.Wait()
	d.log.Info().Str("session_id", s.id).Int64("bytes", out.total()).Msg("terminal session ended")

	switch cause := context.Cause(sessCtx); {
	case errors.Is(cause, errSessionClosed):
		return result{logs: "session closed"}, nil
	case errors.Is(cause, errOutputLimit):
		return result{}, fmt.Errorf("%w (%d bytes)", errOutputLimit, limit)
	case ctx.Err() != nil:
		return result{}, ctx.Err()
	case timeoutCtx.Err() != nil:
		return result{}, fmt.Errorf("terminal session exceeded %s limit", lifetime)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result{}, fmt.Errorf("shell exited with code %d", exitErr.ExitCode())
	}
	if err != nil {
		return result{}, err
	}
	return result{logs: "shell exited"}, nil
}

func (d *Dispatcher) terminalInput(_ context.Context, req *request) (result, error) {
	var p terminalInputPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	s, ok := d.sessions.get(p.SessionID)
	if !ok {
		return result{}, fmt.Errorf("%w: %s", ErrUnknownSession, p.SessionID)
	}
	if err := s.write(p.Data); err != nil {
		return result{}, fmt.Errorf("write to terminal: %w", err)
	}
	return result{}, nil
}

func (d *Dispatcher) terminalClose(_ context.Context, req *request) (result, error) {
	var p terminalClosePayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	s, ok := d.sessions.get(p.SessionID)
	if !ok {
		return result{}, fmt.Errorf("%w: %s", ErrUnknownSession, p.SessionID)
	}
	s.cancel(errSessionClosed)
	return result{logs: "session closed"}, nil
}

// terminalOutput forwards shell output as progress until limit bytes have
// been sent, then calls onLimit once and swallows the rest. A rune split
// across writes is held back until it is complete.
type terminalOutput struct {
	mu       sync.Mutex
	sent     int64
	limit    int64
	pending  []byte
	stopped  bool
	progress func(string)
	onLimit  func()
}

func (o *terminalOutput) Write(b []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return len(b), nil
	}
	data := append(o.pending, b...)
	o.pending = nil

	room := o.limit - o.sent
	if int64(len(data)) >= room {
		o.stopped = true
		data = data[:output.RuneBoundary(data, int(room))]
	} else if n := output.CompleteRunes(data); n < len(data) {
		o.pending = append([]byte(nil), data[n:]...)
		data = data[:n]
	}

	if len(data) > 0 {
		o.sent += int64(len(data))
		o.progress(string(data))
	}
	if o.stopped {
		o.onLimit()
	}
	return len(b), nil
}

func (o *terminalOutput) total() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}
