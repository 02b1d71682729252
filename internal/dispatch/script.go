package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// shell describes one allowlisted interpreter.
type shell struct {
	binary    string
	extension string
	// fileArgs runs a script file.
	fileArgs func(path string) []string
	// interactiveArgs reads commands from stdin.
	interactiveArgs []string
}

var shells = map[string]shell{
	"bash": {
		binary: "bash", extension: ".sh",
		fileArgs:        func(p string) []string { return []string{p} },
		interactiveArgs: []string{"-s"},
	},
	"sh": {
		binary: "sh", extension: ".sh",
		fileArgs:        func(p string) []string { return []string{p} },
		interactiveArgs: []string{"-s"},
	},
	"pwsh": {
		binary: "pwsh", extension: ".ps1",
		fileArgs:        func(p string) []string { return []string{"-NoProfile", "-NonInteractive", "-File", p} },
		interactiveArgs: []string{"-NoLogo", "-NoProfile", "-Command", "-"},
	},
	"powershell": {
		binary: "powershell", extension: ".ps1",
		fileArgs: func(p string) []string {
			return []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", p}
		},
		interactiveArgs: []string{"-NoLogo", "-NoProfile", "-Command", "-"},
	},
	"cmd": {
		binary: "cmd", extension: ".cmd",
		fileArgs:        func(p string) []string { return []string{"/Q", "/C", p} },
		interactiveArgs: []string{"/Q"},
	},
}

func lookupShell(name string) (shell, error) {
	sh, ok := shells[name]
	if !ok {
		return shell{}, validationf("shell", "unsupported shell %q", name)
	}
	return sh, nil
}

var scriptIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type scriptPayload struct {
	Shell          string   `json:"shell"`
	Content        string   `json:"content"`
	ScriptID       string   `json:"scriptId"`
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

func (d *Dispatcher) scriptRun(ctx context.Context, req *request) (result, error) {
	var p scriptPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	sh, err := lookupShell(p.Shell)
	if err != nil {
		return result{}, err
	}

	switch {
	case p.Content != "":
	case p.ScriptID != "":
		if !scriptIDPattern.MatchString(p.ScriptID) {
			return result{}, validationf("scriptId", "scriptId %q is not a valid script name", p.ScriptID)
		}
	default:
		return result{}, validationf("content", `missing required field "content" or "scriptId"`)
	}
	if err := d.allow(KindScriptRun); err != nil {
		return result{}, err
	}

	path, cleanup, err := d.scriptPath(p, sh)
	if err != nil {
		return result{}, err
	}
	defer cleanup()

	timeout := d.caps.ScriptMaxDuration()
	if p.TimeoutSeconds > 0 {
		timeout = min(timeout, time.Duration(p.TimeoutSeconds)*time.Second)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(sh.fileArgs(path), p.Args...)
	cmd := exec.CommandContext(runCtx, sh.binary, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	out := newCappedBuffer(d.caps.ScriptMaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Run()
	text := out.String()
	if out.Truncated() {
		text += fmt.Sprintf("\n[output truncated at %d bytes]", d.caps.ScriptMaxOutputBytes)
	}

	switch {
	case err == nil:
		return result{logs: text}, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return result{}, fmt.Errorf("script exceeded %s limit\n%s", timeout, text)
	case ctx.Err() != nil:
		return result{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result{}, fmt.Errorf("script exited with code %d\n%s", exitErr.ExitCode(), text)
	}
	return result{}, fmt.Errorf("run script: %w", err)
}

// scriptPath returns the file to execute: inline content is written to a
// temporary file, a scriptId resolves inside the script directory.
func (d *Dispatcher) scriptPath(p scriptPayload, sh shell) (string, func(), error) {
	if p.Content == "" {
		if d.caps.ScriptDir == "" {
			return "", nil, errors.New("no script directory is configured on this agent")
		}
		path := filepath.Join(d.caps.ScriptDir, p.ScriptID)
		if _, err := os.Stat(path); err != nil {
			return "", nil, fmt.Errorf("script %q: %w", p.ScriptID, err)
		}
		return path, func() {}, nil
	}

	f, err := os.CreateTemp("", "fleetplane-script-*"+sh.extension)
	if err != nil {
		return "", nil, fmt.Errorf("create script file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.WriteString(p.Content); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write script file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write script file: %w", err)
	}
	return f.Name(), cleanup, nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
// Writes never fail so the child is not killed by a broken pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - int64(c.buf.Len())
	switch {
	case room <= 0:
		c.truncated = c.truncated || len(p) > 0
	case int64(len(p)) > room:
		c.buf.Write(p[:room])
		c.truncated = true
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
